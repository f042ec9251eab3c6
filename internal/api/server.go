// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package api exposes the ledger over HTTP: entity deployment, the six
// transitions, public state reads, history and a websocket watch stream.
package api

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/oops"

	"github.com/holomush/hiddenmove/internal/ledger"
	"github.com/holomush/hiddenmove/internal/observability"
)

// maxBodyBytes caps transition request bodies.
const maxBodyBytes = 64 << 10

// Server serves the ledger API.
type Server struct {
	ledger   *ledger.Ledger
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	pingPeriod time.Duration

	mu       sync.Mutex
	closing  bool
	done     chan struct{}
	watchers sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records request counts and open watchers in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCheckOrigin replaces the websocket origin check. The default accepts
// same-origin requests only.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// WithPingPeriod sets how often idle watch streams are pinged.
func WithPingPeriod(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingPeriod = d
		}
	}
}

// New creates an API server over l.
func New(l *ledger.Ledger, opts ...Option) *Server {
	s := &Server{
		ledger: l,
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		pingPeriod: defaultPingPeriod,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /v1/maps", s.handleDeployMap)
	s.route(mux, "POST /v1/players", s.handleDeployPlayer)
	s.route(mux, "GET /v1/maps/{id}", s.handleGetMap)
	s.route(mux, "GET /v1/players/{id}", s.handleGetPlayer)
	s.route(mux, "POST /v1/maps/{id}/area", s.handleCreateMapArea)
	s.route(mux, "POST /v1/maps/{id}/commit", s.handleCommit)
	s.route(mux, "POST /v1/players/{id}/map", s.handleSetMap)
	s.route(mux, "POST /v1/players/{id}/init", s.handleInitPosition)
	s.route(mux, "POST /v1/players/{id}/cardinal", s.handleMoveCardinal)
	s.route(mux, "POST /v1/players/{id}/diagonal", s.handleMoveDiagonal)
	s.route(mux, "GET /v1/transitions", s.handleTransitions)
	s.route(mux, "GET /v1/watch", s.handleWatch)
	return mux
}

// Close ends every open watch stream and waits for them to finish. The
// hijacked connections are not covered by http.Server.Shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	if !s.closing {
		s.closing = true
		close(s.done)
	}
	s.mu.Unlock()
	s.watchers.Wait()
}

// trackWatcher registers a watch stream unless the server is closing.
func (s *Server) trackWatcher() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.watchers.Add(1)
	return true
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(pattern, h))
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader, which writes the
// 101 response itself.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, oops.Code("HIJACK_UNSUPPORTED").Errorf("response writer cannot be hijacked")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		}
	})
}
