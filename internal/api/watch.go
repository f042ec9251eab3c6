// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/oops"

	"github.com/holomush/hiddenmove/internal/ledger"
)

// Watch stream timing.
const (
	writeWait         = 10 * time.Second
	defaultPingPeriod = 50 * time.Second
	maxMessageSize    = 512
)

// handleWatch upgrades to a websocket and pushes every committed record whose
// stream matches the stream query parameter (default "*"). The stream is
// server-to-client only; client frames are read and discarded so pongs and
// close frames are processed.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	b := s.ledger.Broadcaster()
	if b == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorBody{Code: CodeWatchOff, Message: "watch is not enabled"})
		return
	}
	pattern := r.URL.Query().Get("stream")
	if pattern == "" {
		pattern = "*"
	}

	// Subscribe before upgrading so a bad pattern is a plain 400.
	records, err := b.Subscribe(pattern)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		b.Unsubscribe(records)
		s.logger.DebugContext(r.Context(), "watch upgrade failed", "error", err)
		return
	}

	if !s.trackWatcher() {
		b.Unsubscribe(records)
		//nolint:errcheck // server is closing
		conn.Close()
		return
	}
	if s.metrics != nil {
		s.metrics.WatchersActive.Inc()
	}
	closed := readPump(conn, s.pingPeriod)
	defer func() {
		b.Unsubscribe(records)
		//nolint:errcheck // connection is being torn down
		conn.Close()
		<-closed
		if s.metrics != nil {
			s.metrics.WatchersActive.Dec()
		}
		s.watchers.Done()
	}()

	s.logger.InfoContext(r.Context(), "watch opened", "pattern", pattern, "remote", r.RemoteAddr)
	if err := s.writePump(conn, records, closed); err != nil {
		s.logger.DebugContext(r.Context(), "watch ended", "pattern", pattern, "error", err)
		return
	}
	s.logger.InfoContext(r.Context(), "watch closed", "pattern", pattern)
}

// readPump drains client frames until the connection fails or the client
// closes it, then closes the returned channel.
func readPump(conn *websocket.Conn, pingPeriod time.Duration) <-chan struct{} {
	closed := make(chan struct{})
	pongWait := pingPeriod * 10 / 9

	conn.SetReadLimit(maxMessageSize)
	//nolint:errcheck // a failed deadline surfaces as a read error
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return closed
}

func (s *Server) writePump(conn *websocket.Conn, records <-chan ledger.Record, closed <-chan struct{}) error {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return nil
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return oops.Code("WATCH_WRITE_FAILED").Wrap(err)
			}
			if err := conn.WriteJSON(rec); err != nil {
				return oops.Code("WATCH_WRITE_FAILED").With("record_id", rec.ID.String()).Wrap(err)
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return oops.Code("WATCH_PING_FAILED").Wrap(err)
			}
		case <-closed:
			return nil
		case <-s.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			//nolint:errcheck // best-effort close frame
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return nil
		}
	}
}
