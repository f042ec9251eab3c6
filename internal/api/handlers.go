// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/oklog/ulid/v2"

	"github.com/holomush/hiddenmove/internal/commitment"
	"github.com/holomush/hiddenmove/internal/game"
	"github.com/holomush/hiddenmove/internal/ledger"
)

// History paging limits.
const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// MapView is a registry's public state with its reference.
type MapView struct {
	ID ledger.Ref `json:"id"`
	game.MapRegistry
}

// PlayerView is a player's public state with its reference.
type PlayerView struct {
	ID ledger.Ref `json:"id"`
	game.PlayerMovement
}

// AreaRequest is the body of POST /v1/maps/{id}/area.
type AreaRequest struct {
	Bound *game.Position `json:"bound"`
}

// CommitRequest is the body of POST /v1/maps/{id}/commit.
type CommitRequest struct {
	Player string `json:"player"`
}

// LinkRequest is the body of POST /v1/players/{id}/map.
type LinkRequest struct {
	Map string `json:"map"`
}

// InitRequest is the body of POST /v1/players/{id}/init. Salt is a decimal
// or 0x-prefixed integer.
type InitRequest struct {
	Position *game.Position `json:"position"`
	Salt     string         `json:"salt"`
}

// MoveRequest is the body of the cardinal and diagonal move endpoints.
type MoveRequest struct {
	Old       *game.Position `json:"old"`
	Direction *game.Position `json:"direction"`
	Salt      string         `json:"salt"`
}

// HistoryResponse is the body of GET /v1/transitions. Next is the cursor for
// the following page and is empty when the page is short.
type HistoryResponse struct {
	Records []ledger.Record `json:"records"`
	Next    string          `json:"next,omitempty"`
}

func (s *Server) handleDeployMap(w http.ResponseWriter, r *http.Request) {
	ref, err := s.ledger.DeployMap(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, MapView{ID: ref})
}

func (s *Server) handleDeployPlayer(w http.ResponseWriter, r *http.Request) {
	ref, err := s.ledger.DeployPlayer(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PlayerView{ID: ref})
}

func (s *Server) handleGetMap(w http.ResponseWriter, r *http.Request) {
	ref, err := pathRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.ledger.MapState(r.Context(), ref)
	s.writeMap(w, r, ref, m, err)
}

func (s *Server) handleGetPlayer(w http.ResponseWriter, r *http.Request) {
	ref, err := pathRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.ledger.PlayerState(r.Context(), ref)
	s.writePlayer(w, r, ref, p, err)
}

func (s *Server) handleCreateMapArea(w http.ResponseWriter, r *http.Request) {
	ref, err := pathRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req AreaRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Bound == nil {
		s.writeError(w, r, errBadRequest("bound is required"))
		return
	}
	m, err := s.ledger.CreateMapArea(r.Context(), ref, *req.Bound)
	s.writeMap(w, r, ref, m, err)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	ref, err := pathRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req CommitRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	player, err := ledger.ParseRef(req.Player)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.ledger.CommitAllPlayerActions(r.Context(), ref, player)
	s.writeMap(w, r, ref, m, err)
}

func (s *Server) handleSetMap(w http.ResponseWriter, r *http.Request) {
	ref, err := pathRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req LinkRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	mapRef, err := ledger.ParseRef(req.Map)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.ledger.SetGameInstanceMap(r.Context(), ref, mapRef)
	s.writePlayer(w, r, ref, p, err)
}

func (s *Server) handleInitPosition(w http.ResponseWriter, r *http.Request) {
	ref, err := pathRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req InitRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Position == nil {
		s.writeError(w, r, errBadRequest("position is required"))
		return
	}
	salt, err := parseSalt(req.Salt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.ledger.SetInitPosition(r.Context(), ref, *req.Position, salt)
	s.writePlayer(w, r, ref, p, err)
}

func (s *Server) handleMoveCardinal(w http.ResponseWriter, r *http.Request) {
	s.handleMove(w, r, s.ledger.MoveCardinal)
}

func (s *Server) handleMoveDiagonal(w http.ResponseWriter, r *http.Request) {
	s.handleMove(w, r, s.ledger.MoveDiagonal)
}

type moveFunc func(ctx context.Context, ref ledger.Ref, old, direction game.Position, salt commitment.Field) (game.PlayerMovement, error)

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request, move moveFunc) {
	ref, err := pathRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req MoveRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Old == nil || req.Direction == nil {
		s.writeError(w, r, errBadRequest("old and direction are required"))
		return
	}
	salt, err := parseSalt(req.Salt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := move(r.Context(), ref, *req.Old, *req.Direction, salt)
	s.writePlayer(w, r, ref, p, err)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var after ulid.ULID
	if v := q.Get("after"); v != "" {
		ref, err := ledger.ParseRef(v)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		after = ref
	}

	limit := defaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			s.writeError(w, r, errBadRequest("limit must be between 1 and 1000", "limit", v))
			return
		}
		limit = n
	}

	records, err := s.ledger.History(r.Context(), q.Get("stream"), after, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := HistoryResponse{Records: records}
	if len(records) == limit {
		resp.Next = records[len(records)-1].ID.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeMap(w http.ResponseWriter, r *http.Request, ref ledger.Ref, m game.MapRegistry, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MapView{ID: ref, MapRegistry: m})
}

func (s *Server) writePlayer(w http.ResponseWriter, r *http.Request, ref ledger.Ref, p game.PlayerMovement, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PlayerView{ID: ref, PlayerMovement: p})
}

func pathRef(r *http.Request) (ledger.Ref, error) {
	return ledger.ParseRef(r.PathValue("id"))
}

// parseSalt parses a salt without echoing it into the error.
func parseSalt(s string) (commitment.Field, error) {
	if s == "" {
		return commitment.Field{}, errBadRequest("salt is required")
	}
	return commitment.ParseField(s)
}

// decode reads a JSON body, rejecting unknown fields and trailing data.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		// Decoder errors can quote the offending input, which may be a salt.
		return errBadRequest("malformed JSON body")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errBadRequest("unexpected data after JSON body")
	}
	return nil
}
