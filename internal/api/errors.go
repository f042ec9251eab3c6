// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/samber/oops"

	"github.com/holomush/hiddenmove/internal/game"
	"github.com/holomush/hiddenmove/internal/ledger"
	"github.com/holomush/hiddenmove/pkg/errutil"
)

// Error codes produced by the API itself.
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeNotFound   = "ENTITY_NOT_FOUND"
	CodeInternal   = "INTERNAL"
	CodeWatchOff   = "WATCH_UNAVAILABLE"
)

// inputCodes are error codes raised while decoding client input.
var inputCodes = map[string]bool{
	CodeBadRequest:    true,
	"INVALID_REF":     true,
	"INVALID_FIELD":   true,
	"INVALID_PATTERN": true,
	"INVALID_CURSOR":  true,
}

// ErrorBody is the JSON body of every non-2xx response. Category is set on
// rejections only.
type ErrorBody struct {
	Code     string        `json:"code"`
	Category game.Category `json:"category,omitempty"`
	Message  string        `json:"message"`
}

func errBadRequest(msg string, kv ...any) error {
	return oops.Code(CodeBadRequest).With(kv...).New(msg)
}

// writeError maps err onto a status code and body. Rejections become 409,
// unknown entities 404 and malformed input 400. Anything else is logged and
// reported as an opaque 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errutil.Code(err)
	switch {
	case game.IsRejected(err):
		cat, _ := game.CategoryOf(err)
		writeJSON(w, http.StatusConflict, ErrorBody{Code: code, Category: cat, Message: err.Error()})
	case errors.Is(err, ledger.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorBody{Code: CodeNotFound, Message: err.Error()})
	case inputCodes[code]:
		writeJSON(w, http.StatusBadRequest, ErrorBody{Code: code, Message: err.Error()})
	default:
		errutil.LogError(s.logger, "request failed", oops.
			With("method", r.Method).
			With("path", r.URL.Path).
			Wrap(err))
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Code: CodeInternal, Message: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // client may disconnect
	json.NewEncoder(w).Encode(v)
}
