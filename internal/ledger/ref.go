// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package ledger

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Ref addresses an entity on the ledger. The zero Ref means "unset".
type Ref = ulid.ULID

// Kind identifies which state machine an entity runs.
type Kind string

// Entity kinds.
const (
	KindMap    Kind = "map_registry"
	KindPlayer Kind = "player_movement"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewRef returns a fresh ULID, monotonically increasing within the process.
// Record IDs use it too, but they only identify records; stores order the
// committed log by commit.
func NewRef() Ref {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// ParseRef parses an entity reference.
func ParseRef(s string) (Ref, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return Ref{}, oops.Code("INVALID_REF").With("ref", s).Wrap(err)
	}
	return id, nil
}

// StreamOf names the record stream of an entity, e.g. "map:01J...".
func StreamOf(kind Kind, ref Ref) string {
	switch kind {
	case KindMap:
		return "map:" + ref.String()
	case KindPlayer:
		return "player:" + ref.String()
	default:
		return string(kind) + ":" + ref.String()
	}
}
