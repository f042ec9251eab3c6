// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/hiddenmove/internal/game"
)

// ErrNotFound is returned when a reference does not resolve to an entity of
// the requested kind.
var ErrNotFound = errors.New("entity not found")

// ErrReadOnly is returned when a View transaction attempts a write.
var ErrReadOnly = errors.New("read-only transaction")

// Op names a ledger operation.
type Op string

// Ledger operations.
const (
	OpDeployMap              Op = "deployMap"
	OpDeployPlayer           Op = "deployPlayer"
	OpCreateMapArea          Op = "createMapArea"
	OpCommitAllPlayerActions Op = "commitAllPlayerActions"
	OpSetGameInstanceMap     Op = "setGameInstanceMap"
	OpSetInitPosition        Op = "setInitPosition"
	OpMoveCardinal           Op = "moveCardinal"
	OpMoveDiagonal           Op = "moveDiagonal"
)

// Record is one committed transition. Payload holds the target's public
// post-state and public inputs only; secret inputs never reach a record.
type Record struct {
	ID        ulid.ULID       `json:"id"`
	Stream    string          `json:"stream"`
	Op        Op              `json:"op"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Tx is a view of ledger state inside one transition.
type Tx interface {
	// Map returns the registry at ref, or ErrNotFound.
	Map(ctx context.Context, ref Ref) (game.MapRegistry, error)

	// Player returns the player at ref, or ErrNotFound.
	Player(ctx context.Context, ref Ref) (game.PlayerMovement, error)

	// PutMap creates or replaces the registry at ref.
	PutMap(ctx context.Context, ref Ref, m game.MapRegistry) error

	// PutPlayer creates or replaces the player at ref.
	PutPlayer(ctx context.Context, ref Ref, p game.PlayerMovement) error

	// Append adds a record to the committed log.
	Append(ctx context.Context, rec Record) error
}

// Store persists entity state and the committed log.
type Store interface {
	// Update runs fn as one all-or-nothing unit. If fn returns an error,
	// none of its writes become visible.
	Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Records returns up to limit records committed after the record
	// afterID, in commit order. A zero afterID starts from the beginning;
	// an afterID that names no record fails with UnknownCursor.
	Records(ctx context.Context, afterID ulid.ULID, limit int) ([]Record, error)
}

// MapNotFound builds the not-found error for a registry reference.
func MapNotFound(ref Ref) error {
	return oops.Code("ENTITY_NOT_FOUND").
		With("kind", string(KindMap)).
		With("ref", ref.String()).
		Wrap(ErrNotFound)
}

// PlayerNotFound builds the not-found error for a player reference.
func PlayerNotFound(ref Ref) error {
	return oops.Code("ENTITY_NOT_FOUND").
		With("kind", string(KindPlayer)).
		With("ref", ref.String()).
		Wrap(ErrNotFound)
}

// UnknownCursor builds the error for a history cursor that names no record.
func UnknownCursor(after ulid.ULID) error {
	return oops.Code("INVALID_CURSOR").
		With("after", after.String()).
		Errorf("cursor does not name a committed record")
}
