// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package ledger

import (
	"context"
	"slices"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/holomush/hiddenmove/internal/game"
)

// MemoryStore is an in-process Store. Update calls are serialized by a
// single lock and stage their writes until fn returns nil.
type MemoryStore struct {
	mu      sync.RWMutex
	maps    map[Ref]game.MapRegistry
	players map[Ref]game.PlayerMovement
	records []Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		maps:    make(map[Ref]game.MapRegistry),
		players: make(map[Ref]game.PlayerMovement),
	}
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:   s,
		maps:    make(map[Ref]game.MapRegistry),
		players: make(map[Ref]game.PlayerMovement),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for ref, m := range tx.maps {
		s.maps[ref] = m
	}
	for ref, p := range tx.players {
		s.players[ref] = p
	}
	s.records = append(s.records, tx.records...)
	return nil
}

// View implements Store.
func (s *MemoryStore) View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(ctx, &memoryTx{store: s, readOnly: true})
}

// Records implements Store.
func (s *MemoryStore) Records(_ context.Context, afterID ulid.ULID, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if afterID.Compare(ulid.ULID{}) != 0 {
		i := slices.IndexFunc(s.records, func(rec Record) bool { return rec.ID == afterID })
		if i < 0 {
			return nil, UnknownCursor(afterID)
		}
		start = i + 1
	}
	end := min(start+limit, len(s.records))
	if start >= end {
		return nil, nil
	}

	out := make([]Record, end-start)
	copy(out, s.records[start:end])
	return out, nil
}

// memoryTx overlays staged writes on the store's committed state. The store
// lock is held for the lifetime of the transaction.
type memoryTx struct {
	store    *MemoryStore
	readOnly bool
	maps     map[Ref]game.MapRegistry
	players  map[Ref]game.PlayerMovement
	records  []Record
}

func (tx *memoryTx) Map(_ context.Context, ref Ref) (game.MapRegistry, error) {
	if m, ok := tx.maps[ref]; ok {
		return m, nil
	}
	if m, ok := tx.store.maps[ref]; ok {
		return m, nil
	}
	return game.MapRegistry{}, MapNotFound(ref)
}

func (tx *memoryTx) Player(_ context.Context, ref Ref) (game.PlayerMovement, error) {
	if p, ok := tx.players[ref]; ok {
		return p, nil
	}
	if p, ok := tx.store.players[ref]; ok {
		return p, nil
	}
	return game.PlayerMovement{}, PlayerNotFound(ref)
}

func (tx *memoryTx) PutMap(_ context.Context, ref Ref, m game.MapRegistry) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	tx.maps[ref] = m
	return nil
}

func (tx *memoryTx) PutPlayer(_ context.Context, ref Ref, p game.PlayerMovement) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	tx.players[ref] = p
	return nil
}

func (tx *memoryTx) Append(_ context.Context, rec Record) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	tx.records = append(tx.records, rec)
	return nil
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)
