// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/hiddenmove/internal/game"
	"github.com/holomush/hiddenmove/pkg/errutil"
)

func TestMemoryStore_UpdateCommits(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ref := NewRef()
	m := game.MapRegistry{MapBound: game.Pos(8, 8)}

	err := s.Update(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.PutMap(ctx, ref, m); err != nil {
			return err
		}
		// Staged writes are visible inside the same transaction.
		got, err := tx.Map(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, m, got)
		return tx.Append(ctx, Record{ID: NewRef(), Stream: StreamOf(KindMap, ref)})
	})
	require.NoError(t, err)

	err = s.View(ctx, func(ctx context.Context, tx Tx) error {
		got, err := tx.Map(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, m, got)
		return nil
	})
	require.NoError(t, err)

	records, err := s.Records(ctx, ulid.ULID{}, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestMemoryStore_UpdateDiscardsOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ref := NewRef()
	errBoom := errors.New("boom")

	err := s.Update(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.PutPlayer(ctx, ref, game.PlayerMovement{ActionTick: 3}))
		require.NoError(t, tx.Append(ctx, Record{ID: NewRef()}))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	err = s.View(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.Player(ctx, ref)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)

	records, err := s.Records(ctx, ulid.ULID{}, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestMemoryStore_ViewIsReadOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.View(ctx, func(ctx context.Context, tx Tx) error {
		assert.ErrorIs(t, tx.PutMap(ctx, NewRef(), game.MapRegistry{}), ErrReadOnly)
		assert.ErrorIs(t, tx.PutPlayer(ctx, NewRef(), game.PlayerMovement{}), ErrReadOnly)
		assert.ErrorIs(t, tx.Append(ctx, Record{}), ErrReadOnly)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_Records(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ids := make([]ulid.ULID, 5)
	for i := range ids {
		ids[i] = NewRef()
		require.NoError(t, s.Update(ctx, func(ctx context.Context, tx Tx) error {
			return tx.Append(ctx, Record{ID: ids[i], Stream: "map:x"})
		}))
	}

	tests := []struct {
		name    string
		afterID ulid.ULID
		limit   int
		want    []ulid.ULID
	}{
		{name: "from start", afterID: ulid.ULID{}, limit: 2, want: ids[:2]},
		{name: "after cursor", afterID: ids[1], limit: 10, want: ids[2:]},
		{name: "after last", afterID: ids[4], limit: 10, want: nil},
		{name: "zero limit", afterID: ulid.ULID{}, limit: 0, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Records(ctx, tt.afterID, tt.limit)
			require.NoError(t, err)
			gotIDs := make([]ulid.ULID, 0, len(got))
			for _, rec := range got {
				gotIDs = append(gotIDs, rec.ID)
			}
			if tt.want == nil {
				assert.Empty(t, gotIDs)
				return
			}
			assert.Equal(t, tt.want, gotIDs)
		})
	}
}

func TestMemoryStore_RecordsUnknownCursor(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Records(context.Background(), NewRef(), 10)
	errutil.AssertErrorCode(t, err, "INVALID_CURSOR")
}

func TestMemoryStore_RecordsFollowAppendOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	older, newer := NewRef(), NewRef()

	for _, id := range []ulid.ULID{newer, older} {
		require.NoError(t, s.Update(ctx, func(ctx context.Context, tx Tx) error {
			return tx.Append(ctx, Record{ID: id, Stream: "map:x"})
		}))
	}

	rest, err := s.Records(ctx, newer, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, older, rest[0].ID, "a smaller ID committed later is still delivered")
}

func TestStreamOf(t *testing.T) {
	ref := NewRef()
	assert.Equal(t, "map:"+ref.String(), StreamOf(KindMap, ref))
	assert.Equal(t, "player:"+ref.String(), StreamOf(KindPlayer, ref))
}

func TestParseRef(t *testing.T) {
	ref := NewRef()
	got, err := ParseRef(ref.String())
	require.NoError(t, err)
	assert.Equal(t, ref, got)

	_, err = ParseRef("not-a-ulid")
	require.Error(t, err)
}
