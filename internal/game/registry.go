// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package game

import (
	"math"

	"github.com/oklog/ulid/v2"

	"github.com/holomush/hiddenmove/internal/commitment"
)

// MapRegistry owns the playable rectangle and the tick advanced once per
// committed player action. Field order matches the persisted layout.
type MapRegistry struct {
	MapBound          Position          `json:"map_bound"`
	MapTick           uint64            `json:"map_tick"`
	GamePositionState commitment.Digest `json:"game_position_state"`
}

// PlayerReader resolves a reference to a player's current public state as of
// the transition being evaluated.
type PlayerReader interface {
	ReadPlayer(ref ulid.ULID) (PlayerMovement, error)
}

// CreateMapArea fixes the map bound. It succeeds once; the bound must be at
// least MinMapBound on both axes.
func (m MapRegistry) CreateMapArea(bound Position) (MapRegistry, error) {
	if !m.MapBound.IsZero() {
		return m, errMapAlreadyCreated(m.MapBound)
	}
	if !IsValidMapBound(bound) {
		return m, errInvalidMapBound(bound)
	}
	m.MapBound = bound
	return m, nil
}

// CommitAllPlayerActions advances the map tick to meet the player's action
// tick and records Hash(Hash(actionTick), playerPosition). The registry's
// next tick must equal the player's tick exactly.
func (m MapRegistry) CommitAllPlayerActions(h commitment.Hasher, players PlayerReader, playerRef ulid.ULID) (MapRegistry, error) {
	player, err := players.ReadPlayer(playerRef)
	if err != nil {
		return m, err
	}
	if m.MapTick == math.MaxUint64 {
		return m, errTickExhausted(m.MapTick)
	}
	next := m.MapTick + 1
	if next != player.ActionTick {
		return m, errTickMismatch(m.MapTick, player.ActionTick)
	}
	tickHash := commitment.HashTick(h, player.ActionTick)
	m.MapTick = next
	m.GamePositionState = h.Hash(tickHash.Field(), player.PlayerPosition.Field())
	return m, nil
}
