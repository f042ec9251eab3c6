// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package game

import (
	"math"

	"github.com/oklog/ulid/v2"

	"github.com/holomush/hiddenmove/internal/commitment"
)

// PlayerMovement tracks one player's hidden position. Field order matches the
// persisted layout.
//
// MapBound is a copy taken when the map is linked and is never refreshed.
// That is safe while registry bounds stay single-assignment.
type PlayerMovement struct {
	GameMapContract ulid.ULID         `json:"game_map_contract"`
	MapBound        Position          `json:"map_bound"`
	PlayerPosition  commitment.Digest `json:"player_position"`
	ActionTick      uint64            `json:"action_tick"`
}

// MapReader resolves a reference to a registry's current public state as of
// the transition being evaluated.
type MapReader interface {
	ReadMap(ref ulid.ULID) (MapRegistry, error)
}

// IsLinked reports whether a game map has been linked.
func (p PlayerMovement) IsLinked() bool {
	return p.GameMapContract.Compare(ulid.ULID{}) != 0
}

// IsWithinMapBounds checks pos against the cached bound.
func (p PlayerMovement) IsWithinMapBounds(pos Position) bool {
	return IsWithinBounds(pos, p.MapBound)
}

// SetGameInstanceMap links the player to a registry and caches its bound.
// Linking is allowed only while the cached bound is still unset.
func (p PlayerMovement) SetGameInstanceMap(maps MapReader, mapRef ulid.ULID) (PlayerMovement, error) {
	if !p.MapBound.IsZero() {
		return p, errMapAlreadyLinked(p.MapBound)
	}
	target, err := maps.ReadMap(mapRef)
	if err != nil {
		return p, err
	}
	p.MapBound = target.MapBound
	p.GameMapContract = mapRef
	return p, nil
}

// syncFromMapTicks is the rendezvous with the linked registry: its tick must
// equal ours, after which ours moves one ahead.
func (p PlayerMovement) syncFromMapTicks(maps MapReader) (PlayerMovement, error) {
	if !p.IsLinked() {
		return p, errNoMapLinked()
	}
	linked, err := maps.ReadMap(p.GameMapContract)
	if err != nil {
		return p, err
	}
	if linked.MapTick != p.ActionTick {
		return p, errTickMismatch(linked.MapTick, p.ActionTick)
	}
	if p.ActionTick == math.MaxUint64 {
		return p, errTickExhausted(p.ActionTick)
	}
	p.ActionTick++
	return p, nil
}

// SetInitPosition commits the starting position. It syncs ticks with the
// linked registry and may only run once.
func (p PlayerMovement) SetInitPosition(h commitment.Hasher, maps MapReader, pos Position, salt commitment.Field) (PlayerMovement, error) {
	next, err := p.syncFromMapTicks(maps)
	if err != nil {
		return p, err
	}
	if !next.PlayerPosition.IsZero() {
		return p, errPositionAlreadySet()
	}
	if !next.IsWithinMapBounds(pos) {
		return p, errOutOfBounds(next.MapBound)
	}
	next.PlayerPosition = commitment.CommitPosition(h, pos.X, pos.Y, salt)
	return next, nil
}

// MoveCardinal moves one unit along a single axis. Knowing the salt behind
// the stored commitment is the only authorization.
func (p PlayerMovement) MoveCardinal(h commitment.Hasher, old, direction Position, salt commitment.Field) (PlayerMovement, error) {
	if err := p.checkCommitment(h, old, salt); err != nil {
		return p, err
	}
	if !IsCardinalStep(direction) {
		return p, errNotCardinal()
	}
	return p.moveTo(h, old.Add(direction), salt)
}

// MoveDiagonal moves one unit along both axes.
func (p PlayerMovement) MoveDiagonal(h commitment.Hasher, old, direction Position, salt commitment.Field) (PlayerMovement, error) {
	if err := p.checkCommitment(h, old, salt); err != nil {
		return p, err
	}
	if !IsDiagonalStep(direction) {
		return p, errNotDiagonal()
	}
	return p.moveTo(h, old.Add(direction), salt)
}

func (p PlayerMovement) checkCommitment(h commitment.Hasher, old Position, salt commitment.Field) error {
	if p.PlayerPosition.IsZero() {
		return errPositionNotSet()
	}
	if commitment.CommitPosition(h, old.X, old.Y, salt) != p.PlayerPosition {
		return errCommitmentMismatch()
	}
	return nil
}

func (p PlayerMovement) moveTo(h commitment.Hasher, pos Position, salt commitment.Field) (PlayerMovement, error) {
	if !p.IsWithinMapBounds(pos) {
		return p, errOutOfBounds(p.MapBound)
	}
	p.PlayerPosition = commitment.CommitPosition(h, pos.X, pos.Y, salt)
	return p, nil
}
