// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package game

import (
	"errors"

	"github.com/samber/oops"
)

// ErrRejected is wrapped by every precondition failure. A rejected transition
// leaves all state untouched.
var ErrRejected = errors.New("transition rejected")

// Category classifies a rejection.
type Category string

// Rejection categories.
const (
	CategorySequencing      Category = "sequencing"
	CategoryAuthorization   Category = "authorization"
	CategoryGeometry        Category = "geometry"
	CategorySynchronization Category = "synchronization"
)

// Error codes carried by rejections, one per category.
const (
	CodeSequencing      = "SEQUENCING_VIOLATION"
	CodeAuthorization   = "COMMITMENT_MISMATCH"
	CodeGeometry        = "GEOMETRY_VIOLATION"
	CodeSynchronization = "TICK_SYNC_VIOLATION"
)

var codeCategories = map[string]Category{
	CodeSequencing:      CategorySequencing,
	CodeAuthorization:   CategoryAuthorization,
	CodeGeometry:        CategoryGeometry,
	CodeSynchronization: CategorySynchronization,
}

// CategoryOf returns the rejection category of err. The second result is
// false when err is not a rejection.
func CategoryOf(err error) (Category, bool) {
	if !errors.Is(err, ErrRejected) {
		return "", false
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return "", false
	}
	code, _ := oopsErr.Code().(string)
	cat, ok := codeCategories[code]
	return cat, ok
}

// IsRejected reports whether err is a precondition failure rather than an
// infrastructure error.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// Rejections never carry coordinates, directions or salts in their context:
// only public values such as bounds and ticks.

func errMapAlreadyCreated(current Position) error {
	return oops.Code(CodeSequencing).
		With("map_bound", current.String()).
		Wrapf(ErrRejected, "map area already created")
}

func errInvalidMapBound(bound Position) error {
	return oops.Code(CodeGeometry).
		With("map_bound", bound.String()).
		With("min", MinMapBound).
		Wrapf(ErrRejected, "map bound must be at least %d on both axes", MinMapBound)
}

func errMapAlreadyLinked(bound Position) error {
	return oops.Code(CodeSequencing).
		With("map_bound", bound.String()).
		Wrapf(ErrRejected, "game map already linked")
}

func errNoMapLinked() error {
	return oops.Code(CodeSequencing).
		Wrapf(ErrRejected, "no game map linked")
}

func errPositionAlreadySet() error {
	return oops.Code(CodeSequencing).
		Wrapf(ErrRejected, "initial position already set")
}

func errPositionNotSet() error {
	return oops.Code(CodeSequencing).
		Wrapf(ErrRejected, "initial position not set")
}

func errCommitmentMismatch() error {
	return oops.Code(CodeAuthorization).
		Wrapf(ErrRejected, "old position and salt do not match the stored commitment")
}

func errNotCardinal() error {
	return oops.Code(CodeGeometry).
		With("rule", "cardinal").
		Wrapf(ErrRejected, "direction is not a unit cardinal step")
}

func errNotDiagonal() error {
	return oops.Code(CodeGeometry).
		With("rule", "diagonal").
		Wrapf(ErrRejected, "direction is not a unit diagonal step")
}

func errOutOfBounds(bound Position) error {
	return oops.Code(CodeGeometry).
		With("rule", "bounds").
		With("map_bound", bound.String()).
		Wrapf(ErrRejected, "position outside map bounds")
}

func errTickMismatch(mapTick, actionTick uint64) error {
	return oops.Code(CodeSynchronization).
		With("map_tick", mapTick).
		With("action_tick", actionTick).
		Wrapf(ErrRejected, "map tick %d and action tick %d are out of step", mapTick, actionTick)
}

func errTickExhausted(tick uint64) error {
	return oops.Code(CodeSynchronization).
		With("tick", tick).
		Wrapf(ErrRejected, "tick counter exhausted")
}
