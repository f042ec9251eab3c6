// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package game holds the transition rules of the map registry and player
// movement state machines. Transitions are pure: they take the current state
// by value and return the next state or a rejection, never both.
package game

import "fmt"

// MinMapBound is the smallest allowed bound on either axis.
const MinMapBound = 4

// Position is a point on the integer grid. It doubles as a direction vector
// and as a map bound (the inclusive upper-right corner, origin at (0,0)).
type Position struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
}

// Pos is shorthand for Position{X: x, Y: y}.
func Pos(x, y int64) Position {
	return Position{X: x, Y: y}
}

// Add returns p translated by d.
func (p Position) Add(d Position) Position {
	return Position{X: p.X + d.X, Y: p.Y + d.Y}
}

// IsZero reports whether p is the origin, which for a bound means "unset".
func (p Position) IsZero() bool {
	return p.X == 0 && p.Y == 0
}

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// IsWithinBounds reports whether p lies in [0, bound.X] x [0, bound.Y].
func IsWithinBounds(p, bound Position) bool {
	return p.X >= 0 && p.X <= bound.X && p.Y >= 0 && p.Y <= bound.Y
}

// IsValidMapBound reports whether bound may be assigned to a registry.
func IsValidMapBound(bound Position) bool {
	return bound.X >= MinMapBound && bound.Y >= MinMapBound
}

// unitComponents guards the product and sum rules below against int64
// wraparound, which would otherwise let oversized vectors satisfy them.
func unitComponents(d Position) bool {
	return d.X >= -1 && d.X <= 1 && d.Y >= -1 && d.Y <= 1
}

// IsCardinalStep reports whether d moves exactly one unit along one axis:
// x*y == 0 and x+y is 1 or -1.
func IsCardinalStep(d Position) bool {
	if !unitComponents(d) {
		return false
	}
	if d.X*d.Y != 0 {
		return false
	}
	sum := d.X + d.Y
	return sum == 1 || sum == -1
}

// IsDiagonalStep reports whether d is one of the four unit diagonals:
// x*y is 1 or -1 and x+y is 2, 0 or -2.
func IsDiagonalStep(d Position) bool {
	if !unitComponents(d) {
		return false
	}
	product := d.X * d.Y
	if product != 1 && product != -1 {
		return false
	}
	sum := d.X + d.Y
	return sum == 2 || sum == 0 || sum == -2
}
