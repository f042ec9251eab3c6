// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package script loads and runs YAML transition scripts: a set of named
// entities and an ordered list of transitions with their expected outcomes.
package script

import (
	"os"
	"regexp"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/holomush/hiddenmove/internal/commitment"
	"github.com/holomush/hiddenmove/internal/game"
	"github.com/holomush/hiddenmove/internal/ledger"
)

// Expectation is the outcome a step is expected to have.
type Expectation string

// Step expectations.
const (
	ExpectCommitted Expectation = "committed"
	ExpectRejected  Expectation = "rejected"
)

var entityNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// Script is a parsed transition script.
type Script struct {
	Name     string   `yaml:"name,omitempty" jsonschema:"description=Human-readable script name"`
	Entities []Entity `yaml:"entities" jsonschema:"required,minItems=1,description=Entities deployed before the first step"`
	Steps    []Step   `yaml:"steps" jsonschema:"required,description=Transitions applied in order"`
}

// Entity declares a named ledger entity.
type Entity struct {
	Name string      `yaml:"name" jsonschema:"required,pattern=^[a-zA-Z][a-zA-Z0-9_-]*$"`
	Kind ledger.Kind `yaml:"kind" jsonschema:"required,enum=map_registry,enum=player_movement"`
}

// Point is a coordinate pair or a direction.
type Point struct {
	X int64 `yaml:"x" jsonschema:"required"`
	Y int64 `yaml:"y" jsonschema:"required"`
}

// Position converts p to a game position.
func (p Point) Position() game.Position {
	return game.Pos(p.X, p.Y)
}

// Step is one transition. Which of the optional fields are required depends
// on Op; Check enforces that.
type Step struct {
	Op     ledger.Op `yaml:"op" jsonschema:"required,enum=createMapArea,enum=commitAllPlayerActions,enum=setGameInstanceMap,enum=setInitPosition,enum=moveCardinal,enum=moveDiagonal"`
	Target string    `yaml:"target" jsonschema:"required,description=Entity the transition applies to"`

	Bound     *Point `yaml:"bound,omitempty" jsonschema:"description=createMapArea: the map bound"`
	Map       string `yaml:"map,omitempty" jsonschema:"description=setGameInstanceMap: registry to link"`
	Player    string `yaml:"player,omitempty" jsonschema:"description=commitAllPlayerActions: player to commit"`
	Position  *Point `yaml:"position,omitempty" jsonschema:"description=setInitPosition: starting position"`
	Old       *Point `yaml:"old,omitempty" jsonschema:"description=move*: current position"`
	Direction *Point `yaml:"direction,omitempty" jsonschema:"description=move*: unit step"`
	Salt      string `yaml:"salt,omitempty" jsonschema:"description=Commitment salt as a decimal or 0x-prefixed hex string"`

	Expect   Expectation   `yaml:"expect,omitempty" jsonschema:"enum=committed,enum=rejected,default=committed"`
	Category game.Category `yaml:"category,omitempty" jsonschema:"enum=sequencing,enum=authorization,enum=geometry,enum=synchronization,description=Expected rejection category"`
}

// Expected returns the step's expectation, defaulting to committed.
func (s Step) Expected() Expectation {
	if s.Expect == "" {
		return ExpectCommitted
	}
	return s.Expect
}

// Parse validates data against the script schema, decodes it and checks
// references between steps and entities.
func Parse(data []byte) (*Script, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, oops.Code("SCRIPT_INVALID_YAML").Wrap(err)
	}
	if err := s.Check(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads and parses the script at path.
func LoadFile(path string) (*Script, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator supplied
	if err != nil {
		return nil, oops.Code("SCRIPT_READ_FAILED").With("path", path).Wrap(err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}
	return s, nil
}

// Check verifies entity names are unique, every reference resolves to an
// entity of the right kind, and every step carries the fields its op needs.
func (s *Script) Check() error {
	kinds := make(map[string]ledger.Kind, len(s.Entities))
	for _, e := range s.Entities {
		if !entityNamePattern.MatchString(e.Name) {
			return errInvalidScript("invalid entity name", "entity", e.Name)
		}
		if _, dup := kinds[e.Name]; dup {
			return errInvalidScript("duplicate entity name", "entity", e.Name)
		}
		kinds[e.Name] = e.Kind
	}

	for i, step := range s.Steps {
		if err := step.check(kinds); err != nil {
			return oops.With("step", i+1).With("op", string(step.Op)).Wrap(err)
		}
	}
	return nil
}

func (s Step) check(kinds map[string]ledger.Kind) error {
	targetKind := ledger.KindPlayer
	switch s.Op {
	case ledger.OpCreateMapArea, ledger.OpCommitAllPlayerActions:
		targetKind = ledger.KindMap
	}
	if err := refersTo(kinds, s.Target, targetKind); err != nil {
		return err
	}

	switch s.Op {
	case ledger.OpCreateMapArea:
		if s.Bound == nil {
			return errInvalidScript("createMapArea needs bound")
		}
	case ledger.OpCommitAllPlayerActions:
		if err := refersTo(kinds, s.Player, ledger.KindPlayer); err != nil {
			return err
		}
	case ledger.OpSetGameInstanceMap:
		if err := refersTo(kinds, s.Map, ledger.KindMap); err != nil {
			return err
		}
	case ledger.OpSetInitPosition:
		if s.Position == nil {
			return errInvalidScript("setInitPosition needs position")
		}
		if _, err := s.salt(); err != nil {
			return err
		}
	case ledger.OpMoveCardinal, ledger.OpMoveDiagonal:
		if s.Old == nil || s.Direction == nil {
			return errInvalidScript("moves need old and direction")
		}
		if _, err := s.salt(); err != nil {
			return err
		}
	default:
		return errInvalidScript("unknown op")
	}

	if s.Category != "" && s.Expected() != ExpectRejected {
		return errInvalidScript("category is only meaningful when expecting a rejection")
	}
	return nil
}

func (s Step) salt() (commitment.Field, error) {
	if s.Salt == "" {
		return commitment.Field{}, errInvalidScript("salt is required")
	}
	return commitment.ParseField(s.Salt)
}

func refersTo(kinds map[string]ledger.Kind, name string, want ledger.Kind) error {
	got, ok := kinds[name]
	if !ok {
		return errInvalidScript("unknown entity", "entity", name)
	}
	if got != want {
		return errInvalidScript("entity has the wrong kind",
			"entity", name,
			"kind", string(got),
			"want", string(want))
	}
	return nil
}

func errInvalidScript(msg string, kv ...any) error {
	return oops.Code("SCRIPT_INVALID").With(kv...).New(msg)
}
