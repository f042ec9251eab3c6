// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package script

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/oops"

	"github.com/holomush/hiddenmove/internal/game"
	"github.com/holomush/hiddenmove/internal/ledger"
	"github.com/holomush/hiddenmove/pkg/errutil"
)

// ErrExpectationFailed is returned when a step's outcome differs from what
// the script expected.
var ErrExpectationFailed = errors.New("step expectation not met")

// StepResult is the outcome of one step.
type StepResult struct {
	Index    int           `json:"index"`
	Op       ledger.Op     `json:"op"`
	Target   string        `json:"target"`
	Expected Expectation   `json:"expected"`
	Outcome  Expectation   `json:"outcome"`
	Category game.Category `json:"category,omitempty"`
	Code     string        `json:"code,omitempty"`
	Message  string        `json:"message,omitempty"`
	Passed   bool          `json:"passed"`
}

// Report summarizes a run.
type Report struct {
	Name     string                `json:"name,omitempty"`
	Entities map[string]ledger.Ref `json:"entities"`
	Steps    []StepResult          `json:"steps"`
}

// Passed reports whether every step ran and met its expectation.
func (r *Report) Passed() bool {
	for _, s := range r.Steps {
		if !s.Passed {
			return false
		}
	}
	return true
}

// Runner applies scripts to a ledger.
type Runner struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

// NewRunner creates a runner over l.
func NewRunner(l *ledger.Ledger, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{ledger: l, logger: logger}
}

// Run deploys the script's entities and applies its steps in order. It stops
// at the first step whose outcome does not match its expectation and returns
// ErrExpectationFailed along with the partial report. Infrastructure errors
// also stop the run.
func (r *Runner) Run(ctx context.Context, s *Script) (*Report, error) {
	report := &Report{Name: s.Name, Entities: make(map[string]ledger.Ref, len(s.Entities))}

	for _, e := range s.Entities {
		ref, err := r.deploy(ctx, e.Kind)
		if err != nil {
			return report, oops.With("entity", e.Name).Wrap(err)
		}
		report.Entities[e.Name] = ref
		r.logger.DebugContext(ctx, "entity deployed", "entity", e.Name, "kind", e.Kind, "ref", ref.String())
	}

	for i, step := range s.Steps {
		res := StepResult{Index: i + 1, Op: step.Op, Target: step.Target, Expected: step.Expected()}
		err := r.apply(ctx, report.Entities, step)
		switch {
		case err == nil:
			res.Outcome = ExpectCommitted
		case game.IsRejected(err):
			res.Outcome = ExpectRejected
			res.Category, _ = game.CategoryOf(err)
			res.Code = errutil.Code(err)
			res.Message = err.Error()
		default:
			report.Steps = append(report.Steps, res)
			return report, oops.With("step", res.Index).With("op", string(step.Op)).Wrap(err)
		}

		res.Passed = res.Outcome == res.Expected &&
			(step.Category == "" || step.Category == res.Category)
		report.Steps = append(report.Steps, res)

		if !res.Passed {
			r.logger.WarnContext(ctx, "step expectation not met",
				"step", res.Index,
				"op", step.Op,
				"expected", res.Expected,
				"outcome", res.Outcome,
				"category", res.Category,
			)
			return report, oops.Code("EXPECTATION_FAILED").
				With("step", res.Index).
				With("op", string(step.Op)).
				With("expected", string(res.Expected)).
				With("outcome", string(res.Outcome)).
				Wrap(ErrExpectationFailed)
		}
	}
	return report, nil
}

func (r *Runner) deploy(ctx context.Context, kind ledger.Kind) (ledger.Ref, error) {
	if kind == ledger.KindMap {
		return r.ledger.DeployMap(ctx)
	}
	return r.ledger.DeployPlayer(ctx)
}

// apply runs one step. Steps have passed Check, so references resolve and
// the op's fields are present.
func (r *Runner) apply(ctx context.Context, refs map[string]ledger.Ref, step Step) error {
	target := refs[step.Target]
	var err error
	switch step.Op {
	case ledger.OpCreateMapArea:
		_, err = r.ledger.CreateMapArea(ctx, target, step.Bound.Position())
	case ledger.OpCommitAllPlayerActions:
		_, err = r.ledger.CommitAllPlayerActions(ctx, target, refs[step.Player])
	case ledger.OpSetGameInstanceMap:
		_, err = r.ledger.SetGameInstanceMap(ctx, target, refs[step.Map])
	case ledger.OpSetInitPosition:
		salt, serr := step.salt()
		if serr != nil {
			return serr
		}
		_, err = r.ledger.SetInitPosition(ctx, target, step.Position.Position(), salt)
	case ledger.OpMoveCardinal:
		salt, serr := step.salt()
		if serr != nil {
			return serr
		}
		_, err = r.ledger.MoveCardinal(ctx, target, step.Old.Position(), step.Direction.Position(), salt)
	case ledger.OpMoveDiagonal:
		salt, serr := step.salt()
		if serr != nil {
			return serr
		}
		_, err = r.ledger.MoveDiagonal(ctx, target, step.Old.Position(), step.Direction.Position(), salt)
	default:
		return errInvalidScript("unknown op", "op", string(step.Op))
	}
	return err
}
