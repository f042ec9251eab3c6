// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package ledger is the transition-evaluation harness. It resolves entity
// references, evaluates game transitions against a consistent snapshot and
// commits the resulting state, with a log record, as a single unit.
package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/hiddenmove/internal/commitment"
	"github.com/holomush/hiddenmove/internal/game"
	"github.com/holomush/hiddenmove/pkg/errutil"
)

var tracer = otel.Tracer("hiddenmove/ledger")

// historyPage is how many records History fetches per store round trip.
const historyPage = 256

// Ledger applies map registry and player movement transitions.
type Ledger struct {
	store       Store
	hasher      commitment.Hasher
	broadcaster *Broadcaster
	logger      *slog.Logger
	now         func() time.Time

	// commitMu spans an update and its broadcast, so watchers receive this
	// ledger's records in commit order.
	commitMu sync.Mutex
}

// Option configures a Ledger during construction.
type Option func(*Ledger)

// WithHasher overrides the commitment primitive.
func WithHasher(h commitment.Hasher) Option {
	return func(l *Ledger) {
		l.hasher = h
	}
}

// WithBroadcaster publishes committed records to b.
func WithBroadcaster(b *Broadcaster) Option {
	return func(l *Ledger) {
		l.broadcaster = b
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithClock sets the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		hasher:      commitment.Default,
		broadcaster: NewBroadcaster(),
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Hasher returns the commitment primitive in use, so clients can compute
// the commitments they expect.
func (l *Ledger) Hasher() commitment.Hasher {
	return l.hasher
}

// Broadcaster returns the fan-out for committed records.
func (l *Ledger) Broadcaster() *Broadcaster {
	return l.broadcaster
}

// payload is the JSON body of a record.
type payload struct {
	State  any `json:"state"`
	Inputs any `json:"inputs,omitempty"`
}

// txReader gives game transitions synchronous point-in-time reads of other
// entities within the enclosing store transaction.
type txReader struct {
	ctx context.Context
	tx  Tx
}

func (r txReader) ReadMap(ref ulid.ULID) (game.MapRegistry, error) {
	return r.tx.Map(r.ctx, ref)
}

func (r txReader) ReadPlayer(ref ulid.ULID) (game.PlayerMovement, error) {
	return r.tx.Player(r.ctx, ref)
}

// apply evaluates fn inside one store update and appends its record. fn
// must not write when it returns an error; the store discards writes anyway.
func (l *Ledger) apply(ctx context.Context, op Op, stream string, fn func(ctx context.Context, tx Tx) (payload, error)) (err error) {
	ctx, span := tracer.Start(ctx, "ledger."+string(op),
		trace.WithAttributes(attribute.String("stream", stream)))
	start := time.Now()
	defer func() {
		RecordTransitionDuration(op, time.Since(start))
		l.finish(ctx, span, op, stream, err)
		span.End()
	}()

	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	var rec Record
	err = l.store.Update(ctx, func(ctx context.Context, tx Tx) error {
		body, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		data, err := json.Marshal(body)
		if err != nil {
			return oops.Code("RECORD_ENCODE_FAILED").With("op", string(op)).Wrap(err)
		}
		rec = Record{
			ID:        NewRef(),
			Stream:    stream,
			Op:        op,
			Timestamp: l.now(),
			Payload:   data,
		}
		return tx.Append(ctx, rec)
	})
	if err != nil {
		return err
	}
	if l.broadcaster != nil {
		l.broadcaster.Broadcast(rec)
	}
	return nil
}

// finish records metrics, span status and logs for a finished transition.
func (l *Ledger) finish(ctx context.Context, span trace.Span, op Op, stream string, err error) {
	switch {
	case err == nil:
		RecordTransition(op, OutcomeCommitted, "")
		l.logger.DebugContext(ctx, "transition committed", "op", op, "stream", stream)
	case game.IsRejected(err):
		cat, _ := game.CategoryOf(err)
		RecordTransition(op, OutcomeRejected, string(cat))
		span.SetAttributes(attribute.String("rejection.category", string(cat)))
		span.SetStatus(codes.Error, "rejected")
		l.logger.InfoContext(ctx, "transition rejected",
			"op", op,
			"stream", stream,
			"category", cat,
			"code", errutil.Code(err),
		)
	default:
		RecordTransition(op, OutcomeError, "")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		errutil.LogError(l.logger, "transition failed", err)
	}
}

// DeployMap creates a registry with every field at its sentinel.
func (l *Ledger) DeployMap(ctx context.Context) (Ref, error) {
	ref := NewRef()
	err := l.apply(ctx, OpDeployMap, StreamOf(KindMap, ref), func(ctx context.Context, tx Tx) (payload, error) {
		var m game.MapRegistry
		if err := tx.PutMap(ctx, ref, m); err != nil {
			return payload{}, err
		}
		return payload{State: m}, nil
	})
	if err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// DeployPlayer creates a player with every field at its sentinel.
func (l *Ledger) DeployPlayer(ctx context.Context) (Ref, error) {
	ref := NewRef()
	err := l.apply(ctx, OpDeployPlayer, StreamOf(KindPlayer, ref), func(ctx context.Context, tx Tx) (payload, error) {
		var p game.PlayerMovement
		if err := tx.PutPlayer(ctx, ref, p); err != nil {
			return payload{}, err
		}
		return payload{State: p}, nil
	})
	if err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// updateMap runs a registry transition and stores its result.
func (l *Ledger) updateMap(ctx context.Context, op Op, ref Ref, inputs any,
	fn func(m game.MapRegistry, r txReader) (game.MapRegistry, error),
) (game.MapRegistry, error) {
	var next game.MapRegistry
	err := l.apply(ctx, op, StreamOf(KindMap, ref), func(ctx context.Context, tx Tx) (payload, error) {
		cur, err := tx.Map(ctx, ref)
		if err != nil {
			return payload{}, err
		}
		next, err = fn(cur, txReader{ctx: ctx, tx: tx})
		if err != nil {
			return payload{}, err
		}
		if err := tx.PutMap(ctx, ref, next); err != nil {
			return payload{}, err
		}
		return payload{State: next, Inputs: inputs}, nil
	})
	if err != nil {
		return game.MapRegistry{}, err
	}
	return next, nil
}

// updatePlayer runs a player transition and stores its result.
func (l *Ledger) updatePlayer(ctx context.Context, op Op, ref Ref, inputs any,
	fn func(p game.PlayerMovement, r txReader) (game.PlayerMovement, error),
) (game.PlayerMovement, error) {
	var next game.PlayerMovement
	err := l.apply(ctx, op, StreamOf(KindPlayer, ref), func(ctx context.Context, tx Tx) (payload, error) {
		cur, err := tx.Player(ctx, ref)
		if err != nil {
			return payload{}, err
		}
		next, err = fn(cur, txReader{ctx: ctx, tx: tx})
		if err != nil {
			return payload{}, err
		}
		if err := tx.PutPlayer(ctx, ref, next); err != nil {
			return payload{}, err
		}
		return payload{State: next, Inputs: inputs}, nil
	})
	if err != nil {
		return game.PlayerMovement{}, err
	}
	return next, nil
}

// CreateMapArea fixes the bound of the registry at mapRef.
func (l *Ledger) CreateMapArea(ctx context.Context, mapRef Ref, bound game.Position) (game.MapRegistry, error) {
	inputs := map[string]any{"bound": bound}
	return l.updateMap(ctx, OpCreateMapArea, mapRef, inputs, func(m game.MapRegistry, _ txReader) (game.MapRegistry, error) {
		return m.CreateMapArea(bound)
	})
}

// CommitAllPlayerActions advances the registry at mapRef in lockstep with
// the player at playerRef.
func (l *Ledger) CommitAllPlayerActions(ctx context.Context, mapRef, playerRef Ref) (game.MapRegistry, error) {
	inputs := map[string]any{"player": playerRef}
	return l.updateMap(ctx, OpCommitAllPlayerActions, mapRef, inputs, func(m game.MapRegistry, r txReader) (game.MapRegistry, error) {
		return m.CommitAllPlayerActions(l.hasher, r, playerRef)
	})
}

// SetGameInstanceMap links the player at playerRef to the registry at mapRef.
func (l *Ledger) SetGameInstanceMap(ctx context.Context, playerRef, mapRef Ref) (game.PlayerMovement, error) {
	inputs := map[string]any{"map": mapRef}
	return l.updatePlayer(ctx, OpSetGameInstanceMap, playerRef, inputs, func(p game.PlayerMovement, r txReader) (game.PlayerMovement, error) {
		return p.SetGameInstanceMap(r, mapRef)
	})
}

// SetInitPosition commits the player's starting position.
func (l *Ledger) SetInitPosition(ctx context.Context, playerRef Ref, pos game.Position, salt commitment.Field) (game.PlayerMovement, error) {
	return l.updatePlayer(ctx, OpSetInitPosition, playerRef, nil, func(p game.PlayerMovement, r txReader) (game.PlayerMovement, error) {
		return p.SetInitPosition(l.hasher, r, pos, salt)
	})
}

// MoveCardinal moves the player one unit along one axis.
func (l *Ledger) MoveCardinal(ctx context.Context, playerRef Ref, old, direction game.Position, salt commitment.Field) (game.PlayerMovement, error) {
	return l.updatePlayer(ctx, OpMoveCardinal, playerRef, nil, func(p game.PlayerMovement, _ txReader) (game.PlayerMovement, error) {
		return p.MoveCardinal(l.hasher, old, direction, salt)
	})
}

// MoveDiagonal moves the player one unit along both axes.
func (l *Ledger) MoveDiagonal(ctx context.Context, playerRef Ref, old, direction game.Position, salt commitment.Field) (game.PlayerMovement, error) {
	return l.updatePlayer(ctx, OpMoveDiagonal, playerRef, nil, func(p game.PlayerMovement, _ txReader) (game.PlayerMovement, error) {
		return p.MoveDiagonal(l.hasher, old, direction, salt)
	})
}

// MapState returns the public state of the registry at ref.
func (l *Ledger) MapState(ctx context.Context, ref Ref) (game.MapRegistry, error) {
	var m game.MapRegistry
	err := l.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		m, err = tx.Map(ctx, ref)
		return err
	})
	return m, err
}

// PlayerState returns the public state of the player at ref.
func (l *Ledger) PlayerState(ctx context.Context, ref Ref) (game.PlayerMovement, error) {
	var p game.PlayerMovement
	err := l.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		p, err = tx.Player(ctx, ref)
		return err
	})
	return p, err
}

// History returns up to limit committed records after afterID whose stream
// matches pattern. An empty pattern matches every stream.
func (l *Ledger) History(ctx context.Context, pattern string, afterID ulid.ULID, limit int) ([]Record, error) {
	if pattern == "" {
		pattern = "*"
	}
	match, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, min(limit, historyPage))
	cursor := afterID
	for len(out) < limit {
		page, err := l.store.Records(ctx, cursor, historyPage)
		if err != nil {
			return nil, oops.With("operation", "read history").Wrap(err)
		}
		for _, rec := range page {
			if match(rec.Stream) {
				out = append(out, rec)
				if len(out) == limit {
					break
				}
			}
		}
		if len(page) < historyPage {
			break
		}
		cursor = page[len(page)-1].ID
	}
	return out, nil
}
