// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package store provides the PostgreSQL ledger store and its schema migrations.
package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/holomush/hiddenmove/internal/commitment"
	"github.com/holomush/hiddenmove/internal/game"
	"github.com/holomush/hiddenmove/internal/ledger"
)

// Retry defaults for serialization conflicts.
const (
	DefaultMaxRetries  = 5
	DefaultBaseBackoff = 10 * time.Millisecond
)

// poolIface is the subset of pgxpool.Pool the store uses. pgxmock.PgxPoolIface
// satisfies it in unit tests.
type poolIface interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements ledger.Store on PostgreSQL. Every Update runs in a
// SERIALIZABLE transaction that row-locks what it reads; conflicting updates
// are retried with exponential backoff. Rejections are never retried.
type PostgresStore struct {
	pool        poolIface
	maxRetries  uint64
	baseBackoff time.Duration
}

// Option configures a PostgresStore.
type Option func(*PostgresStore)

// WithMaxRetries sets how many times a serialization conflict is retried.
func WithMaxRetries(n uint64) Option {
	return func(s *PostgresStore) {
		s.maxRetries = n
	}
}

// WithBaseBackoff sets the first retry delay. Later delays double.
func WithBaseBackoff(d time.Duration) Option {
	return func(s *PostgresStore) {
		s.baseBackoff = d
	}
}

// NewPostgresStore creates a store over an existing pool.
func NewPostgresStore(pool poolIface, opts ...Option) *PostgresStore {
	s := &PostgresStore{
		pool:        pool,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: DefaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn and returns a store owning the pool.
func Open(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	return NewPostgresStore(pool, opts...), nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return oops.Code("DB_PING_FAILED").Wrap(err)
	}
	return nil
}

// Update implements ledger.Store.
func (s *PostgresStore) Update(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	backoff := retry.WithMaxRetries(s.maxRetries, retry.NewExponential(s.baseBackoff))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := s.runTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, false, fn)
		if isSerializationConflict(err) {
			RecordRetry()
			slog.DebugContext(ctx, "retrying ledger update after conflict",
				"attempt", attempt,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return err
	})
}

// View implements ledger.Store.
func (s *PostgresStore) View(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	return s.runTx(ctx, opts, true, fn)
}

// runTx runs fn in one transaction, committing only when fn succeeds.
func (s *PostgresStore) runTx(ctx context.Context, opts pgx.TxOptions, readOnly bool, fn func(ctx context.Context, tx ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return oops.Code("TX_BEGIN_FAILED").Wrap(err)
	}
	if err := fn(ctx, &pgTx{tx: tx, readOnly: readOnly}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			slog.WarnContext(ctx, "transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.Code("TX_COMMIT_FAILED").Wrap(err)
	}
	return nil
}

// Records implements ledger.Store. Records are ordered by seq, which
// follows commit order; afterID is resolved to its seq first.
func (s *PostgresStore) Records(ctx context.Context, afterID ulid.ULID, limit int) ([]ledger.Record, error) {
	after, err := s.cursorSeq(ctx, afterID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, stream, op, payload, created_at
		 FROM transitions WHERE seq > $1 ORDER BY seq LIMIT $2`,
		after, limit)
	if err != nil {
		return nil, oops.With("operation", "query transitions").Wrap(err)
	}
	defer rows.Close()

	var records []ledger.Record
	for rows.Next() {
		var (
			rec     ledger.Record
			idStr   string
			opStr   string
			payload []byte
		)
		if err := rows.Scan(&idStr, &rec.Stream, &opStr, &payload, &rec.Timestamp); err != nil {
			return nil, oops.With("operation", "scan transition row").Wrap(err)
		}
		rec.ID, err = ulid.Parse(idStr)
		if err != nil {
			return nil, oops.Code("CORRUPT_RECORD").With("id", idStr).Wrap(err)
		}
		rec.Op = ledger.Op(opStr)
		rec.Payload = payload
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.With("operation", "iterate transitions").Wrap(err)
	}
	return records, nil
}

// cursorSeq returns the seq of the record afterID names. The zero ULID is
// the start of the log.
func (s *PostgresStore) cursorSeq(ctx context.Context, afterID ulid.ULID) (int64, error) {
	if afterID.Compare(ulid.ULID{}) == 0 {
		return 0, nil
	}
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT seq FROM transitions WHERE id = $1`, afterID.String()).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.UnknownCursor(afterID)
	}
	if err != nil {
		return 0, oops.With("operation", "resolve cursor").With("after", afterID.String()).Wrap(err)
	}
	return seq, nil
}

// isSerializationConflict reports whether err is a conflict PostgreSQL
// resolved by aborting this transaction.
func isSerializationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

// pgTx implements ledger.Tx over a pgx transaction.
type pgTx struct {
	tx       pgx.Tx
	readOnly bool
}

// lockClause row-locks reads inside write transactions.
func (t *pgTx) lockClause() string {
	if t.readOnly {
		return ""
	}
	return " FOR UPDATE"
}

func (t *pgTx) Map(ctx context.Context, ref ledger.Ref) (game.MapRegistry, error) {
	var (
		m      game.MapRegistry
		digest []byte
	)
	err := t.tx.QueryRow(ctx,
		`SELECT bound_x, bound_y, map_tick, game_position_state
		 FROM map_registries WHERE id = $1`+t.lockClause(),
		ref.String()).Scan(&m.MapBound.X, &m.MapBound.Y, &m.MapTick, &digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.MapRegistry{}, ledger.MapNotFound(ref)
	}
	if err != nil {
		return game.MapRegistry{}, oops.With("operation", "get map registry").With("ref", ref.String()).Wrap(err)
	}
	m.GamePositionState, err = scanDigest(digest)
	if err != nil {
		return game.MapRegistry{}, oops.With("ref", ref.String()).Wrap(err)
	}
	return m, nil
}

func (t *pgTx) Player(ctx context.Context, ref ledger.Ref) (game.PlayerMovement, error) {
	var (
		p      game.PlayerMovement
		mapID  string
		digest []byte
	)
	err := t.tx.QueryRow(ctx,
		`SELECT game_map_id, bound_x, bound_y, player_position, action_tick
		 FROM player_movements WHERE id = $1`+t.lockClause(),
		ref.String()).Scan(&mapID, &p.MapBound.X, &p.MapBound.Y, &digest, &p.ActionTick)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.PlayerMovement{}, ledger.PlayerNotFound(ref)
	}
	if err != nil {
		return game.PlayerMovement{}, oops.With("operation", "get player movement").With("ref", ref.String()).Wrap(err)
	}
	p.GameMapContract, err = ulid.Parse(mapID)
	if err != nil {
		return game.PlayerMovement{}, oops.Code("CORRUPT_RECORD").With("ref", ref.String()).With("game_map_id", mapID).Wrap(err)
	}
	p.PlayerPosition, err = scanDigest(digest)
	if err != nil {
		return game.PlayerMovement{}, oops.With("ref", ref.String()).Wrap(err)
	}
	return p, nil
}

func (t *pgTx) PutMap(ctx context.Context, ref ledger.Ref, m game.MapRegistry) error {
	if t.readOnly {
		return ledger.ErrReadOnly
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO map_registries (id, bound_x, bound_y, map_tick, game_position_state)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   bound_x = EXCLUDED.bound_x,
		   bound_y = EXCLUDED.bound_y,
		   map_tick = EXCLUDED.map_tick,
		   game_position_state = EXCLUDED.game_position_state`,
		ref.String(), m.MapBound.X, m.MapBound.Y, m.MapTick, m.GamePositionState[:])
	if err != nil {
		return oops.With("operation", "put map registry").With("ref", ref.String()).Wrap(err)
	}
	return nil
}

func (t *pgTx) PutPlayer(ctx context.Context, ref ledger.Ref, p game.PlayerMovement) error {
	if t.readOnly {
		return ledger.ErrReadOnly
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO player_movements (id, game_map_id, bound_x, bound_y, player_position, action_tick)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   game_map_id = EXCLUDED.game_map_id,
		   bound_x = EXCLUDED.bound_x,
		   bound_y = EXCLUDED.bound_y,
		   player_position = EXCLUDED.player_position,
		   action_tick = EXCLUDED.action_tick`,
		ref.String(), p.GameMapContract.String(), p.MapBound.X, p.MapBound.Y, p.PlayerPosition[:], p.ActionTick)
	if err != nil {
		return oops.With("operation", "put player movement").With("ref", ref.String()).Wrap(err)
	}
	return nil
}

func (t *pgTx) Append(ctx context.Context, rec ledger.Record) error {
	if t.readOnly {
		return ledger.ErrReadOnly
	}
	// The head row stays locked until commit, so a concurrent writer waits
	// here and then retries on a serialization failure.
	var seq int64
	err := t.tx.QueryRow(ctx,
		`UPDATE ledger_head SET seq = seq + 1 WHERE id = 1 RETURNING seq`).Scan(&seq)
	if err != nil {
		return oops.With("operation", "advance ledger head").With("id", rec.ID.String()).Wrap(err)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO transitions (id, seq, stream, op, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID.String(), seq, rec.Stream, string(rec.Op), []byte(rec.Payload), rec.Timestamp)
	if err != nil {
		return oops.With("operation", "append transition").
			With("id", rec.ID.String()).
			With("stream", rec.Stream).
			Wrap(err)
	}
	return nil
}

// scanDigest converts a stored commitment back into a Digest.
func scanDigest(b []byte) (commitment.Digest, error) {
	var d commitment.Digest
	if len(b) != len(d) {
		return d, oops.Code("CORRUPT_RECORD").With("digest_len", len(b)).Errorf("stored digest has wrong length")
	}
	copy(d[:], b)
	return d, nil
}

// Compile-time interface check.
var _ ledger.Store = (*PostgresStore)(nil)
