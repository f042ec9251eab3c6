// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package store_test

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/hiddenmove/internal/commitment"
	"github.com/holomush/hiddenmove/internal/game"
	"github.com/holomush/hiddenmove/internal/ledger"
	"github.com/holomush/hiddenmove/internal/store"
	"github.com/holomush/hiddenmove/pkg/errutil"
)

// setupPostgres starts a PostgreSQL container with the ledger schema applied.
func setupPostgres() (*store.PostgresStore, func(), error) {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("hiddenmove_test"),
		postgres.WithUsername("hiddenmove"),
		postgres.WithPassword("hiddenmove"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, nil, err
	}

	migrator, err := store.NewMigrator(connStr)
	if err != nil {
		return nil, nil, err
	}
	if err := migrator.Up(); err != nil {
		return nil, nil, err
	}
	_ = migrator.Close()

	pg, err := store.Open(ctx, connStr)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		pg.Close()
		_ = container.Terminate(ctx)
	}
	return pg, cleanup, nil
}

var _ = Describe("PostgresStore", func() {
	var (
		pg      *store.PostgresStore
		cleanup func()
		l       *ledger.Ledger
		ctx     context.Context
	)

	BeforeEach(func() {
		var err error
		pg, cleanup, err = setupPostgres()
		Expect(err).NotTo(HaveOccurred())
		l = ledger.New(pg)
		ctx = context.Background()
	})

	AfterEach(func() {
		cleanup()
	})

	Describe("a full game", func() {
		It("commits positions and ticks in lockstep", func() {
			mapRef, err := l.DeployMap(ctx)
			Expect(err).NotTo(HaveOccurred())
			_, err = l.CreateMapArea(ctx, mapRef, game.Pos(10, 10))
			Expect(err).NotTo(HaveOccurred())

			player, err := l.DeployPlayer(ctx)
			Expect(err).NotTo(HaveOccurred())
			_, err = l.SetGameInstanceMap(ctx, player, mapRef)
			Expect(err).NotTo(HaveOccurred())

			salt := commitment.FieldFromInt(42069)
			p, err := l.SetInitPosition(ctx, player, game.Pos(2, 2), salt)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.ActionTick).To(Equal(uint64(1)))
			Expect(p.PlayerPosition).To(Equal(commitment.CommitPosition(l.Hasher(), 2, 2, salt)))

			p, err = l.MoveCardinal(ctx, player, game.Pos(2, 2), game.Pos(1, 0), salt)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.PlayerPosition).To(Equal(commitment.CommitPosition(l.Hasher(), 3, 2, salt)))

			m, err := l.CommitAllPlayerActions(ctx, mapRef, player)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.MapTick).To(Equal(uint64(1)))

			stored, err := l.PlayerState(ctx, player)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(Equal(p))

			records, err := l.History(ctx, "*", ulid.ULID{}, 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(7))
		})

		It("leaves no trace of a rejected transition", func() {
			mapRef, err := l.DeployMap(ctx)
			Expect(err).NotTo(HaveOccurred())
			_, err = l.CreateMapArea(ctx, mapRef, game.Pos(3, 3))
			Expect(game.IsRejected(err)).To(BeTrue())

			m, err := l.MapState(ctx, mapRef)
			Expect(err).NotTo(HaveOccurred())
			Expect(m).To(Equal(game.MapRegistry{}))

			records, err := pg.Records(ctx, ulid.ULID{}, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(1))
		})
	})

	Describe("concurrent commits", func() {
		It("lets exactly one lockstep commit win", func() {
			mapRef, err := l.DeployMap(ctx)
			Expect(err).NotTo(HaveOccurred())
			_, err = l.CreateMapArea(ctx, mapRef, game.Pos(10, 10))
			Expect(err).NotTo(HaveOccurred())
			player, err := l.DeployPlayer(ctx)
			Expect(err).NotTo(HaveOccurred())
			_, err = l.SetGameInstanceMap(ctx, player, mapRef)
			Expect(err).NotTo(HaveOccurred())
			_, err = l.SetInitPosition(ctx, player, game.Pos(0, 1), commitment.FieldFromInt(9))
			Expect(err).NotTo(HaveOccurred())

			const racers = 4
			errs := make([]error, racers)
			var wg sync.WaitGroup
			for i := range racers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, errs[i] = l.CommitAllPlayerActions(ctx, mapRef, player)
				}()
			}
			wg.Wait()

			wins := 0
			for _, err := range errs {
				if err == nil {
					wins++
					continue
				}
				Expect(game.IsRejected(err)).To(BeTrue(), "unexpected error: %v", err)
			}
			Expect(wins).To(Equal(1))

			m, err := l.MapState(ctx, mapRef)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.MapTick).To(Equal(uint64(1)))
		})
	})

	Describe("Records", func() {
		It("pages in commit order", func() {
			for range 5 {
				_, err := l.DeployMap(ctx)
				Expect(err).NotTo(HaveOccurred())
			}
			first, err := pg.Records(ctx, ulid.ULID{}, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(first).To(HaveLen(2))

			rest, err := pg.Records(ctx, first[1].ID, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(rest).To(HaveLen(3))
			Expect(rest[0].ID.Compare(first[1].ID)).To(Equal(1))
		})

		It("delivers a record whose ID sorts before one that committed earlier", func() {
			mapRef, err := l.DeployMap(ctx)
			Expect(err).NotTo(HaveOccurred())

			slow := ledger.Record{ID: ledger.NewRef(), Stream: "map:slow", Op: ledger.OpCreateMapArea, Payload: []byte(`{}`), Timestamp: time.Now()}
			fast := ledger.Record{ID: ledger.NewRef(), Stream: "map:fast", Op: ledger.OpCreateMapArea, Payload: []byte(`{}`), Timestamp: time.Now()}
			Expect(slow.ID.Compare(fast.ID)).To(Equal(-1))

			started := make(chan struct{})
			resume := make(chan struct{})
			done := make(chan error, 1)
			var stall sync.Once
			go func() {
				done <- pg.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
					if _, err := tx.Map(ctx, mapRef); err != nil {
						return err
					}
					stall.Do(func() {
						close(started)
						<-resume
					})
					return tx.Append(ctx, slow)
				})
			}()
			<-started

			Expect(pg.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
				return tx.Append(ctx, fast)
			})).To(Succeed())

			seen, err := pg.Records(ctx, ulid.ULID{}, 100)
			Expect(err).NotTo(HaveOccurred())
			cursor := seen[len(seen)-1].ID
			Expect(cursor).To(Equal(fast.ID))

			close(resume)
			Expect(<-done).To(Succeed())

			rest, err := pg.Records(ctx, cursor, 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(rest).To(HaveLen(1))
			Expect(rest[0].ID).To(Equal(slow.ID))
		})

		It("rejects a cursor that names no record", func() {
			_, err := pg.Records(ctx, ledger.NewRef(), 10)
			Expect(err).To(HaveOccurred())
			Expect(errutil.Code(err)).To(Equal("INVALID_CURSOR"))
		})
	})
})
