// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"net"

	"github.com/holomush/hiddenmove/internal/config"
	"github.com/holomush/hiddenmove/internal/ledger"
	"github.com/holomush/hiddenmove/internal/observability"
	"github.com/holomush/hiddenmove/internal/store"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// StoreFactory opens the ledger store selected by cfg.
	// Default: openStore
	StoreFactory func(ctx context.Context, cfg config.Config) (*StoreHandle, error)

	// MigratorFactory creates a schema migrator for a database URL.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, ready observability.ReadinessChecker, regs ...observability.Registration) ObservabilityServer

	// ListenerFactory creates a network listener.
	// Default: net.Listen
	ListenerFactory func(network, address string) (net.Listener, error)

	// OnReady is called once every server is listening.
	OnReady func(addrs ServeAddrs)
}

// StoreHandle is an opened ledger store with its lifecycle hooks.
type StoreHandle struct {
	Store ledger.Store
	// Ready reports store health; nil means always ready.
	Ready observability.ReadinessChecker
	// Close releases the store; may be nil.
	Close func()
}

// ServeAddrs are the bound addresses of a running serve command. Empty
// fields belong to disabled servers.
type ServeAddrs struct {
	HTTP    string
	Metrics string
	Health  string
}

// Migrator is the part of store.Migrator the CLI drives.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	Status() (store.Status, error)
	Close() error
}

// ObservabilityServer is the part of observability.Server serve drives.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

func (d *ServeDeps) withDefaults() *ServeDeps {
	out := ServeDeps{}
	if d != nil {
		out = *d
	}
	if out.MigratorFactory == nil {
		out.MigratorFactory = func(databaseURL string) (Migrator, error) {
			m, err := store.NewMigrator(databaseURL)
			if err != nil {
				return nil, err
			}
			return m, nil
		}
	}
	if out.StoreFactory == nil {
		migrators := out.MigratorFactory
		out.StoreFactory = func(ctx context.Context, cfg config.Config) (*StoreHandle, error) {
			return openStore(ctx, cfg, migrators)
		}
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker, regs ...observability.Registration) ObservabilityServer {
			return observability.NewServer(addr, ready, regs...)
		}
	}
	if out.ListenerFactory == nil {
		out.ListenerFactory = net.Listen
	}
	if out.OnReady == nil {
		out.OnReady = func(ServeAddrs) {}
	}
	return &out
}
