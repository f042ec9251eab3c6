// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/hiddenmove/internal/config"
)

// serviceName identifies this binary in logs.
const serviceName = "hiddenmove"

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the hiddenmove CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(nil)
}

// newRootCmd builds the command tree with injectable dependencies.
func newRootCmd(deps *ServeDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hiddenmove",
		Short: "hiddenmove - a hidden-position movement ledger",
		Long: `hiddenmove keeps map registries and player movements whose positions
stay hidden behind salted commitments, advancing players and maps in
lockstep ticks.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/hiddenmove/config.yaml)")
	config.RegisterFlags(cmd.PersistentFlags())

	var migrators func(string) (Migrator, error)
	if deps != nil {
		migrators = deps.MigratorFactory
	}
	cmd.AddCommand(newServeCmd(deps))
	cmd.AddCommand(newMigrateCmd(migrators))
	cmd.AddCommand(newPlayCmd(deps))
	cmd.AddCommand(NewSchemaCmd())

	return cmd
}

// loadConfig resolves configuration for cmd from the config file and the
// flags it inherits from the root command.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	return config.Load(configFile, cmd.Flags())
}
