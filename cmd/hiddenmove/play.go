// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/hiddenmove/internal/ledger"
	"github.com/holomush/hiddenmove/internal/logging"
	"github.com/holomush/hiddenmove/internal/script"
	"github.com/holomush/hiddenmove/pkg/errutil"
)

type playOptions struct {
	json      bool
	checkOnly bool
}

// NewPlayCmd creates the play subcommand.
func NewPlayCmd() *cobra.Command {
	return newPlayCmd(nil)
}

func newPlayCmd(deps *ServeDeps) *cobra.Command {
	opts := &playOptions{}

	cmd := &cobra.Command{
		Use:   "play <script.yaml>",
		Short: "Run a transition script against the configured store",
		Long: `Validate a YAML transition script against its JSON Schema, deploy its
entities and apply its steps in order, checking each step's expected
outcome. The run stops at the first unmet expectation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlay(cmd, args[0], opts, deps)
		},
	}

	cmd.Flags().BoolVar(&opts.json, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&opts.checkOnly, "check", false, "validate the script without running it")

	return cmd
}

func runPlay(cmd *cobra.Command, path string, opts *playOptions, deps *ServeDeps) error {
	s, err := script.LoadFile(path)
	if err != nil {
		if errutil.Code(err) == "SCRIPT_SCHEMA_VIOLATION" {
			cmd.PrintErrln(script.FormatSchemaError(err))
		}
		return err
	}
	if opts.checkOnly {
		cmd.Printf("%s: %d entities, %d steps, valid\n", path, len(s.Entities), len(s.Steps))
		return nil
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	deps = deps.withDefaults()
	logger := logging.Setup(serviceName, version, cfg.LogFormat, cmd.ErrOrStderr())

	handle, err := deps.StoreFactory(cmd.Context(), cfg)
	if err != nil {
		return oops.Code("STORE_OPEN_FAILED").With("store", cfg.Store).Wrap(err)
	}
	if handle.Close != nil {
		defer handle.Close()
	}

	l := ledger.New(handle.Store, ledger.WithLogger(logger))
	report, runErr := script.NewRunner(l, logger).Run(cmd.Context(), s)
	if report != nil {
		if err := printReport(cmd.OutOrStdout(), report, opts.json); err != nil {
			return err
		}
	}
	return runErr
}

func printReport(w io.Writer, report *script.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return oops.Code("OUTPUT_FAILED").Wrap(err)
		}
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tOP\tTARGET\tEXPECTED\tOUTCOME\tCATEGORY\tRESULT")
	for _, st := range report.Steps {
		result := "ok"
		if !st.Passed {
			result = "FAIL"
		}
		category := string(st.Category)
		if category == "" {
			category = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			st.Index, st.Op, st.Target, st.Expected, st.Outcome, category, result)
	}
	if err := tw.Flush(); err != nil {
		return oops.Code("OUTPUT_FAILED").Wrap(err)
	}

	verdict := "passed"
	if !report.Passed() {
		verdict = "failed"
	}
	name := report.Name
	if name == "" {
		name = "script"
	}
	_, err := fmt.Fprintf(w, "%s %s: %d steps\n", name, verdict, len(report.Steps))
	return err
}
