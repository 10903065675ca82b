// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/tessera-dev/tessera/audit"
	"github.com/tessera-dev/tessera/lib/clock"
)

func auditCommand() *command {
	return &command{
		Name:    "audit",
		Summary: "Query the capability call audit trail",
		Subcommands: []*command{
			auditFailuresCommand(),
		},
	}
}

func auditFailuresCommand() *command {
	flags := pflag.NewFlagSet("failures", pflag.ContinueOnError)
	configPath := flags.String("config", "", "config file (defaults to $TESSERA_CONFIG)")
	jsonOut := flags.Bool("json", false, "output as JSON")
	window := flags.String("window", "", "aggregation window, e.g. 1h (defaults to audit.failure_window)")
	recent := flags.Int("recent", 0, "also list the N newest failing calls")
	return &command{
		Name:    "failures",
		Summary: "Summarize per-plugin failure rates",
		Description: `Aggregate the audit trail into per-plugin call and failure counts
over a window. These are the same numbers the kernel uses to order
capability providers by reliability. With --recent, the newest
failing calls are listed individually.`,
		Usage: "tessera audit failures [flags]",
		Flags: flags,
		Run: func([]string) error {
			return runAuditFailures(*configPath, *jsonOut, *window, *recent)
		},
	}
}

type failureSummary struct {
	PluginID string  `json:"plugin_id"`
	Calls    int64   `json:"calls"`
	Failures int64   `json:"failures"`
	Rate     float64 `json:"rate"`
}

type failureReport struct {
	Window    string           `json:"window"`
	Summaries []failureSummary `json:"summaries"`
	Recent    []audit.Record   `json:"recent,omitempty"`
}

func runAuditFailures(configPath string, jsonOut bool, windowArg string, recent int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	window := cfg.FailureWindow()
	if windowArg != "" {
		window, err = time.ParseDuration(windowArg)
		if err != nil {
			return fmt.Errorf("parsing --window: %w", err)
		}
	}

	store, err := audit.OpenStore(audit.StoreConfig{
		Path:   cfg.Paths.AuditDB,
		Clock:  clock.Real(),
		Logger: commandLogger(),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	rates, err := store.FailureRates(ctx, window)
	if err != nil {
		return err
	}

	report := failureReport{Window: window.String()}
	for _, id := range slices.Sorted(maps.Keys(rates)) {
		rate := rates[id]
		report.Summaries = append(report.Summaries, failureSummary{
			PluginID: id,
			Calls:    rate.Calls,
			Failures: rate.Failures,
			Rate:     rate.FailureRate(),
		})
	}
	if recent > 0 {
		records, err := store.Records(ctx, audit.Filter{
			OnlyFailures: true,
			Limit:        recent,
		})
		if err != nil {
			return err
		}
		report.Recent = records
	}

	if jsonOut {
		return writeJSON(report)
	}
	if len(report.Summaries) == 0 {
		fmt.Printf("no calls recorded in the last %s\n", report.Window)
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "PLUGIN\tCALLS\tFAILURES\tRATE")
	for _, s := range report.Summaries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.3f\n", s.PluginID, s.Calls, s.Failures, s.Rate)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(report.Recent) > 0 {
		fmt.Println()
		tw = tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "TIME\tPLUGIN\tCAPABILITY\tMETHOD\tERROR")
		for _, r := range report.Recent {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				time.Unix(0, r.Timestamp).Format(time.RFC3339),
				r.PluginID, r.Capability, r.Method, r.Error)
		}
		return tw.Flush()
	}
	return nil
}
