// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/tessera-dev/tessera/host"
)

func quarantineCommand() *command {
	return &command{
		Name:    "quarantine",
		Summary: "Inspect and clear the crash-loop quarantine",
		Subcommands: []*command{
			quarantineListCommand(),
			quarantineClearCommand(),
		},
	}
}

func quarantineListCommand() *command {
	flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
	configPath := flags.String("config", "", "config file (defaults to $TESSERA_CONFIG)")
	jsonOut := flags.Bool("json", false, "output as JSON")
	return &command{
		Name:    "list",
		Summary: "List quarantined plugins",
		Usage:   "tessera quarantine list [flags]",
		Flags:   flags,
		Run: func([]string) error {
			return runQuarantineList(*configPath, *jsonOut)
		},
	}
}

func runQuarantineList(configPath string, jsonOut bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	quarantine, err := host.OpenQuarantine(cfg.Paths.Quarantine)
	if err != nil {
		return err
	}
	entries := quarantine.List()

	if jsonOut {
		return writeJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("quarantine is empty")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "PLUGIN\tREASON\tFAILURES\tSINCE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
			e.PluginID, e.Reason, e.Failures, e.At.Format(time.RFC3339))
	}
	return tw.Flush()
}

func quarantineClearCommand() *command {
	flags := pflag.NewFlagSet("clear", pflag.ContinueOnError)
	configPath := flags.String("config", "", "config file (defaults to $TESSERA_CONFIG)")
	all := flags.Bool("all", false, "release every quarantined plugin")
	return &command{
		Name:    "clear",
		Summary: "Release plugins from quarantine",
		Description: `Release the named plugins from quarantine so the next load pass
considers them again. With --all, empty the whole quarantine.`,
		Usage: "tessera quarantine clear [plugin-id...] [flags]",
		Flags: flags,
		Run: func(args []string) error {
			return runQuarantineClear(*configPath, *all, args)
		},
	}
}

func runQuarantineClear(configPath string, all bool, ids []string) error {
	if !all && len(ids) == 0 {
		return fmt.Errorf("name plugins to release, or pass --all")
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	quarantine, err := host.OpenQuarantine(cfg.Paths.Quarantine)
	if err != nil {
		return err
	}

	if all {
		released := len(quarantine.List())
		if err := quarantine.Clear(); err != nil {
			return err
		}
		fmt.Printf("released %d plugins\n", released)
		return nil
	}
	for _, id := range ids {
		removed, err := quarantine.Remove(id)
		if err != nil {
			return err
		}
		if removed {
			fmt.Printf("%s released\n", id)
		} else {
			fmt.Printf("%s was not quarantined\n", id)
		}
	}
	return nil
}
