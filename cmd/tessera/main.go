// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/tessera-dev/tessera/lib/version"
)

func main() {
	if err := run(); err != nil {
		// Commands that printed their own findings return an
		// exitError carrying just the code.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return rootCommand().Execute(os.Args[1:])
}

func rootCommand() *command {
	return &command{
		Name:    "tessera",
		Summary: "Inspect and manage a tessera plugin install",
		Description: `Tessera is the operator CLI for a plugin install: listing and
verifying plugins against the lockfile, updating the lockfile,
managing the crash-loop quarantine, and querying the audit trail.

Configuration comes from the file named by the TESSERA_CONFIG
environment variable, or from --config.`,
		Subcommands: []*command{
			pluginsCommand(),
			lockCommand(),
			quarantineCommand(),
			auditCommand(),
			&command{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("tessera %s\n", version.Full())
					return nil
				},
			},
		},
	}
}
