// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// command is one node of the CLI tree: either a group dispatching to
// subcommands or a leaf with flags and a run function.
type command struct {
	// Name as typed by the user.
	Name string

	// Summary is the one-liner shown in the parent's command listing.
	Summary string

	// Description is the long-form help shown for this command.
	Description string

	// Usage overrides the synthesized usage line.
	Usage string

	// Flags is parsed before Run. Nil means no flags.
	Flags *pflag.FlagSet

	Subcommands []*command

	// Run receives the positional args left after flag parsing.
	Run func(args []string) error

	// parent is filled during dispatch so help can print the full
	// command path.
	parent *command
}

// Execute dispatches args through the tree.
func (c *command) Execute(args []string) error {
	if len(args) > 0 && isHelp(args[0]) {
		c.printHelp(os.Stderr)
		return nil
	}

	if len(c.Subcommands) > 0 {
		if len(args) == 0 {
			c.printHelp(os.Stderr)
			return errors.New("subcommand required")
		}
		if !strings.HasPrefix(args[0], "-") {
			for _, sub := range c.Subcommands {
				if sub.Name == args[0] {
					sub.parent = c
					return sub.Execute(args[1:])
				}
			}
			return fmt.Errorf("unknown command %q; run '%s --help' for usage", args[0], c.path())
		}
	}

	if c.Flags != nil {
		c.Flags.SetOutput(io.Discard)
		if err := c.Flags.Parse(args); err != nil {
			if errors.Is(err, pflag.ErrHelp) {
				c.printHelp(os.Stderr)
				return nil
			}
			return fmt.Errorf("%v; run '%s --help' for usage", err, c.path())
		}
		args = c.Flags.Args()
	}

	if c.Run == nil {
		c.printHelp(os.Stderr)
		return errors.New("subcommand required")
	}
	return c.Run(args)
}

func (c *command) printHelp(w io.Writer) {
	switch {
	case c.Description != "":
		fmt.Fprintf(w, "%s\n\n", c.Description)
	case c.Summary != "":
		fmt.Fprintf(w, "%s\n\n", c.Summary)
	}

	switch {
	case c.Usage != "":
		fmt.Fprintf(w, "Usage:\n  %s\n", c.Usage)
	case len(c.Subcommands) > 0:
		fmt.Fprintf(w, "Usage:\n  %s <command> [flags]\n", c.path())
	default:
		fmt.Fprintf(w, "Usage:\n  %s [flags]\n", c.path())
	}

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nCommands:\n")
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, sub := range c.Subcommands {
			fmt.Fprintf(tw, "  %s\t%s\n", sub.Name, sub.Summary)
		}
		tw.Flush()
	}

	if c.Flags != nil {
		var b strings.Builder
		c.Flags.SetOutput(&b)
		c.Flags.PrintDefaults()
		if b.Len() > 0 {
			fmt.Fprintf(w, "\nFlags:\n%s", b.String())
		}
	}

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nRun '%s <command> --help' for more information on a command.\n", c.path())
	}
}

func (c *command) path() string {
	if c.parent == nil {
		return c.Name
	}
	return c.parent.path() + " " + c.Name
}

func isHelp(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}
