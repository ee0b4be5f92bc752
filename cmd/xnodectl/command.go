// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// Command is a CLI command or subcommand.
type Command struct {
	// Name is the command name as typed by the user.
	Name string

	// Summary is the one-line description in the parent's listing.
	Summary string

	// Usage is the usage line. Synthesized when empty.
	Usage string

	// Flags returns the command's flag set. Nil means no flags.
	Flags func() *pflag.FlagSet

	// Subcommands are dispatched by the first positional argument.
	Subcommands []*Command

	// Run executes the command with the arguments left after flag
	// parsing.
	Run func(args []string) error

	parent *Command
}

// Execute parses args and dispatches to a subcommand or Run. Help is
// written to help.
func (c *Command) Execute(args []string, help io.Writer) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.PrintHelp(help)
		return nil
	}

	if len(c.Subcommands) > 0 {
		if len(args) == 0 {
			c.PrintHelp(help)
			return fmt.Errorf("subcommand required")
		}
		for _, sub := range c.Subcommands {
			if sub.Name == args[0] {
				sub.parent = c
				return sub.Execute(args[1:], help)
			}
		}
		return fmt.Errorf("unknown command %q\n\nRun '%s --help' for usage.", args[0], c.fullName())
	}

	if c.Flags != nil {
		flagSet := c.Flags()
		flagSet.SetOutput(io.Discard)
		if err := flagSet.Parse(args); err != nil {
			return fmt.Errorf("%s\n\nRun '%s --help' for usage.", err, c.fullName())
		}
		args = flagSet.Args()
	}

	if c.Run == nil {
		c.PrintHelp(help)
		return fmt.Errorf("no action defined for %q", c.fullName())
	}
	return c.Run(args)
}

// PrintHelp writes usage, subcommands and flags to w.
func (c *Command) PrintHelp(w io.Writer) {
	if c.Summary != "" {
		fmt.Fprintf(w, "%s\n\n", c.Summary)
	}

	switch {
	case c.Usage != "":
		fmt.Fprintf(w, "Usage:\n  %s\n", c.Usage)
	case len(c.Subcommands) > 0:
		fmt.Fprintf(w, "Usage:\n  %s <command> [flags]\n", c.fullName())
	default:
		fmt.Fprintf(w, "Usage:\n  %s [flags]\n", c.fullName())
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
		var flagHelp strings.Builder
		flagSet := c.Flags()
		flagSet.SetOutput(&flagHelp)
		flagSet.PrintDefaults()
		if flagHelp.Len() > 0 {
			fmt.Fprintf(w, "\nFlags:\n%s", flagHelp.String())
		}
	}
}

func (c *Command) fullName() string {
	if c.parent == nil {
		return c.Name
	}
	return c.parent.fullName() + " " + c.Name
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

// ExitError signals a non-zero exit without an extra message. The
// command has already written its own output.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitError) ExitCode() int {
	return e.Code
}
