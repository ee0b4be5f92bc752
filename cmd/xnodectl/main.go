// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/xnodehq/xnode-manager/lib/job"
	"github.com/xnodehq/xnode-manager/lib/process"
	"github.com/xnodehq/xnode-manager/lib/reconcile"
	"github.com/xnodehq/xnode-manager/lib/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		var exitError *ExitError
		if errors.As(err, &exitError) {
			os.Exit(exitError.Code)
		}
		process.Fatal("xnodectl", err)
	}
}

// connection holds the flags shared by every command.
type connection struct {
	url  string
	user string
}

func (c *connection) addFlags(flagSet *pflag.FlagSet) {
	defaultURL := os.Getenv("XNODE_MANAGER_URL")
	if defaultURL == "" {
		defaultURL = "http://127.0.0.1:34391"
	}
	flagSet.StringVar(&c.url, "url", defaultURL, "daemon base URL (env XNODE_MANAGER_URL)")
	flagSet.StringVar(&c.user, "user", os.Getenv("XNODE_USER"), "identity sent as "+userHeader+" (env XNODE_USER)")
}

func (c *connection) client() *Client {
	return &Client{BaseURL: c.url, User: c.user, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

// waiting holds the --wait flags.
type waiting struct {
	wait     bool
	interval time.Duration
}

func (w *waiting) addFlags(flagSet *pflag.FlagSet) {
	flagSet.BoolVar(&w.wait, "wait", false, "poll until the job has a result; exit 1 if it failed")
	flagSet.DurationVar(&w.interval, "interval", time.Second, "poll interval for --wait")
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCommand(ctx, stdout)
	return root.Execute(args, stderr)
}

func newRootCommand(ctx context.Context, stdout io.Writer) *Command {
	var (
		applyConnection, statusConnection, stepConnection connection
		applyWaiting, statusWaiting                       waiting
	)

	return &Command{
		Name:    "xnodectl",
		Summary: "Client for the xnode-manager daemon.",
		Subcommands: []*Command{
			{
				Name:    "apply",
				Summary: "Submit a batch of actions from a JSON or JSONC file",
				Usage:   "xnodectl apply <actions.jsonc> [--wait]",
				Flags: func() *pflag.FlagSet {
					flagSet := pflag.NewFlagSet("apply", pflag.ContinueOnError)
					applyConnection.addFlags(flagSet)
					applyWaiting.addFlags(flagSet)
					return flagSet
				},
				Run: func(args []string) error {
					if len(args) != 1 {
						return fmt.Errorf("apply takes exactly one file argument")
					}
					actions, err := readActions(args[0])
					if err != nil {
						return err
					}
					client := applyConnection.client()
					id, err := client.Change(ctx, actions)
					if err != nil {
						return err
					}
					if !applyWaiting.wait {
						return writeJSON(stdout, map[string]job.ID{"request_id": id})
					}
					return waitAndReport(ctx, client, id, applyWaiting.interval, stdout)
				},
			},
			{
				Name:    "status",
				Summary: "Show a job's result and recorded steps",
				Usage:   "xnodectl status <request-id> [--wait]",
				Flags: func() *pflag.FlagSet {
					flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
					statusConnection.addFlags(flagSet)
					statusWaiting.addFlags(flagSet)
					return flagSet
				},
				Run: func(args []string) error {
					if len(args) != 1 {
						return fmt.Errorf("status takes exactly one request id")
					}
					id, err := job.ParseID(args[0])
					if err != nil {
						return err
					}
					client := statusConnection.client()
					if statusWaiting.wait {
						return waitAndReport(ctx, client, id, statusWaiting.interval, stdout)
					}
					status, err := client.Status(ctx, id)
					if err != nil {
						return err
					}
					return writeJSON(stdout, status)
				},
			},
			{
				Name:    "step",
				Summary: "Show the command, output and outcome of one step",
				Usage:   "xnodectl step <request-id> <step>",
				Flags: func() *pflag.FlagSet {
					flagSet := pflag.NewFlagSet("step", pflag.ContinueOnError)
					stepConnection.addFlags(flagSet)
					return flagSet
				},
				Run: func(args []string) error {
					if len(args) != 2 {
						return fmt.Errorf("step takes a request id and a step")
					}
					id, err := job.ParseID(args[0])
					if err != nil {
						return err
					}
					step, err := stepConnection.client().Step(ctx, id, args[1])
					if err != nil {
						return err
					}
					return writeJSON(stdout, step)
				},
			},
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func([]string) error {
					_, err := fmt.Fprintln(stdout, version.Banner("xnodectl"))
					return err
				},
			},
		},
	}
}

// readActions reads a batch from path. Comments and trailing commas
// are allowed.
func readActions(path string) ([]reconcile.Action, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var actions []reconcile.Action
	if err := json.Unmarshal(jsonc.ToJSON(data), &actions); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := reconcile.Validate(actions); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return actions, nil
}

// waitAndReport waits for id, prints its status, and turns an Error
// result into exit code 1.
func waitAndReport(ctx context.Context, client *Client, id job.ID, interval time.Duration, stdout io.Writer) error {
	status, err := client.Wait(ctx, id, interval)
	if err != nil {
		return err
	}
	if err := writeJSON(stdout, status); err != nil {
		return err
	}
	if !status.Result.IsSuccess() {
		return &ExitError{Code: 1}
	}
	return nil
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
