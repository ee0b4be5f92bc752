// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xnodehq/xnode-manager/lib/output"
)

// Mode selects how a command's output is captured.
type Mode int

const (
	// Simple captures output in memory only.
	Simple Mode = iota

	// Stream records the command as a durable step of its job.
	Stream
)

func (m Mode) String() string {
	switch m {
	case Simple:
		return "simple"
	case Stream:
		return "stream"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Invocation describes one external command.
type Invocation struct {
	// Program is the executable, either an absolute path or a name
	// resolved through PATH.
	Program string

	Args []string

	// Env is appended to the daemon's own environment. It is never
	// written to the step record.
	Env map[string]string

	// Dir is the working directory. Empty means the daemon's.
	Dir string
}

// Argv returns the program followed by its arguments.
func (i Invocation) Argv() []string {
	argv := make([]string, 0, len(i.Args)+1)
	argv = append(argv, i.Program)
	return append(argv, i.Args...)
}

func (i Invocation) String() string {
	return Render(i.Argv())
}

// Render produces the audit form of argv: each element double-quoted
// with Go escaping, separated by single spaces. Every token unquotes
// back to exactly the original argument.
func Render(argv []string) string {
	var builder strings.Builder
	for index, argument := range argv {
		if index > 0 {
			builder.WriteByte(' ')
		}
		builder.WriteString(strconv.Quote(argument))
	}
	return builder.String()
}

// LaunchError reports a process that could not be started.
type LaunchError struct {
	Argv []string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s: %v", Render(e.Argv), e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ExitError reports a process that ran and exited unsuccessfully.
type ExitError struct {
	Argv []string

	// ExitCode is -1 when the process was terminated by a signal.
	ExitCode int

	// Stderr is the tail of the process's standard error.
	Stderr output.Output
}

func (e *ExitError) Error() string {
	message := fmt.Sprintf("%s exited with code %d", Render(e.Argv), e.ExitCode)
	if e.Stderr.Len() == 0 {
		return message
	}
	return message + ": " + e.Stderr.TrimSpace().String()
}
