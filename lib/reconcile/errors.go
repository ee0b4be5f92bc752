// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned (wrapped) when a container or OS
// configuration that is read back does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError rejects a request before any job is created.
type ValidationError struct {
	// Index is the position of the offending action in the batch, or
	// -1 when the problem is not tied to one action.
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid action %d: %s", e.Index, e.Reason)
}

// IOError is a filesystem failure. It always names the path.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// StepError names the step of an action's sequence that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return e.Step + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ActionError is the failure of one action in a batch. Its message
// becomes the job's Error result.
type ActionError struct {
	Index     int
	Kind      Kind
	Container string
	Err       error
}

func (e *ActionError) Error() string {
	if e.Container == "" {
		return fmt.Sprintf("action %d (%s): %v", e.Index, e.Kind, e.Err)
	}
	return fmt.Sprintf("action %d (%s %s): %v", e.Index, e.Kind, e.Container, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}
