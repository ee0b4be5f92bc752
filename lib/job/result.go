// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/xnodehq/xnode-manager/lib/output"
)

// ID identifies a job. It is the decimal name of the job's directory.
type ID uint32

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseID parses the decimal form of an ID.
func ParseID(text string) (ID, error) {
	value, err := strconv.ParseUint(text, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q: %w", text, err)
	}
	return ID(value), nil
}

// Result is the terminal outcome of a job: exactly one of Success or
// Error is set. The JSON form is externally tagged:
//
//	{"Success":{"body":null}}
//	{"Error":{"error":"Error building configuration ..."}}
type Result struct {
	Success *SuccessResult `json:"Success,omitempty"`
	Error   *ErrorResult   `json:"Error,omitempty"`
}

// SuccessResult carries an optional response body.
type SuccessResult struct {
	Body *string `json:"body"`
}

// ErrorResult carries a human-readable failure description.
type ErrorResult struct {
	Message string `json:"error"`
}

// Succeeded returns a Success result without a body.
func Succeeded() Result {
	return Result{Success: &SuccessResult{}}
}

// SucceededWith returns a Success result carrying body.
func SucceededWith(body string) Result {
	return Result{Success: &SuccessResult{Body: &body}}
}

// Failed returns an Error result.
func Failed(message string) Result {
	return Result{Error: &ErrorResult{Message: message}}
}

// Failedf returns an Error result with a formatted message.
func Failedf(format string, args ...any) Result {
	return Failed(fmt.Sprintf(format, args...))
}

// IsSuccess reports whether r is the Success variant.
func (r Result) IsSuccess() bool {
	return r.Success != nil && r.Error == nil
}

func (r Result) valid() bool {
	return (r.Success == nil) != (r.Error == nil)
}

func (r Result) String() string {
	switch {
	case !r.valid():
		return "invalid result"
	case r.Success != nil && r.Success.Body != nil:
		return "success: " + *r.Success.Body
	case r.Success != nil:
		return "success"
	default:
		return "error: " + r.Error.Message
	}
}

// UnmarshalJSON rejects records that do not hold exactly one variant.
func (r *Result) UnmarshalJSON(data []byte) error {
	type plain Result
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	if !Result(decoded).valid() {
		return errors.New("job result must hold exactly one of Success or Error")
	}
	*r = Result(decoded)
	return nil
}

// Status is the polled view of a job.
type Status struct {
	// Result is nil while the job is running, and also for IDs that
	// were never issued.
	Result *Result `json:"result"`

	// Commands lists step keys in chronological order.
	Commands []string `json:"commands"`
}

// Step is one recorded external command of a job.
type Step struct {
	Command string        `json:"command"`
	Stdout  output.Output `json:"stdout"`
	Stderr  output.Output `json:"stderr"`

	// Result is the outcome marker ("0" success, "1" failure), nil
	// while the command is still running.
	Result *string `json:"result"`
}

// Outcome markers written after a step's process exits.
const (
	OutcomeSuccess = "0"
	OutcomeFailure = "1"
)

// File names inside a job directory.
const (
	ResultFile  = "result"
	CommandFile = "command"
	StdoutFile  = "stdout"
	StderrFile  = "stderr"
	OutcomeFile = "outcome"
)
