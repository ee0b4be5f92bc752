// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

// Package inspect answers read-only questions about the host and its
// containers by running nix, systemctl and journalctl in Simple mode
// and decoding their JSON output.
package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/xnodehq/xnode-manager/lib/command"
	"github.com/xnodehq/xnode-manager/lib/nix"
	"github.com/xnodehq/xnode-manager/lib/output"
	"github.com/xnodehq/xnode-manager/lib/reconcile"
)

// DefaultLogLines is the number of journal lines returned when the
// caller does not ask for a specific count.
const DefaultLogLines = 100

// ParseError reports tool output that did not have the expected
// structure. Output is the raw output for the error message.
type ParseError struct {
	What   string
	Err    error
	Output output.Output
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s could not be parsed: %v. Output: %s", e.What, e.Err, e.Output.String())
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Config configures an Inspector.
type Config struct {
	// Executor runs the queries. Required.
	Executor reconcile.Executor

	Nix        string
	Systemctl  string
	Journalctl string

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Inspector runs read-only host queries.
type Inspector struct {
	executor   reconcile.Executor
	nix        nix.CLI
	systemctl  string
	journalctl string
	logger     *slog.Logger
}

// New creates an Inspector. Panics if Executor or Logger is missing.
func New(config Config) *Inspector {
	if config.Executor == nil {
		panic("inspect.Inspector: Executor is required")
	}
	if config.Logger == nil {
		panic("inspect.Inspector: Logger is required")
	}
	inspector := &Inspector{
		executor:   config.Executor,
		nix:        nix.CLI{Binary: config.Nix},
		systemctl:  config.Systemctl,
		journalctl: config.Journalctl,
		logger:     config.Logger,
	}
	if inspector.systemctl == "" {
		inspector.systemctl = "systemctl"
	}
	if inspector.journalctl == "" {
		inspector.journalctl = "journalctl"
	}
	return inspector
}

// query runs invocation in Simple mode. Queries belong to no job.
func (i *Inspector) query(ctx context.Context, invocation command.Invocation) (output.Output, error) {
	return i.executor.Execute(ctx, 0, invocation, command.Simple)
}

// Flake is the locked state of a flake reference.
type Flake struct {
	LastModified uint64 `json:"last_modified"`
	Revision     string `json:"revision"`
}

// FlakeMetadata resolves flake to its latest revision.
func (i *Inspector) FlakeMetadata(ctx context.Context, flake string) (Flake, error) {
	if flake == "" || strings.HasPrefix(flake, "-") {
		return Flake{}, &reconcile.ValidationError{Index: -1, Reason: fmt.Sprintf("flake reference %q is not valid", flake)}
	}
	out, err := i.query(ctx, i.nix.FlakeMetadata(flake))
	if err != nil {
		return Flake{}, fmt.Errorf("getting flake metadata of %s: %w", flake, err)
	}

	var metadata struct {
		LastModified uint64 `json:"lastModified"`
		Revision     string `json:"revision"`
	}
	if err := json.Unmarshal(out.Bytes(), &metadata); err != nil {
		return Flake{}, &ParseError{What: "flake metadata", Err: err, Output: out}
	}
	return Flake{LastModified: metadata.LastModified, Revision: metadata.Revision}, nil
}

// Unit is a systemd service inside a container.
type Unit struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Running     bool    `json:"running"`
}

// Units lists the service units of container.
func (i *Inspector) Units(ctx context.Context, container string) ([]Unit, error) {
	if err := reconcile.ValidateContainerID(container); err != nil {
		return nil, err
	}
	invocation := command.Invocation{
		Program: i.systemctl,
		Args:    []string{"list-units", "--machine", container, "--type=service", "--output=json", "--no-pager"},
	}
	out, err := i.query(ctx, invocation)
	if err != nil {
		return nil, fmt.Errorf("listing units of container %s: %w", container, err)
	}

	var listed []struct {
		Unit        string `json:"unit"`
		Description string `json:"description"`
		Sub         string `json:"sub"`
	}
	if err := json.Unmarshal(out.Bytes(), &listed); err != nil {
		return nil, &ParseError{What: "units of container " + container, Err: err, Output: out}
	}
	units := make([]Unit, 0, len(listed))
	for _, entry := range listed {
		description := entry.Description
		units = append(units, Unit{Name: entry.Unit, Description: &description, Running: entry.Sub == "running"})
	}
	return units, nil
}

// Level is the severity of a journal entry.
type Level string

const (
	LevelError   Level = "Error"
	LevelWarn    Level = "Warn"
	LevelInfo    Level = "Info"
	LevelUnknown Level = "Unknown"
)

// ParseLevel accepts the level names used in queries.
func ParseLevel(text string) (Level, error) {
	switch Level(text) {
	case LevelError, LevelWarn, LevelInfo, LevelUnknown:
		return Level(text), nil
	}
	return "", &reconcile.ValidationError{Index: -1, Reason: fmt.Sprintf("unknown log level %q", text)}
}

// maxPriority is the most verbose syslog priority included for level.
func (l Level) maxPriority() int {
	switch l {
	case LevelError:
		return 3
	case LevelWarn:
		return 4
	default:
		return 7
	}
}

// levelOfPriority maps a syslog priority to a Level.
func levelOfPriority(priority string) Level {
	value, err := strconv.ParseUint(priority, 10, 8)
	switch {
	case err != nil:
		return LevelUnknown
	case value <= 3:
		return LevelError
	case value <= 4:
		return LevelWarn
	case value <= 7:
		return LevelInfo
	default:
		return LevelUnknown
	}
}

// LogEntry is one journal line.
type LogEntry struct {
	// Timestamp is microseconds since the Unix epoch.
	Timestamp uint64        `json:"timestamp"`
	Message   output.Output `json:"message"`
	Level     Level         `json:"level"`
}

// Logs returns up to lines journal entries of unit in container, at
// or above level when level is non-empty. Lines <= 0 means
// DefaultLogLines.
func (i *Inspector) Logs(ctx context.Context, container, unit string, lines int, level Level) ([]LogEntry, error) {
	if err := reconcile.ValidateContainerID(container); err != nil {
		return nil, err
	}
	if err := validateUnit(unit); err != nil {
		return nil, err
	}
	if lines <= 0 {
		lines = DefaultLogLines
	}

	args := []string{
		"--machine", container,
		"--unit", unit,
		"--output=json",
		// Without --all, messages over 4096 bytes are encoded as null.
		"--all",
		"--no-pager",
		"--output-fields", "__REALTIME_TIMESTAMP,MESSAGE,PRIORITY",
		"--lines", strconv.Itoa(lines),
	}
	if level != "" {
		args = append(args, "--priority", strconv.Itoa(level.maxPriority()))
	}

	out, err := i.query(ctx, command.Invocation{Program: i.journalctl, Args: args})
	if err != nil {
		return nil, fmt.Errorf("reading logs of %s in container %s: %w", unit, container, err)
	}
	entries, err := parseJournal(out.Bytes())
	if err != nil {
		return nil, &ParseError{What: fmt.Sprintf("logs of %s in container %s", unit, container), Err: err, Output: out}
	}
	return entries, nil
}

// parseJournal decodes journalctl's newline-delimited JSON. MESSAGE is
// a string for UTF-8 text and an array of bytes otherwise.
func parseJournal(data []byte) ([]LogEntry, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	entries := []LogEntry{}
	for {
		var record struct {
			Timestamp string          `json:"__REALTIME_TIMESTAMP"`
			Message   json.RawMessage `json:"MESSAGE"`
			Priority  string          `json:"PRIORITY"`
		}
		err := decoder.Decode(&record)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}

		message, err := decodeMessage(record.Message)
		if err != nil {
			return nil, err
		}
		timestamp, _ := strconv.ParseUint(record.Timestamp, 10, 64)
		entries = append(entries, LogEntry{
			Timestamp: timestamp,
			Message:   message,
			Level:     levelOfPriority(record.Priority),
		})
	}
}

func decodeMessage(raw json.RawMessage) (output.Output, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return output.Output{}, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return output.FromString(text), nil
	}
	var values []int
	if err := json.Unmarshal(raw, &values); err != nil {
		return output.Output{}, fmt.Errorf("MESSAGE is neither a string nor a byte array: %w", err)
	}
	message := make([]byte, len(values))
	for index, value := range values {
		if value < 0 || value > 255 {
			return output.Output{}, fmt.Errorf("MESSAGE byte %d out of range: %d", index, value)
		}
		message[index] = byte(value)
	}
	return output.New(message), nil
}

// UnitAction is a lifecycle operation on a unit.
type UnitAction string

const (
	UnitStart   UnitAction = "Start"
	UnitStop    UnitAction = "Stop"
	UnitRestart UnitAction = "Restart"
)

// UnitCommand returns the systemctl invocation applying action to
// unit inside container. Callers run it as a recorded job step.
func (i *Inspector) UnitCommand(container, unit string, action UnitAction) (command.Invocation, error) {
	if err := reconcile.ValidateContainerID(container); err != nil {
		return command.Invocation{}, err
	}
	if err := validateUnit(unit); err != nil {
		return command.Invocation{}, err
	}
	var verb string
	switch action {
	case UnitStart:
		verb = "start"
	case UnitStop:
		verb = "stop"
	case UnitRestart:
		verb = "restart"
	default:
		return command.Invocation{}, &reconcile.ValidationError{Index: -1, Reason: fmt.Sprintf("unknown unit action %q", action)}
	}
	return command.Invocation{
		Program: i.systemctl,
		Args:    []string{"--machine", container, verb, unit},
	}, nil
}

func validateUnit(unit string) error {
	if unit == "" || strings.HasPrefix(unit, "-") || strings.ContainsAny(unit, "/\x00") {
		return &reconcile.ValidationError{Index: -1, Reason: fmt.Sprintf("unit name %q is not valid", unit)}
	}
	return nil
}
