// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/xnodehq/xnode-manager/lib/fsutil"
	"github.com/xnodehq/xnode-manager/lib/output"
)

// ErrNotFound is returned (wrapped) when a job or step record does not
// exist or cannot be read.
var ErrNotFound = errors.New("not found")

// Work is the body of a job. It receives the job's ID so that the
// commands it runs can be recorded under the job. The returned Result
// is persisted once when Work returns.
type Work func(ctx context.Context, id ID) Result

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// Root is the durable job store directory. Required. Created on
	// first use if missing.
	Root string

	// MaxConcurrent bounds how many work functions run at once. Zero
	// means unbounded. Jobs over the limit wait on their own
	// goroutine; dispatch never blocks the caller.
	MaxConcurrent int

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Tracker allocates job IDs, runs work in the background, and reads
// job records back.
type Tracker struct {
	root   string
	logger *slog.Logger

	// slots is a counting semaphore, nil when unbounded.
	slots chan struct{}

	mu         sync.Mutex
	next       ID
	seeded     bool
	dispatched map[ID]struct{}

	running sync.WaitGroup
}

// NewTracker creates a Tracker. Panics if Root or Logger is missing.
func NewTracker(config TrackerConfig) *Tracker {
	if config.Root == "" {
		panic("job.Tracker: Root is required")
	}
	if config.Logger == nil {
		panic("job.Tracker: Logger is required")
	}
	tracker := &Tracker{
		root:       config.Root,
		logger:     config.Logger,
		dispatched: make(map[ID]struct{}),
	}
	if config.MaxConcurrent > 0 {
		tracker.slots = make(chan struct{}, config.MaxConcurrent)
	}
	return tracker
}

// Root returns the job store directory.
func (t *Tracker) Root() string {
	return t.root
}

// Allocate returns a fresh job ID. Concurrent callers never receive
// the same ID.
func (t *Tracker) Allocate() (ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.seeded {
		highest, err := t.highestExisting()
		if err != nil {
			return 0, err
		}
		t.next = highest + 1
		t.seeded = true
	}

	if t.next == 0 {
		return 0, fmt.Errorf("job id space exhausted under %s", t.root)
	}
	id := t.next
	// Wraps to zero after MaxUint32, which the check above reports.
	t.next++
	return id, nil
}

// highestExisting scans the store root for the largest numeric entry.
// A missing root counts as empty.
func (t *Tracker) highestExisting() (ID, error) {
	entries, err := os.ReadDir(t.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("scanning job store %s: %w", t.root, err)
	}
	var highest ID
	for _, entry := range entries {
		id, err := ParseID(entry.Name())
		if err != nil {
			continue
		}
		if id > highest {
			highest = id
		}
	}
	if highest == math.MaxUint32 {
		return 0, fmt.Errorf("job id space exhausted under %s", t.root)
	}
	return highest, nil
}

// Submit allocates an ID and runs work under it.
func (t *Tracker) Submit(work Work) (ID, error) {
	id, err := t.Allocate()
	if err != nil {
		return 0, err
	}
	if err := t.Run(id, work); err != nil {
		return 0, err
	}
	return id, nil
}

// Run creates the job's directory and starts work on a new goroutine.
// It returns once the work is dispatched. Each ID may be run once.
func (t *Tracker) Run(id ID, work Work) error {
	t.mu.Lock()
	if _, exists := t.dispatched[id]; exists {
		t.mu.Unlock()
		return fmt.Errorf("job %d was already dispatched", id)
	}
	t.dispatched[id] = struct{}{}
	t.mu.Unlock()

	directory := t.jobDirectory(id)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return fmt.Errorf("creating directory for job %d at %s: %w", id, directory, err)
	}

	logger := t.logger.With("job", id)
	t.running.Add(1)
	go func() {
		defer t.running.Done()

		if t.slots != nil {
			t.slots <- struct{}{}
			defer func() { <-t.slots }()
		}

		logger.Info("job started")
		result := t.execute(id, work, logger)
		if result.IsSuccess() {
			logger.Info("job succeeded")
		} else {
			logger.Warn("job failed", "result", result.String())
		}
		t.persistResult(id, result, logger)
	}()
	return nil
}

// execute runs work and converts a panic or a malformed result into an
// Error result.
func (t *Tracker) execute(id ID, work Work, logger *slog.Logger) (result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("job panicked", "panic", recovered, "stack", string(debug.Stack()))
			result = Failedf("job %d panicked: %v", id, recovered)
		}
	}()

	result = work(context.Background(), id)
	if !result.valid() {
		return Failedf("job %d returned no result", id)
	}
	return result
}

// persistResult writes the terminal result. Failures are logged and
// not retried; pollers will see a job without a result.
func (t *Tracker) persistResult(id ID, result Result, logger *slog.Logger) {
	path := filepath.Join(t.jobDirectory(id), ResultFile)
	data, err := json.Marshal(result)
	if err != nil {
		logger.Error("encoding job result", "error", err)
		return
	}
	if err := fsutil.WriteAtomic(path, data, 0o644); err != nil {
		logger.Error("writing job result", "path", path, "error", err)
	}
}

// Wait blocks until every dispatched job has finished and persisted
// its result. The daemon calls it during shutdown; tests use it to
// observe completed jobs without polling.
func (t *Tracker) Wait() {
	t.running.Wait()
}

// Status returns the job's result, if any, and its step keys. Unknown
// IDs and running jobs both yield a nil Result without error.
func (t *Tracker) Status(id ID) (Status, error) {
	directory := t.jobDirectory(id)
	status := Status{Commands: []string{}}

	entries, err := os.ReadDir(directory)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return status, nil
		}
		return status, fmt.Errorf("reading job directory %s: %w", directory, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			status.Commands = append(status.Commands, entry.Name())
		}
	}
	sortStepKeys(status.Commands)

	path := filepath.Join(directory, ResultFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var result Result
		if err := json.Unmarshal(data, &result); err != nil {
			t.logger.Warn("ignoring unreadable job result", "job", id, "path", path, "error", err)
		} else {
			status.Result = &result
		}
	case !errors.Is(err, fs.ErrNotExist):
		t.logger.Warn("reading job result", "job", id, "path", path, "error", err)
	}

	return status, nil
}

// Step reads one recorded step. The command, stdout and stderr records
// must all be readable; the outcome is optional.
func (t *Tracker) Step(id ID, name string) (Step, error) {
	if !validStepName(name) {
		return Step{}, fmt.Errorf("step %q of job %d: %w", name, id, ErrNotFound)
	}
	directory := filepath.Join(t.jobDirectory(id), name)

	command, err := os.ReadFile(filepath.Join(directory, CommandFile))
	if err != nil {
		return Step{}, fmt.Errorf("reading command of step %s in job %d: %w: %w", name, id, ErrNotFound, err)
	}
	stdout, err := os.ReadFile(filepath.Join(directory, StdoutFile))
	if err != nil {
		return Step{}, fmt.Errorf("reading stdout of step %s in job %d: %w: %w", name, id, ErrNotFound, err)
	}
	stderr, err := os.ReadFile(filepath.Join(directory, StderrFile))
	if err != nil {
		return Step{}, fmt.Errorf("reading stderr of step %s in job %d: %w: %w", name, id, ErrNotFound, err)
	}

	step := Step{
		Command: string(command),
		Stdout:  output.New(stdout),
		Stderr:  output.New(stderr),
	}
	if outcome, err := os.ReadFile(filepath.Join(directory, OutcomeFile)); err == nil {
		marker := string(outcome)
		step.Result = &marker
	}
	return step, nil
}

func (t *Tracker) jobDirectory(id ID) string {
	return filepath.Join(t.root, id.String())
}

// validStepName rejects names that would escape the job directory.
func validStepName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`+"\x00")
}

// sortStepKeys orders numeric keys numerically and places any
// non-numeric names after them in lexical order.
func sortStepKeys(keys []string) {
	sort.SliceStable(keys, func(i, j int) bool {
		left, leftErr := strconv.ParseUint(keys[i], 10, 64)
		right, rightErr := strconv.ParseUint(keys[j], 10, 64)
		switch {
		case leftErr == nil && rightErr == nil:
			return left < right
		case leftErr == nil:
			return true
		case rightErr == nil:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
}
