// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/xnodehq/xnode-manager/lib/clock"
	"github.com/xnodehq/xnode-manager/lib/job"
	"github.com/xnodehq/xnode-manager/lib/output"
)

// maxErrorStderr bounds the stderr carried in an ExitError. The full
// stream stays in the step record.
const maxErrorStderr = 64 * 1024

// maxKeyAttempts bounds the search for a free step key when several
// commands of one job start within the same millisecond.
const maxKeyAttempts = 1000

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// Root is the job store directory, the same one the job.Tracker
	// uses. Required.
	Root string

	// Clock supplies step keys. Defaults to the real clock.
	Clock clock.Clock

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Recorder launches external commands and records Stream-mode
// executions as job steps. It is safe for concurrent use.
type Recorder struct {
	root   string
	clock  clock.Clock
	logger *slog.Logger
}

// NewRecorder creates a Recorder. Panics if Root or Logger is missing.
func NewRecorder(config RecorderConfig) *Recorder {
	if config.Root == "" {
		panic("command.Recorder: Root is required")
	}
	if config.Logger == nil {
		panic("command.Recorder: Logger is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Recorder{
		root:   config.Root,
		clock:  config.Clock,
		logger: config.Logger,
	}
}

// Execute runs invocation and returns its stdout.
//
// In Stream mode the command is recorded as a new step of jobID. If
// the step record cannot be created the failure is logged and the
// command still runs with in-memory capture; losing the audit trail
// is preferable to failing a reconciliation halfway.
func (r *Recorder) Execute(ctx context.Context, jobID job.ID, invocation Invocation, mode Mode) (output.Output, error) {
	logger := r.logger.With("job", jobID, "mode", mode.String())
	logger.Info("running command", "argv", invocation.Argv())

	if mode != Stream {
		return r.runCaptured(ctx, invocation)
	}

	step, err := r.createStep(jobID, invocation)
	if err != nil {
		logger.Warn("recording step failed, capturing in memory", "argv", invocation.Argv(), "error", err)
		return r.runCaptured(ctx, invocation)
	}
	defer step.close()

	logger = logger.With("step", step.key)
	runErr := r.run(ctx, invocation, step.stdout, step.stderr)

	outcome := job.OutcomeSuccess
	if runErr != nil {
		outcome = job.OutcomeFailure
	}
	if err := os.WriteFile(filepath.Join(step.directory, job.OutcomeFile), []byte(outcome), 0o644); err != nil {
		logger.Warn("writing step outcome", "error", err)
	}

	if runErr != nil {
		var exitError *ExitError
		if errors.As(runErr, &exitError) {
			exitError.Stderr = readTail(step.stderr, maxErrorStderr)
		}
		logger.Warn("command failed", "argv", invocation.Argv(), "error", runErr)
		return output.Output{}, runErr
	}

	stdout, err := readAll(step.stdout)
	if err != nil {
		logger.Warn("reading back step stdout", "error", err)
	}
	return output.New(stdout), nil
}

// runCaptured runs invocation with stdout and stderr held in memory.
func (r *Recorder) runCaptured(ctx context.Context, invocation Invocation) (output.Output, error) {
	var stdout, stderr bytes.Buffer
	if err := r.run(ctx, invocation, &stdout, &stderr); err != nil {
		var exitError *ExitError
		if errors.As(err, &exitError) {
			exitError.Stderr = output.New(stderr.Bytes()).Tail(maxErrorStderr)
		}
		r.logger.Warn("command failed", "argv", invocation.Argv(), "error", err)
		return output.Output{}, err
	}
	return output.New(stdout.Bytes()), nil
}

// run starts the process and waits for it, classifying the failure.
// When stdout and stderr are *os.File the child writes to them
// directly, so a step's files fill while the process is running.
func (r *Recorder) run(ctx context.Context, invocation Invocation, stdout, stderr io.Writer) error {
	argv := invocation.Argv()
	cmd := exec.CommandContext(ctx, invocation.Program, invocation.Args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Dir = invocation.Dir
	if len(invocation.Env) > 0 {
		cmd.Env = append(os.Environ(), environment(invocation.Env)...)
	}

	if err := cmd.Start(); err != nil {
		return &LaunchError{Argv: argv, Err: err}
	}
	err := cmd.Wait()
	if err == nil {
		return nil
	}
	var processExit *exec.ExitError
	if errors.As(err, &processExit) {
		return &ExitError{Argv: argv, ExitCode: processExit.ExitCode()}
	}
	return &LaunchError{Argv: argv, Err: err}
}

// environment renders env as sorted NAME=value pairs.
func environment(env map[string]string) []string {
	pairs := make([]string, 0, len(env))
	for name, value := range env {
		pairs = append(pairs, name+"="+value)
	}
	sort.Strings(pairs)
	return pairs
}

// step is an open step record.
type step struct {
	key       string
	directory string
	stdout    *os.File
	stderr    *os.File
}

func (s *step) close() {
	s.stdout.Close()
	s.stderr.Close()
}

// createStep allocates a step key for jobID, creates the step
// directory, writes the command record, and opens the output files.
func (r *Recorder) createStep(jobID job.ID, invocation Invocation) (*step, error) {
	jobDirectory := filepath.Join(r.root, jobID.String())
	if err := os.MkdirAll(jobDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("creating job directory %s: %w", jobDirectory, err)
	}

	key, directory, err := r.claimStepDirectory(jobDirectory)
	if err != nil {
		return nil, err
	}

	commandPath := filepath.Join(directory, job.CommandFile)
	if err := os.WriteFile(commandPath, []byte(invocation.String()), 0o644); err != nil {
		return nil, fmt.Errorf("writing command record %s: %w", commandPath, err)
	}

	stdout, err := os.OpenFile(filepath.Join(directory, job.StdoutFile), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating stdout record in %s: %w", directory, err)
	}
	stderr, err := os.OpenFile(filepath.Join(directory, job.StderrFile), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("creating stderr record in %s: %w", directory, err)
	}

	return &step{key: key, directory: directory, stdout: stdout, stderr: stderr}, nil
}

// claimStepDirectory creates a step directory whose key is the current
// Unix millisecond time, raised above every existing key of the job so
// keys stay chronological even when the wall clock steps backwards.
// A key already taken is bumped by one until a free one is found.
func (r *Recorder) claimStepDirectory(jobDirectory string) (string, string, error) {
	key := uint64(max(r.clock.Now().UnixMilli(), 0))
	highest, err := highestStepKey(jobDirectory)
	if err != nil {
		return "", "", err
	}
	if highest >= key {
		key = highest + 1
	}

	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		name := strconv.FormatUint(key, 10)
		directory := filepath.Join(jobDirectory, name)
		err := os.Mkdir(directory, 0o755)
		if err == nil {
			return name, directory, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", "", fmt.Errorf("creating step directory %s: %w", directory, err)
		}
		key++
	}
	return "", "", fmt.Errorf("no free step key in %s after %d attempts", jobDirectory, maxKeyAttempts)
}

func highestStepKey(jobDirectory string) (uint64, error) {
	entries, err := os.ReadDir(jobDirectory)
	if err != nil {
		return 0, fmt.Errorf("listing steps in %s: %w", jobDirectory, err)
	}
	var highest uint64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if key, err := strconv.ParseUint(entry.Name(), 10, 64); err == nil && key > highest {
			highest = key
		}
	}
	return highest, nil
}

func readAll(file *os.File) ([]byte, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(file)
}

// readTail returns at most limit trailing bytes of file.
func readTail(file *os.File, limit int64) output.Output {
	info, err := file.Stat()
	if err != nil {
		return output.Output{}
	}
	offset := max(info.Size()-limit, 0)
	data := make([]byte, info.Size()-offset)
	count, _ := file.ReadAt(data, offset)
	return output.New(data[:count])
}
