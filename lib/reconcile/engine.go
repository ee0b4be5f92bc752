// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/xnodehq/xnode-manager/lib/command"
	"github.com/xnodehq/xnode-manager/lib/job"
	"github.com/xnodehq/xnode-manager/lib/nix"
	"github.com/xnodehq/xnode-manager/lib/output"
)

// Paths are the filesystem roots the engine manages.
type Paths struct {
	// ContainerSettings holds one flake directory per container.
	ContainerSettings string

	// ContainerState holds each container's mutable root filesystem.
	ContainerState string

	// ContainerProfile holds each container's built system profile.
	ContainerProfile string

	// ContainerConfig holds the <id>.conf files read by container@.
	ContainerConfig string

	// OS is the host's flake directory.
	OS string
}

// Tools are the external binaries the engine runs.
type Tools struct {
	Nix          string
	Systemctl    string
	Chattr       string
	NixosRebuild string
	SystemdRun   string
	Uname        string

	// BuildCores is passed to nix builds as NIX_BUILD_CORES. Zero
	// leaves the nix default.
	BuildCores int
}

// withDefaults fills empty tools with their bare names.
func (t Tools) withDefaults() Tools {
	defaults := map[*string]string{
		&t.Nix:          "nix",
		&t.Systemctl:    "systemctl",
		&t.Chattr:       "chattr",
		&t.NixosRebuild: "nixos-rebuild",
		&t.SystemdRun:   "systemd-run",
		&t.Uname:        "uname",
	}
	for field, name := range defaults {
		if *field == "" {
			*field = name
		}
	}
	return t
}

// Executor runs one external command for a job. *command.Recorder
// implements it.
type Executor interface {
	Execute(ctx context.Context, jobID job.ID, invocation command.Invocation, mode command.Mode) (output.Output, error)
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Paths Paths
	Tools Tools

	// Executor runs external commands. Required.
	Executor Executor

	// SerializeContainers makes reconciliations of the same container
	// wait for each other instead of interleaving.
	SerializeContainers bool

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Engine applies actions. It holds no container state of its own.
type Engine struct {
	paths    Paths
	tools    Tools
	nix      nix.CLI
	executor Executor
	logger   *slog.Logger

	// locks is nil unless SerializeContainers is set.
	locks *keyedMutex

	// removeAll deletes a directory tree. Replaced in tests to
	// simulate a racing "directory not empty".
	removeAll func(path string) error
}

// NewEngine creates an Engine. Panics if a required field or path is
// missing.
func NewEngine(config EngineConfig) *Engine {
	if config.Executor == nil {
		panic("reconcile.Engine: Executor is required")
	}
	if config.Logger == nil {
		panic("reconcile.Engine: Logger is required")
	}
	for name, path := range map[string]string{
		"ContainerSettings": config.Paths.ContainerSettings,
		"ContainerState":    config.Paths.ContainerState,
		"ContainerProfile":  config.Paths.ContainerProfile,
		"ContainerConfig":   config.Paths.ContainerConfig,
		"OS":                config.Paths.OS,
	} {
		if path == "" {
			panic("reconcile.Engine: Paths." + name + " is required")
		}
	}

	tools := config.Tools.withDefaults()
	engine := &Engine{
		paths:     config.Paths,
		tools:     tools,
		nix:       nix.CLI{Binary: tools.Nix, BuildCores: tools.BuildCores},
		executor:  config.Executor,
		logger:    config.Logger,
		removeAll: os.RemoveAll,
	}
	if config.SerializeContainers {
		engine.locks = newKeyedMutex()
	}
	return engine
}

// Apply runs actions in order inside job jobID. The first failing
// action stops the batch and becomes the job's Error result.
func (e *Engine) Apply(ctx context.Context, jobID job.ID, actions []Action) job.Result {
	for index, action := range actions {
		logger := e.logger.With("job", jobID, "action", index, "kind", string(action.Kind()))
		if container := action.Container(); container != "" {
			logger = logger.With("container", container)
		}

		if err := e.applyAction(ctx, jobID, action, logger); err != nil {
			failure := &ActionError{
				Index:     index,
				Kind:      action.Kind(),
				Container: action.Container(),
				Err:       err,
			}
			logger.Warn("action failed, abandoning batch", "error", err, "remaining", len(actions)-index-1)
			return job.Failed(failure.Error())
		}
		logger.Info("action applied")
	}
	return job.Succeeded()
}

func (e *Engine) applyAction(ctx context.Context, jobID job.ID, action Action, logger *slog.Logger) error {
	if e.locks != nil {
		key := "os"
		if container := action.Container(); container != "" {
			key = "container/" + container
		}
		unlock := e.locks.lock(key)
		defer unlock()
	}

	switch {
	case action.Set != nil:
		return e.set(ctx, jobID, *action.Set, logger)
	case action.Remove != nil:
		return e.remove(ctx, jobID, *action.Remove, logger)
	case action.Update != nil:
		return e.update(ctx, jobID, *action.Update, logger)
	case action.OS != nil:
		return e.applyOS(ctx, jobID, *action.OS, logger)
	default:
		return &ValidationError{Index: -1, Reason: "empty action"}
	}
}

// run executes invocation as a recorded step of the job.
func (e *Engine) run(ctx context.Context, jobID job.ID, step string, invocation command.Invocation) error {
	if _, err := e.executor.Execute(ctx, jobID, invocation, command.Stream); err != nil {
		return &StepError{Step: step, Err: err}
	}
	return nil
}

func (e *Engine) settingsDirectory(container string) string {
	return filepath.Join(e.paths.ContainerSettings, container)
}

func (e *Engine) stateDirectory(container string) string {
	return filepath.Join(e.paths.ContainerState, container)
}

func (e *Engine) profileDirectory(container string) string {
	return filepath.Join(e.paths.ContainerProfile, container)
}

func (e *Engine) confPath(container string) string {
	return filepath.Join(e.paths.ContainerConfig, container+".conf")
}

// keyedMutex serializes work per key. Entries are dropped when no
// goroutine holds or waits for them.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
