// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/xnodehq/xnode-manager/lib/command"
	"github.com/xnodehq/xnode-manager/lib/fsutil"
	"github.com/xnodehq/xnode-manager/lib/job"
	"github.com/xnodehq/xnode-manager/lib/nix"
)

// Files inside a container's settings directory.
const (
	flakeFile       = "flake.nix"
	flakeLockFile   = "flake.lock"
	seedDirectory   = "xnode-config"
	hostPlatform    = "host-platform"
	hostnameFile    = "hostname"
	nspawnVariable  = "EXTRA_NSPAWN_FLAGS"
	networkZoneFlag = "--network-zone="
	bindFlag        = "--bind="
	nvidiaDevice    = "/dev/nvidia"
)

// nvidiaControlDevices are bound alongside any passed-through GPU.
var nvidiaControlDevices = []string{"/dev/nvidiactl", "/dev/nvidia-uvm", "/dev/nvidia-uvm-tools"}

// set brings a container to the declared configuration:
//
//  1. write flake.nix
//  2. update the requested flake inputs
//  3. seed xnode-config with host-parity metadata
//  4. build the system profile
//  5. write the nspawn conf file
//  6. create the state directory
//  7. reload-or-restart container@<id>
//
// The profile is built before the conf file and state directory
// exist, so a configuration that does not build leaves neither behind.
func (e *Engine) set(ctx context.Context, jobID job.ID, action SetAction, logger *slog.Logger) error {
	container := action.Container
	directory := e.settingsDirectory(container)

	if err := os.MkdirAll(directory, 0o755); err != nil {
		return &StepError{Step: "write flake", Err: &IOError{Op: "create", Path: directory, Err: err}}
	}
	flakePath := filepath.Join(directory, flakeFile)
	if err := fsutil.WriteAtomic(flakePath, []byte(action.Settings.Flake), 0o644); err != nil {
		return &StepError{Step: "write flake", Err: &IOError{Op: "write", Path: flakePath, Err: err}}
	}
	logger.Info("wrote container flake", "path", flakePath)

	if action.UpdateInputs != nil {
		if err := e.run(ctx, jobID, "update flake inputs", e.nix.FlakeUpdate(directory, *action.UpdateInputs)); err != nil {
			return err
		}
	}

	if err := e.seed(ctx, jobID, container); err != nil {
		return err
	}
	if err := e.build(ctx, jobID, container); err != nil {
		return err
	}
	if err := e.writeConf(container, action.Settings); err != nil {
		return err
	}
	if err := e.createState(container); err != nil {
		return err
	}
	return e.reload(ctx, jobID, container)
}

// update refreshes inputs of an existing container and rebuilds it
// without touching its conf file.
func (e *Engine) update(ctx context.Context, jobID job.ID, action UpdateAction, logger *slog.Logger) error {
	container := action.Container
	directory := e.settingsDirectory(container)

	flakePath := filepath.Join(directory, flakeFile)
	if _, err := os.Stat(flakePath); err != nil {
		return &StepError{Step: "update flake inputs", Err: &IOError{Op: "stat", Path: flakePath, Err: err}}
	}
	if err := e.run(ctx, jobID, "update flake inputs", e.nix.FlakeUpdate(directory, action.Inputs)); err != nil {
		return err
	}
	logger.Info("updated container flake inputs", "inputs", action.Inputs)

	if err := e.seed(ctx, jobID, container); err != nil {
		return err
	}
	if err := e.build(ctx, jobID, container); err != nil {
		return err
	}
	if err := e.createState(container); err != nil {
		return err
	}
	return e.reload(ctx, jobID, container)
}

// remove tears a container down. Every step after the service stop
// treats an already absent path as done, so removing a container that
// never existed succeeds.
func (e *Engine) remove(ctx context.Context, jobID job.ID, action RemoveAction, logger *slog.Logger) error {
	container := action.Container
	if action.Backup {
		logger.Info("backup requested; backups are taken outside xnode-manager")
	}

	// The unit may already be stopped or may never have existed.
	if err := e.run(ctx, jobID, "stop container service", e.systemctl("stop", container)); err != nil {
		logger.Warn("stopping container service failed, continuing", "error", err)
	}

	profile := e.profileDirectory(container)
	existed, err := fsutil.RemoveAll(profile)
	if err != nil {
		return &StepError{Step: "delete profile", Err: &IOError{Op: "remove", Path: profile, Err: err}}
	}
	if !existed {
		logger.Info("profile already absent", "path", profile)
	}

	if err := e.deleteState(ctx, jobID, container, logger); err != nil {
		return err
	}

	conf := e.confPath(container)
	if err := os.Remove(conf); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StepError{Step: "delete conf file", Err: &IOError{Op: "remove", Path: conf, Err: err}}
	}

	settings := e.settingsDirectory(container)
	if err := e.removeAll(settings); err != nil {
		return &StepError{Step: "delete settings", Err: &IOError{Op: "remove", Path: settings, Err: err}}
	}
	return nil
}

// deleteState clears the immutable flag nixos-containers set on
// var/empty and removes the state directory, retrying once when the
// first attempt races the flag change and sees a non-empty directory.
func (e *Engine) deleteState(ctx context.Context, jobID job.ID, container string, logger *slog.Logger) error {
	state := e.stateDirectory(container)

	chattr := command.Invocation{
		Program: e.tools.Chattr,
		Args:    []string{"-i", filepath.Join(state, "var", "empty")},
	}
	if err := e.run(ctx, jobID, "clear immutable flag", chattr); err != nil {
		logger.Warn("clearing immutable flag failed, continuing", "error", err)
	}

	err := e.removeAll(state)
	if errors.Is(err, unix.ENOTEMPTY) {
		logger.Info("state directory not empty on first removal, retrying", "path", state)
		err = e.removeAll(state)
	}
	if err != nil {
		return &StepError{Step: "delete state directory", Err: &IOError{Op: "remove", Path: state, Err: err}}
	}
	return nil
}

// seed writes the host-parity files the container flake reads from
// <settings>/<id>/xnode-config, then copies forward whatever the
// running container keeps in its own xnode-config, such as its state
// version.
func (e *Engine) seed(ctx context.Context, jobID job.ID, container string) error {
	const step = "seed xnode-config"
	destination := filepath.Join(e.settingsDirectory(container), seedDirectory)
	if err := os.MkdirAll(destination, 0o755); err != nil {
		return &StepError{Step: step, Err: &IOError{Op: "create", Path: destination, Err: err}}
	}

	machine, err := e.executor.Execute(ctx, jobID, command.Invocation{Program: e.tools.Uname, Args: []string{"-m"}}, command.Simple)
	if err != nil {
		return &StepError{Step: step, Err: fmt.Errorf("getting host platform: %w", err)}
	}
	platformPath := filepath.Join(destination, hostPlatform)
	platform := string(machine.TrimSpace().Bytes()) + "-linux"
	if err := os.WriteFile(platformPath, []byte(platform), 0o644); err != nil {
		return &StepError{Step: step, Err: &IOError{Op: "write", Path: platformPath, Err: err}}
	}

	hostnamePath := filepath.Join(destination, hostnameFile)
	if err := os.WriteFile(hostnamePath, []byte(container), 0o644); err != nil {
		return &StepError{Step: step, Err: &IOError{Op: "write", Path: hostnamePath, Err: err}}
	}

	source := filepath.Join(e.stateDirectory(container), seedDirectory)
	if err := fsutil.CopyDir(source, destination); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StepError{Step: step, Err: &IOError{Op: "copy", Path: source, Err: err}}
	}
	return nil
}

// build realizes the container's toplevel into its profile.
func (e *Engine) build(ctx context.Context, jobID job.ID, container string) error {
	profile := e.profileDirectory(container)
	if err := os.MkdirAll(profile, 0o755); err != nil {
		return &StepError{Step: "build profile", Err: &IOError{Op: "create", Path: profile, Err: err}}
	}
	invocation := e.nix.BuildProfile(filepath.Join(profile, "system"), e.settingsDirectory(container), nix.ContainerToplevel)
	return e.run(ctx, jobID, "build profile", invocation)
}

func (e *Engine) writeConf(container string, settings ContainerSettings) error {
	path := e.confPath(container)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &StepError{Step: "write conf file", Err: &IOError{Op: "create", Path: filepath.Dir(path), Err: err}}
	}
	if err := fsutil.WriteAtomic(path, []byte(renderConf(settings)), 0o644); err != nil {
		return &StepError{Step: "write conf file", Err: &IOError{Op: "write", Path: path, Err: err}}
	}
	return nil
}

func (e *Engine) createState(container string) error {
	path := filepath.Join(e.stateDirectory(container), seedDirectory)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return &StepError{Step: "create state directory", Err: &IOError{Op: "create", Path: path, Err: err}}
	}
	return nil
}

func (e *Engine) reload(ctx context.Context, jobID job.ID, container string) error {
	return e.run(ctx, jobID, "reload container service", e.systemctl("reload-or-restart", container))
}

func (e *Engine) systemctl(verb, container string) command.Invocation {
	return command.Invocation{
		Program: e.tools.Systemctl,
		Args:    []string{verb, "container@" + container},
	}
}

// renderConf produces the nixos-container conf file. Each flag is
// followed by a space, including the last.
func renderConf(settings ContainerSettings) string {
	var flags strings.Builder
	if settings.Network != nil {
		flags.WriteString(networkZoneFlag + *settings.Network + " ")
	}
	if len(settings.NvidiaGPUs) > 0 {
		for _, gpu := range settings.NvidiaGPUs {
			fmt.Fprintf(&flags, "%s%s%d ", bindFlag, nvidiaDevice, gpu)
		}
		for _, device := range nvidiaControlDevices {
			flags.WriteString(bindFlag + device + " ")
		}
	}
	if flags.Len() == 0 {
		return ""
	}
	return nspawnVariable + `="` + flags.String() + `"`
}
