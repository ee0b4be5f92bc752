// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

// Package nix builds invocations of the Nix CLI and resolves host tool
// binaries.
//
// xnode-manager never shells out through a string: every nix command is
// an argv built here and executed by a command.Recorder, so the step
// record shows exactly what ran. Tool binaries are resolved from an
// explicit package prefix when one is configured (the daemon's NixOS
// module passes store paths), then PATH, then the Determinate Nix
// profile directory.
package nix

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/xnodehq/xnode-manager/lib/command"
)

// determinateProfileBin is where Determinate Nix installs its binaries.
// This location is outside PATH by default, so we check it explicitly
// after the PATH lookup fails.
const determinateProfileBin = "/nix/var/nix/profiles/default/bin"

// ContainerToplevel is the flake output built into a container profile.
const ContainerToplevel = "nixosConfigurations.container.config.system.build.toplevel"

// FindBinary resolves a binary by name, checking PATH first and then
// the standard Determinate Nix installation directory. Returns the
// absolute path to the binary.
func FindBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	determinatePath := filepath.Join(determinateProfileBin, name)
	if _, err := os.Stat(determinatePath); err == nil {
		return determinatePath, nil
	}

	return "", fmt.Errorf("%s not found on PATH or at %s", name, determinatePath)
}

// Resolve returns the binary to run for name. A non-empty prefix is a
// directory that contains the binary and is used as is, without
// checking that the file exists. Otherwise FindBinary is consulted, and
// when that fails the bare name is returned so the failure surfaces as
// a launch error on the step that needs it.
func Resolve(prefix, name string) string {
	if prefix != "" {
		return filepath.Join(prefix, name)
	}
	if path, err := FindBinary(name); err == nil {
		return path
	}
	return name
}

// CLI builds nix invocations against one nix binary. The zero value
// uses "nix" from PATH and lets nix pick its own build parallelism.
type CLI struct {
	// Binary is the nix executable.
	Binary string

	// BuildCores is exported as NIX_BUILD_CORES to builds. Zero leaves
	// it unset.
	BuildCores int
}

func (c CLI) binary() string {
	if c.Binary == "" {
		return "nix"
	}
	return c.Binary
}

// daemonEnvironment routes store access through nix-daemon, which the
// daemon's own sandboxing requires.
func daemonEnvironment() map[string]string {
	return map[string]string{"NIX_REMOTE": "daemon"}
}

// FlakeUpdate updates the named inputs of the flake in directory. With
// no inputs every input is updated.
func (c CLI) FlakeUpdate(directory string, inputs []string) command.Invocation {
	args := []string{"flake", "update"}
	args = append(args, inputs...)
	args = append(args, "--flake", directory)
	return command.Invocation{
		Program: c.binary(),
		Args:    args,
		Env:     daemonEnvironment(),
	}
}

// BuildProfile builds flakeRef#attribute and points profile at the
// result.
func (c CLI) BuildProfile(profile, flakeRef, attribute string) command.Invocation {
	env := daemonEnvironment()
	if c.BuildCores > 0 {
		env["NIX_BUILD_CORES"] = strconv.Itoa(c.BuildCores)
	}
	return command.Invocation{
		Program: c.binary(),
		Args:    []string{"build", "--profile", profile, flakeRef + "#" + attribute},
		Env:     env,
	}
}

// FlakeMetadata queries the locked metadata of flake as JSON, always
// refreshing from the source and never writing a lock file.
func (c CLI) FlakeMetadata(flake string) command.Invocation {
	return command.Invocation{
		Program: c.binary(),
		Args:    []string{"flake", "metadata", flake, "--json", "--no-use-registries", "--refresh", "--no-write-lock-file"},
		Env:     daemonEnvironment(),
	}
}
