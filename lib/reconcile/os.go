// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/xnodehq/xnode-manager/lib/command"
	"github.com/xnodehq/xnode-manager/lib/fsutil"
	"github.com/xnodehq/xnode-manager/lib/job"
)

// Files in the OS flake directory written by an OS change. The host's
// flake reads them as module options.
const (
	xnodeOwnerFile = "xnode-owner"
	domainFile     = "domain"
	acmeEmailFile  = "acme-email"
	userPasswdFile = "user-passwd"
)

// osFlakeOutput is the nixosConfigurations attribute the host
// switches to.
const osFlakeOutput = "xnode"

// ApplyOS reconfigures the host as one job. It is the OS action
// outside a batch.
func (e *Engine) ApplyOS(ctx context.Context, jobID job.ID, change OSChange) job.Result {
	return e.Apply(ctx, jobID, []Action{{OS: &change}})
}

func (e *Engine) applyOS(ctx context.Context, jobID job.ID, change OSChange, logger *slog.Logger) error {
	files := []struct {
		name  string
		value *string
	}{
		{flakeFile, change.Flake},
		{xnodeOwnerFile, change.XnodeOwner},
		{domainFile, change.Domain},
		{acmeEmailFile, change.AcmeEmail},
		{userPasswdFile, change.UserPasswd},
	}
	for _, file := range files {
		if file.value == nil {
			continue
		}
		path := filepath.Join(e.paths.OS, file.name)
		if err := fsutil.WriteAtomic(path, []byte(*file.value), 0o644); err != nil {
			return &StepError{Step: "write OS configuration", Err: &IOError{Op: "write", Path: path, Err: err}}
		}
		// user-passwd holds a password hash; only its name is logged.
		logger.Info("wrote OS configuration file", "path", path)
	}

	if change.UpdateInputs != nil {
		if err := e.run(ctx, jobID, "update OS flake inputs", e.nix.FlakeUpdate(e.paths.OS, *change.UpdateInputs)); err != nil {
			return err
		}
	}

	return e.run(ctx, jobID, "switch OS configuration", e.rebuild(change.AsChild))
}

// rebuild returns the nixos-rebuild switch invocation, wrapped in a
// transient systemd unit when the rebuild must outlive this process.
func (e *Engine) rebuild(asChild bool) command.Invocation {
	switchArgs := []string{"switch", "--flake", e.paths.OS + "#" + osFlakeOutput}
	if !asChild {
		return command.Invocation{Program: e.tools.NixosRebuild, Args: switchArgs}
	}
	args := append([]string{"--wait", "--collect", "--quiet", e.tools.NixosRebuild}, switchArgs...)
	return command.Invocation{Program: e.tools.SystemdRun, Args: args}
}
