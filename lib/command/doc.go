// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

// Package command runs external host tools on behalf of jobs.
//
// Every mutation xnode-manager performs on the host goes through an
// external program: nix, systemctl, chattr, nixos-rebuild. [Recorder]
// is the single place those programs are launched. It runs in one of
// two modes, chosen explicitly by the caller on every call:
//
//   - [Simple] captures stdout and stderr in memory and leaves no
//     durable trace. Used for auxiliary queries (uname, flake
//     metadata, journal reads).
//
//   - [Stream] records the command as a step of a job. The step's
//     directory under the job store receives the rendered argv before
//     the process starts, the live stdout and stderr while it runs,
//     and a one-byte outcome marker after it exits. A client polling
//     the job can read a long nix build's output as it is produced.
//
// Failures are classified: [*LaunchError] when the process could not be
// started at all, [*ExitError] when it ran and exited non-zero (with
// its captured stderr). Output that is not valid UTF-8 never fails a
// command; see package output.
package command
