// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconcile drives NixOS containers and the host OS toward a
// declared configuration.
//
// A request is a batch of [Action] values. [Validate] checks the batch
// synchronously so malformed input is rejected before a job exists;
// [Engine.Apply] then runs inside a job and executes each action's
// fixed sequence of filesystem writes and external commands, in order,
// stopping at the first failure. There is no rollback: a failed Set
// leaves whatever earlier steps wrote, and resubmitting the same action
// converges because every step is safe to repeat.
//
// A container is not an object held in memory. It is the union of
// artifacts on disk, each under its own root from [Paths]:
//
//	<ContainerSettings>/<id>/flake.nix       configuration flake (+ flake.lock)
//	<ContainerSettings>/<id>/xnode-config/   host-parity seed read by the flake
//	<ContainerConfig>/<id>.conf              nspawn flags for container@<id>
//	<ContainerState>/<id>/                   the container's mutable root
//	<ContainerProfile>/<id>/system           built system profile
//
// The engine reads this state back for the configuration endpoints and
// never caches it.
//
// By default reconciliations of the same container in different jobs
// may interleave. [EngineConfig.SerializeContainers] enables a
// per-container lock.
package reconcile
