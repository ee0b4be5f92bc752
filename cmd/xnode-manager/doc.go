// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

// xnode-manager is the host daemon that reconciles NixOS containers and
// the host's own configuration. It serves an HTTP API, runs every
// mutating request as a background job, and records each command a job
// runs under the job's directory in the command stream.
//
// Configuration comes from a YAML file (--config or
// XNODE_MANAGER_CONFIG) and the environment. See lib/config.
package main
