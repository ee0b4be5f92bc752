// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the xnode-manager daemon configuration.
//
// Values are layered in a fixed order:
//
//  1. [Default], which matches the NixOS module's defaults.
//  2. A YAML file named by [Options].Path or XNODE_MANAGER_CONFIG.
//     Without either, defaults are used alone.
//  3. The environment variables the daemon's systemd unit sets
//     (HOSTNAME, PORT, OWNER, DATADIR, OSDIR, COMMANDSTREAM,
//     CONTAINERSETTINGS, CONTAINERSTATE, CONTAINERPROFILE,
//     CONTAINERCONFIG, NIX, SYSTEMD, E2FSPROGS, BUILDCORES).
//  4. ${VAR} and ${VAR:-default} expansion in paths, where ${DATADIR}
//     is the resolved data directory.
//
// An optional dotenv file ([Options].EnvFile) is loaded into the
// process environment before step 2.
//
// [Config].EngineTools and [Config].EnginePaths translate the result
// into the reconciliation engine's configuration.
package config
