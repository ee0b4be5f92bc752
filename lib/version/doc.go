// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the
// xnode-manager binaries.
//
// Version information is injected at build time via -ldflags, for example:
//
//	go build -ldflags "-X github.com/xnodehq/xnode-manager/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version
