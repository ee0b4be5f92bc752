// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for the xnode-manager
// binaries. Fatal is the one place that writes raw text to stderr: it
// runs when main() fails before (or instead of) the structured logger.
package process
