// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireClosed] encapsulates the timeout safety
// valve pattern (select with time.After fallback) so that individual
// tests do not need direct time.After calls.
//
// [WriteScript] and [FakeTools] build stand-ins for the external host
// tools (nix, systemctl, chattr, uname, ...) as small /bin/sh scripts.
// Every invocation appends its argv to a shared log file so tests can
// assert on exactly which commands ran, in which order.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
