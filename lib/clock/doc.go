// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Step records are keyed by the wall-clock millisecond at which they
// start, so anything that names a record on disk takes a Clock instead
// of calling time.Now directly. Production code passes Real(); tests
// pass Fake() and move time explicitly with Advance or Set, which makes
// step keys deterministic.
package clock
