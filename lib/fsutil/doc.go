// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

// Package fsutil holds the small filesystem operations shared by the
// job store and the reconciliation engine.
//
// WriteAtomic writes a file so that readers never see a partial
// record: the data goes to a temporary file in the same directory, is
// fsynced, and is renamed into place. Job results are written this way
// because a poller may read the result file at any moment.
//
// CopyDir copies a directory tree file by file. RemoveAll behaves like
// os.RemoveAll but reports whether anything was there to remove, so
// callers can log an already-satisfied deletion distinctly.
package fsutil
