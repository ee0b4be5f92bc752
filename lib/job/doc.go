// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

// Package job tracks asynchronous units of host work.
//
// Every mutating API call (container change, container removal, OS
// reconfiguration, unit control) is potentially slow, so the HTTP layer
// hands the work to a Tracker and returns the job ID immediately. The
// caller polls Status until a Result appears.
//
// # Durable layout
//
// The Tracker owns one directory tree under its root:
//
//	<root>/<id>/result            JSON Result, written once
//	<root>/<id>/<key>/command     rendered argv of one step
//	<root>/<id>/<key>/stdout      raw stdout bytes
//	<root>/<id>/<key>/stderr      raw stderr bytes
//	<root>/<id>/<key>/outcome     "0" (success) or "1" (failure)
//
// Step keys are Unix milliseconds, so lexical-by-number order is
// chronological order. The step files are produced by lib/command; this
// package only reads them back.
//
// # IDs
//
// IDs are allocated under a mutex. The first allocation after startup
// scans the root for the highest existing numeric entry, so IDs stay
// strictly increasing across restarts.
//
// # Execution
//
// Run executes the work function on its own goroutine. A panic inside
// the work function is recovered and recorded as an Error result; it
// never takes down the daemon. There is no cancellation: a job runs
// until its work function returns.
package job
