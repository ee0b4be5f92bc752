// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the HTTP scaffolding shared by the daemon's
// handlers: a TCP server with graceful shutdown ([HTTPServer]), JSON
// response helpers that produce the {"error": ...} envelope, bounded
// request decoding, and request logging middleware.
//
// Handlers compose these in their own router rather than subclassing a
// framework. The package provides building blocks, not a runtime.
package service
