// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

// xnodectl submits action batches to an xnode-manager daemon and reads
// back job status and recorded steps.
//
//	xnodectl apply actions.jsonc --wait
//	xnodectl status 12
//	xnodectl step 12 1739982933000
//
// Action files are JSON arrays of externally tagged actions. Comments
// and trailing commas are accepted.
package main
