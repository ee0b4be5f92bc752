// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"io"
	"os"
)

// Fatal writes "<name>: error: err" to stderr and exits with code 1.
// Use it in main() for errors returned from run().
func Fatal(name string, err error) {
	report(os.Stderr, name, err)
	os.Exit(1)
}

func report(w io.Writer, name string, err error) {
	fmt.Fprintf(w, "%s: error: %v\n", name, err)
}
