// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"testing"
)

func TestReport(t *testing.T) {
	var buffer bytes.Buffer
	report(&buffer, "xnode-manager", errors.New("listening on :34391: address in use"))

	want := "xnode-manager: error: listening on :34391: address in use\n"
	if buffer.String() != want {
		t.Errorf("report wrote %q, want %q", buffer.String(), want)
	}
}
