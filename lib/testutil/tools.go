// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// WriteScript writes an executable /bin/sh script named name into
// directory and returns its path. body is inserted after the shebang.
func WriteScript(t *testing.T, directory, name, body string) string {
	t.Helper()
	path := filepath.Join(directory, name)
	content := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("writing script %s: %v", path, err)
	}
	return path
}

// FakeTools is a directory of fake host tools that log their argv.
type FakeTools struct {
	// Directory holds the scripts.
	Directory string

	// LogPath receives one line per invocation: the tool name followed
	// by its arguments, space separated.
	LogPath string

	t *testing.T
}

// NewFakeTools creates an empty fake tool directory.
func NewFakeTools(t *testing.T) *FakeTools {
	t.Helper()
	directory := t.TempDir()
	return &FakeTools{
		Directory: directory,
		LogPath:   filepath.Join(directory, "invocations.log"),
		t:         t,
	}
}

// Add writes a tool script that logs its invocation and then runs
// body. Use "exit 1" in body to simulate failure. Returns the script
// path.
func (f *FakeTools) Add(name, body string) string {
	f.t.Helper()
	logLine := `echo "` + name + ` $*" >> "` + f.LogPath + `"`
	return WriteScript(f.t, f.Directory, name, logLine+"\n"+body)
}

// Invocations returns the logged invocation lines in order.
func (f *FakeTools) Invocations() []string {
	f.t.Helper()
	data, err := os.ReadFile(f.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		f.t.Fatalf("reading invocation log: %v", err)
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// InvocationsOf returns the logged lines for one tool.
func (f *FakeTools) InvocationsOf(name string) []string {
	f.t.Helper()
	var lines []string
	for _, line := range f.Invocations() {
		if line == name || strings.HasPrefix(line, name+" ") {
			lines = append(lines, line)
		}
	}
	return lines
}
