// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAtomic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "result")
	if err := WriteAtomic(path, []byte(`{"Success":{"body":null}}`), 0o644); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != `{"Success":{"body":null}}` {
		t.Errorf("content = %q", data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("permissions = %04o, want 0644", info.Mode().Perm())
	}
}

func TestWriteAtomic_OverwritesExisting(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "result")
	if err := WriteAtomic(path, []byte("first"), 0o600); err != nil {
		t.Fatalf("WriteAtomic first: %v", err)
	}
	if err := WriteAtomic(path, []byte("second"), 0o600); err != nil {
		t.Fatalf("WriteAtomic second: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q, want %q", data, "second")
	}
}

func TestWriteAtomic_NoTemporaryFileLeftBehind(t *testing.T) {
	t.Parallel()

	directory := t.TempDir()
	path := filepath.Join(directory, "result")
	if err := WriteAtomic(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary file still exists after successful write")
	}
}

func TestWriteAtomic_MissingParent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing", "result")
	if err := WriteAtomic(path, []byte("x"), 0o600); err == nil {
		t.Fatal("expected error when parent directory does not exist")
	}
}

func TestCopyDir(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	destination := filepath.Join(t.TempDir(), "out")

	if err := os.WriteFile(filepath.Join(source, "state-version"), []byte("24.11"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(source, "nested", "deeper"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "nested", "deeper", "file"), []byte("payload"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := CopyDir(source, destination); err != nil {
		t.Fatalf("CopyDir: %v", err)
	}

	for path, want := range map[string]string{
		"state-version":      "24.11",
		"nested/deeper/file": "payload",
	} {
		data, err := os.ReadFile(filepath.Join(destination, path))
		if err != nil {
			t.Errorf("reading %s: %v", path, err)
			continue
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", path, data, want)
		}
	}
}

func TestCopyDir_MissingSource(t *testing.T) {
	t.Parallel()

	err := CopyDir(filepath.Join(t.TempDir(), "absent"), filepath.Join(t.TempDir(), "out"))
	if !os.IsNotExist(err) {
		t.Errorf("CopyDir error = %v, want not-exist", err)
	}
}

func TestRemoveAll(t *testing.T) {
	t.Parallel()

	directory := filepath.Join(t.TempDir(), "profile")
	if err := os.MkdirAll(filepath.Join(directory, "system"), 0o755); err != nil {
		t.Fatal(err)
	}

	existed, err := RemoveAll(directory)
	if err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if !existed {
		t.Error("existed = false for a present directory")
	}
	if _, err := os.Stat(directory); !os.IsNotExist(err) {
		t.Error("directory still present after RemoveAll")
	}

	existed, err = RemoveAll(directory)
	if err != nil {
		t.Fatalf("RemoveAll on absent path: %v", err)
	}
	if existed {
		t.Error("existed = true for an absent directory")
	}
}
