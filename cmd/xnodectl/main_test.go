// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/xnodehq/xnode-manager/lib/job"
	"github.com/xnodehq/xnode-manager/lib/reconcile"
)

// fakeDaemon answers the routes xnodectl uses. Job 7 reports no result
// for the first pending polls.
type fakeDaemon struct {
	result  string
	pending int32

	mu       sync.Mutex
	received [][]reconcile.Action
	users    []string
	polls    atomic.Int32
}

func (f *fakeDaemon) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	f.mu.Lock()
	f.users = append(f.users, request.Header.Get(userHeader))
	f.mu.Unlock()

	writer.Header().Set("Content-Type", "application/json")
	switch {
	case request.Method == http.MethodPost && request.URL.Path == "/change":
		var actions []reconcile.Action
		if err := json.NewDecoder(request.Body).Decode(&actions); err != nil {
			writer.WriteHeader(http.StatusBadRequest)
			writer.Write([]byte(`{"error":"bad body"}`))
			return
		}
		f.mu.Lock()
		f.received = append(f.received, actions)
		f.mu.Unlock()
		writer.Write([]byte(`{"request_id":7}`))
	case request.URL.Path == "/request/info/7":
		if f.polls.Add(1) <= f.pending {
			writer.Write([]byte(`{"result":null,"commands":["1700000000000"]}`))
			return
		}
		writer.Write([]byte(`{"result":` + f.result + `,"commands":["1700000000000"]}`))
	case request.URL.Path == "/request/info/7/1700000000000":
		writer.Write([]byte(`{"command":"\"nix\" \"build\"","stdout":{"UTF8":{"output":""}},"stderr":{"UTF8":{"output":"done"}},"result":"0"}`))
	default:
		writer.WriteHeader(http.StatusNotFound)
		writer.Write([]byte(`{"error":"step 9 of job 7: not found"}`))
	}
}

// requests returns the batches and user headers seen so far.
func (f *fakeDaemon) requests() ([][]reconcile.Action, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received, f.users
}

func startDaemon(t *testing.T, daemon *fakeDaemon) string {
	t.Helper()
	server := httptest.NewServer(daemon)
	t.Cleanup(server.Close)
	return server.URL
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const actionsFile = `[
  // bring up the web container
  {"Set": {"container": "web1", "settings": {"flake": "{ }"},},},
  {"Remove": {"container": "old"}},
]`

func TestApply(t *testing.T) {
	t.Parallel()
	daemon := &fakeDaemon{result: `{"Success":{"body":null}}`}
	url := startDaemon(t, daemon)
	path := writeFile(t, "actions.jsonc", actionsFile)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"apply", path, "--url", url, "--user", "eth:ab"}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	var response map[string]job.ID
	if err := json.Unmarshal(stdout.Bytes(), &response); err != nil || response["request_id"] != 7 {
		t.Errorf("stdout = %q", stdout.String())
	}
	received, users := daemon.requests()
	if len(received) != 1 || len(received[0]) != 2 {
		t.Fatalf("received = %+v", received)
	}
	if received[0][0].Kind() != reconcile.KindSet || received[0][1].Container() != "old" {
		t.Errorf("actions = %+v", received[0])
	}
	if users[0] != "eth:ab" {
		t.Errorf("user header = %q", users[0])
	}
}

func TestApplyWait(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		daemon := &fakeDaemon{result: `{"Success":{"body":null}}`, pending: 2}
		url := startDaemon(t, daemon)
		path := writeFile(t, "actions.json", `[{"Remove":{"container":"old"}}]`)

		var stdout bytes.Buffer
		err := run(context.Background(), []string{"apply", path, "--url", url, "--wait", "--interval", "1ms"}, &stdout, &bytes.Buffer{})
		if err != nil {
			t.Fatalf("apply --wait: %v", err)
		}
		if daemon.polls.Load() != 3 {
			t.Errorf("polls = %d, want 3", daemon.polls.Load())
		}
		var status job.Status
		if err := json.Unmarshal(stdout.Bytes(), &status); err != nil || status.Result == nil || !status.Result.IsSuccess() {
			t.Errorf("stdout = %q", stdout.String())
		}
	})

	t.Run("failure exits 1", func(t *testing.T) {
		t.Parallel()
		daemon := &fakeDaemon{result: `{"Error":{"error":"action 0 (Remove old): boom"}}`}
		url := startDaemon(t, daemon)
		path := writeFile(t, "actions.json", `[{"Remove":{"container":"old"}}]`)

		var stdout bytes.Buffer
		err := run(context.Background(), []string{"apply", path, "--url", url, "--wait", "--interval", "1ms"}, &stdout, &bytes.Buffer{})
		var exitError *ExitError
		if !errors.As(err, &exitError) || exitError.Code != 1 {
			t.Fatalf("error = %v, want exit code 1", err)
		}
		if !strings.Contains(stdout.String(), "boom") {
			t.Errorf("stdout = %q, want the job error", stdout.String())
		}
	})
}

func TestApplyRejectsInvalidFile(t *testing.T) {
	t.Parallel()
	daemon := &fakeDaemon{}
	url := startDaemon(t, daemon)

	tests := []struct {
		name    string
		content string
	}{
		{"not json", `{{`},
		{"empty batch", `[]`},
		{"traversal", `[{"Remove":{"container":"../etc"}}]`},
	}
	for _, test := range tests {
		path := writeFile(t, "actions.json", test.content)
		if err := run(context.Background(), []string{"apply", path, "--url", url}, &bytes.Buffer{}, &bytes.Buffer{}); err == nil {
			t.Errorf("%s: apply succeeded", test.name)
		}
	}
	if received, _ := daemon.requests(); len(received) != 0 {
		t.Errorf("invalid files reached the daemon: %+v", received)
	}
}

func TestStatusAndStep(t *testing.T) {
	t.Parallel()
	daemon := &fakeDaemon{result: `{"Success":{"body":null}}`}
	url := startDaemon(t, daemon)

	var stdout bytes.Buffer
	if err := run(context.Background(), []string{"status", "7", "--url", url}, &stdout, &bytes.Buffer{}); err != nil {
		t.Fatalf("status: %v", err)
	}
	var status job.Status
	if err := json.Unmarshal(stdout.Bytes(), &status); err != nil || len(status.Commands) != 1 {
		t.Errorf("status stdout = %q", stdout.String())
	}

	stdout.Reset()
	if err := run(context.Background(), []string{"step", "7", "1700000000000", "--url", url}, &stdout, &bytes.Buffer{}); err != nil {
		t.Fatalf("step: %v", err)
	}
	var step job.Step
	if err := json.Unmarshal(stdout.Bytes(), &step); err != nil || step.Result == nil || *step.Result != "0" {
		t.Errorf("step stdout = %q", stdout.String())
	}

	err := run(context.Background(), []string{"step", "7", "9", "--url", url}, &bytes.Buffer{}, &bytes.Buffer{})
	var apiError *APIError
	if !errors.As(err, &apiError) || apiError.StatusCode != http.StatusNotFound || !strings.Contains(apiError.Message, "not found") {
		t.Errorf("error = %v, want a 404 APIError", err)
	}

	if err := run(context.Background(), []string{"status", "seven", "--url", url}, &bytes.Buffer{}, &bytes.Buffer{}); err == nil {
		t.Error("status accepted a non-numeric id")
	}
}

func TestHelpAndUnknownCommand(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	if err := run(context.Background(), []string{"--help"}, &bytes.Buffer{}, &stderr); err != nil {
		t.Fatalf("--help: %v", err)
	}
	for _, name := range []string{"apply", "status", "step"} {
		if !strings.Contains(stderr.String(), name) {
			t.Errorf("help does not list %s:\n%s", name, stderr.String())
		}
	}

	err := run(context.Background(), []string{"destroy"}, &bytes.Buffer{}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), `unknown command "destroy"`) {
		t.Errorf("error = %v", err)
	}

	stderr.Reset()
	if err := run(context.Background(), []string{"apply", "--help"}, &bytes.Buffer{}, &stderr); err != nil {
		t.Fatalf("apply --help: %v", err)
	}
	if !strings.Contains(stderr.String(), "--wait") {
		t.Errorf("apply help does not list --wait:\n%s", stderr.String())
	}
}
