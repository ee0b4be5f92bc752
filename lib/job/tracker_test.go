// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xnodehq/xnode-manager/lib/output"
	"github.com/xnodehq/xnode-manager/lib/testutil"
)

func newTestTracker(t *testing.T, root string, maxConcurrent int) *Tracker {
	t.Helper()
	return NewTracker(TrackerConfig{
		Root:          root,
		MaxConcurrent: maxConcurrent,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// --- Allocate ---

func TestAllocate_StartsAtOneOnEmptyStore(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(t, filepath.Join(t.TempDir(), "commandstream"), 0)
	for want := ID(1); want <= 3; want++ {
		got, err := tracker.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if got != want {
			t.Errorf("Allocate() = %d, want %d", got, want)
		}
	}
}

func TestAllocate_SeedsFromExistingRecords(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	for _, name := range []string{"3", "17", "9", "not-a-job", "42x"} {
		if err := os.MkdirAll(filepath.Join(root, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	// Stray files with numeric names still count as used IDs.
	if err := os.WriteFile(filepath.Join(root, "20"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tracker := newTestTracker(t, root, 0)
	got, err := tracker.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got != 21 {
		t.Errorf("Allocate() = %d, want 21", got)
	}
}

func TestAllocate_StrictlyIncreasingAcrossRestart(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	first := newTestTracker(t, root, 0)

	var issued []ID
	for i := 0; i < 3; i++ {
		id, err := first.Submit(func(context.Context, ID) Result { return Succeeded() })
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		issued = append(issued, id)
	}
	first.Wait()

	// A new tracker on the same root simulates a daemon restart.
	restarted := newTestTracker(t, root, 0)
	for i := 0; i < 3; i++ {
		id, err := restarted.Allocate()
		if err != nil {
			t.Fatalf("Allocate after restart: %v", err)
		}
		issued = append(issued, id)
	}

	for index := 1; index < len(issued); index++ {
		if issued[index] <= issued[index-1] {
			t.Fatalf("ids not strictly increasing: %v", issued)
		}
	}
}

func TestAllocate_ConcurrentCallersGetDistinctIDs(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(t, t.TempDir(), 0)

	const callers = 64
	ids := make([]ID, callers)
	var wg sync.WaitGroup
	for index := 0; index < callers; index++ {
		index := index
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := tracker.Allocate()
			if err != nil {
				t.Errorf("Allocate: %v", err)
				return
			}
			ids[index] = id
		}()
	}
	wg.Wait()

	seen := make(map[ID]bool, callers)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d in %v", id, ids)
		}
		seen[id] = true
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if ids[0] != 1 || ids[callers-1] != callers {
		t.Errorf("ids span %d..%d, want 1..%d", ids[0], ids[callers-1], callers)
	}
}

func TestAllocate_ExhaustedIDSpace(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "4294967295"), 0o755); err != nil {
		t.Fatal(err)
	}
	tracker := newTestTracker(t, root, 0)
	if _, err := tracker.Allocate(); err == nil {
		t.Fatal("Allocate succeeded with the id space exhausted")
	}
}

// --- Run / Status ---

func TestRun_StatusBeforeAndAfterCompletion(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(t, t.TempDir(), 0)
	started := make(chan struct{})
	release := make(chan struct{})

	id, err := tracker.Submit(func(ctx context.Context, id ID) Result {
		close(started)
		<-release
		return SucceededWith("done")
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testutil.RequireClosed(t, started, 5*time.Second, "waiting for work to start")

	status, err := tracker.Status(id)
	if err != nil {
		t.Fatalf("Status while running: %v", err)
	}
	if status.Result != nil {
		t.Fatalf("Result = %v while work is blocked, want nil", status.Result)
	}

	close(release)
	tracker.Wait()

	for i := 0; i < 2; i++ {
		status, err = tracker.Status(id)
		if err != nil {
			t.Fatalf("Status after completion: %v", err)
		}
		if status.Result == nil || !status.Result.IsSuccess() {
			t.Fatalf("Result = %v, want success", status.Result)
		}
		if body := status.Result.Success.Body; body == nil || *body != "done" {
			t.Errorf("Body = %v, want %q", body, "done")
		}
	}
}

func TestRun_CreatesJobDirectoryBeforeDispatch(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	tracker := newTestTracker(t, root, 0)
	release := make(chan struct{})

	id, err := tracker.Submit(func(context.Context, ID) Result {
		<-release
		return Succeeded()
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if info, err := os.Stat(filepath.Join(root, id.String())); err != nil || !info.IsDir() {
		t.Errorf("job directory missing right after Submit: %v", err)
	}
	close(release)
	tracker.Wait()
}

func TestRun_PanicBecomesErrorResult(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(t, t.TempDir(), 0)
	id, err := tracker.Submit(func(context.Context, ID) Result {
		panic("profile directory vanished")
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	tracker.Wait()

	status, err := tracker.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Result == nil || status.Result.Error == nil {
		t.Fatalf("Result = %v, want Error", status.Result)
	}
	if want := "profile directory vanished"; !strings.Contains(status.Result.Error.Message, want) {
		t.Errorf("message = %q, want it to contain %q", status.Result.Error.Message, want)
	}
}

func TestRun_ZeroResultBecomesError(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(t, t.TempDir(), 0)
	id, err := tracker.Submit(func(context.Context, ID) Result { return Result{} })
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	tracker.Wait()

	status, _ := tracker.Status(id)
	if status.Result == nil || status.Result.Error == nil {
		t.Fatalf("Result = %v, want Error", status.Result)
	}
}

func TestRun_RejectsSecondDispatchOfSameID(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(t, t.TempDir(), 0)
	id, err := tracker.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	work := func(context.Context, ID) Result { return Succeeded() }
	if err := tracker.Run(id, work); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := tracker.Run(id, work); err == nil {
		t.Fatal("second Run of the same id succeeded")
	}
	tracker.Wait()
}

func TestRun_ResultWriteFailureLeavesNoResult(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	tracker := newTestTracker(t, root, 0)
	id, err := tracker.Submit(func(ctx context.Context, id ID) Result {
		// Occupy the result path with a directory so the rename fails.
		if err := os.Mkdir(filepath.Join(root, id.String(), ResultFile), 0o755); err != nil {
			t.Errorf("occupying result path: %v", err)
		}
		return Succeeded()
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	tracker.Wait()

	status, err := tracker.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Result != nil {
		t.Errorf("Result = %v, want nil after failed write", status.Result)
	}
}

func TestRun_MaxConcurrentLimitsParallelWork(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(t, t.TempDir(), 1)
	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	secondStarted := make(chan struct{})

	if _, err := tracker.Submit(func(context.Context, ID) Result {
		close(firstStarted)
		<-releaseFirst
		return Succeeded()
	}); err != nil {
		t.Fatal(err)
	}
	testutil.RequireClosed(t, firstStarted, 5*time.Second, "first job start")

	// Submit must return even though no slot is free.
	if _, err := tracker.Submit(func(context.Context, ID) Result {
		close(secondStarted)
		return Succeeded()
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-secondStarted:
		t.Fatal("second job started while the only slot was held")
	default:
	}

	close(releaseFirst)
	testutil.RequireClosed(t, secondStarted, 5*time.Second, "second job start")
	tracker.Wait()
}

func TestStatus_UnknownJob(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(t, t.TempDir(), 0)
	status, err := tracker.Status(999)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Result != nil || len(status.Commands) != 0 {
		t.Errorf("Status = %+v, want empty", status)
	}

	data, err := json.Marshal(status)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"result":null,"commands":[]}` {
		t.Errorf("JSON = %s", data)
	}
}

func TestStatus_StepsWithoutResultAndNumericOrdering(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	for _, key := range []string{"1700000000999", "999", "1700000000100"} {
		if err := os.MkdirAll(filepath.Join(root, "5", key), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	tracker := newTestTracker(t, root, 0)
	status, err := tracker.Status(5)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Result != nil {
		t.Errorf("Result = %v, want nil", status.Result)
	}
	want := []string{"999", "1700000000100", "1700000000999"}
	if len(status.Commands) != len(want) {
		t.Fatalf("Commands = %v, want %v", status.Commands, want)
	}
	for index := range want {
		if status.Commands[index] != want[index] {
			t.Errorf("Commands = %v, want %v", status.Commands, want)
			break
		}
	}
}

func TestStatus_CorruptResultIsIgnored(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "2"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "2", ResultFile), []byte(`{"Success":{},"Error":{"error":"x"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	status, err := newTestTracker(t, root, 0).Status(2)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Result != nil {
		t.Errorf("Result = %v, want nil for a corrupt record", status.Result)
	}
}

// --- Step ---

func writeStep(t *testing.T, root string, id ID, key string, files map[string][]byte) {
	t.Helper()
	directory := filepath.Join(root, id.String(), key)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(directory, name), content, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestStep_ReadsRecords(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeStep(t, root, 4, "1700000000000", map[string][]byte{
		CommandFile: []byte(`"systemctl" "reload-or-restart" "container@web1"`),
		StdoutFile:  []byte("ok\n"),
		StderrFile:  {0xff, 0x00},
		OutcomeFile: []byte(OutcomeSuccess),
	})

	step, err := newTestTracker(t, root, 0).Step(4, "1700000000000")
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if step.Command != `"systemctl" "reload-or-restart" "container@web1"` {
		t.Errorf("Command = %q", step.Command)
	}
	if text, ok := step.Stdout.Text(); !ok || text != "ok\n" {
		t.Errorf("Stdout = %v", step.Stdout)
	}
	if step.Stderr.Kind() != output.Bytes {
		t.Errorf("Stderr kind = %v, want Bytes", step.Stderr.Kind())
	}
	if step.Result == nil || *step.Result != OutcomeSuccess {
		t.Errorf("Result = %v, want %q", step.Result, OutcomeSuccess)
	}
}

func TestStep_RunningStepHasNoOutcome(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeStep(t, root, 4, "1", map[string][]byte{
		CommandFile: []byte(`"nix" "build"`),
		StdoutFile:  nil,
		StderrFile:  []byte("building...\n"),
	})

	step, err := newTestTracker(t, root, 0).Step(4, "1")
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if step.Result != nil {
		t.Errorf("Result = %q, want nil", *step.Result)
	}
}

func TestStep_NotFound(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeStep(t, root, 4, "partial", map[string][]byte{
		CommandFile: []byte(`"nix"`),
	})
	tracker := newTestTracker(t, root, 0)

	for _, name := range []string{"missing", "partial", "..", "../4", ""} {
		_, err := tracker.Step(4, name)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Step(4, %q) error = %v, want ErrNotFound", name, err)
		}
	}
	if _, err := tracker.Step(77, "1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Step on unknown job error = %v, want ErrNotFound", err)
	}
}
