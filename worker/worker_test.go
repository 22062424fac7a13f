package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/youssefsiam38/aiopg/memory"
	"github.com/youssefsiam38/aiopg/storage"
	"github.com/youssefsiam38/aiopg/tool"
)

// fakeStore hands out one preloaded task and records completions and
// event rows.
type fakeStore struct {
	task *storage.Task

	successID     string
	successResult map[string]any
	failureID     string
	failureErr    string
	backoff       time.Duration

	events []memory.Event
}

func (f *fakeStore) InsertMemory(_ context.Context, ins storage.MemoryInsert) (string, error) {
	e, err := memory.ParseContent(ins.Content)
	if err != nil {
		return "", err
	}
	f.events = append(f.events, e)
	return "row", nil
}

func (f *fakeStore) SearchMemories(context.Context, []float32, storage.SearchOptions) ([]storage.MemoryRow, error) {
	return nil, nil
}

func (f *fakeStore) LatestPhrase(context.Context, bool) (string, error) {
	return "", storage.ErrNotFound
}

func (f *fakeStore) EventRows(context.Context) ([]storage.EventRow, error) { return nil, nil }
func (f *fakeStore) Ping(context.Context) error                           { return nil }

func (f *fakeStore) EnqueueTask(context.Context, storage.EnqueueParams) (string, error) {
	return "", nil
}

func (f *fakeStore) ClaimTask(context.Context, string, time.Duration) (*storage.Task, error) {
	task := f.task
	f.task = nil
	return task, nil
}

func (f *fakeStore) CompleteTaskSuccess(_ context.Context, id string, result map[string]any) error {
	f.successID = id
	f.successResult = result
	return nil
}

func (f *fakeStore) CompleteTaskFailure(_ context.Context, id string, taskErr string, backoff time.Duration) error {
	f.failureID = id
	f.failureErr = taskErr
	f.backoff = backoff
	return nil
}

func (f *fakeStore) GetTask(context.Context, string) (*storage.Task, error) {
	return nil, storage.ErrNotFound
}

func (f *fakeStore) eventTypes() []string {
	types := make([]string, len(f.events))
	for i, e := range f.events {
		types[i] = e.Type
	}
	return types
}

func newTestWorker(store *fakeStore) *Worker {
	return New(store, memory.NewLog(store), tool.DefaultRegistry(), Config{
		WorkerID: "test:1",
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
}

func TestProcessOneSuccess(t *testing.T) {
	store := &fakeStore{task: &storage.Task{
		ID:          "t1",
		Type:        storage.TaskToolCall,
		Payload:     map[string]any{"tool": "ping", "args": map[string]any{"message": "hi"}},
		Attempts:    1,
		MaxAttempts: 3,
		RunID:       "run-1",
	}}
	w := newTestWorker(store)

	worked, err := w.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if !worked {
		t.Fatal("expected worked=true")
	}

	if store.successID != "t1" {
		t.Errorf("successID = %q, want t1", store.successID)
	}
	if store.successResult["ok"] != true {
		t.Errorf("result missing ok: %+v", store.successResult)
	}
	if store.successResult["kind"] != storage.TaskToolCall {
		t.Errorf("result kind = %v, want tool.call", store.successResult["kind"])
	}
	if _, ok := store.successResult["took_ms"]; !ok {
		t.Errorf("result missing took_ms: %+v", store.successResult)
	}

	want := []string{memory.TypeTaskClaimed, "tool.call", "tool.call.result"}
	got := store.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
		if store.events[i].Source != memory.SourceWorker {
			t.Errorf("event %d source = %q, want worker", i, store.events[i].Source)
		}
		if store.events[i].RunID != "run-1" {
			t.Errorf("event %d run_id = %q, want run-1", i, store.events[i].RunID)
		}
	}

	claimed := store.events[0].Data
	payload, ok := claimed["payload"].(map[string]any)
	if !ok {
		t.Fatalf("claimed event missing payload: %+v", claimed)
	}
	if payload["tool"] != "ping" {
		t.Errorf("claimed payload = %+v, want the task payload", payload)
	}
}

func TestProcessOneEmptyQueue(t *testing.T) {
	store := &fakeStore{}
	w := newTestWorker(store)

	worked, err := w.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if worked {
		t.Error("expected worked=false on empty queue")
	}
	if len(store.events) != 0 {
		t.Errorf("no events expected, got %v", store.eventTypes())
	}
}

func TestProcessOneRetryableFailure(t *testing.T) {
	store := &fakeStore{task: &storage.Task{
		ID:          "t2",
		Type:        storage.TaskToolCall,
		Payload:     map[string]any{"tool": "no_such_tool"},
		Attempts:    2,
		MaxAttempts: 3,
	}}
	w := newTestWorker(store)

	worked, err := w.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if !worked {
		t.Fatal("expected worked=true")
	}

	if store.failureID != "t2" {
		t.Errorf("failureID = %q, want t2", store.failureID)
	}
	if store.backoff != 2*time.Second {
		t.Errorf("backoff = %v, want 2s after attempt 2", store.backoff)
	}

	got := store.eventTypes()
	if got[len(got)-1] != memory.TypeTaskFailed {
		t.Errorf("last event = %q, want task.failed", got[len(got)-1])
	}
}

func TestProcessOneTerminalFailure(t *testing.T) {
	store := &fakeStore{task: &storage.Task{
		ID:          "t3",
		Type:        "bogus.type",
		Attempts:    3,
		MaxAttempts: 3,
	}}
	w := newTestWorker(store)

	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}

	if !strings.Contains(store.failureErr, "unknown task type") {
		t.Errorf("failureErr = %q, want unknown task type", store.failureErr)
	}

	got := store.eventTypes()
	if got[len(got)-1] != memory.TypeTaskPermanentlyFailed {
		t.Errorf("last event = %q, want task.permanently_failed", got[len(got)-1])
	}
}

func TestDocBuildTask(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{task: &storage.Task{
		ID:   "t4",
		Type: storage.TaskDocBuild,
		Payload: map[string]any{
			"repo_path":   dir,
			"markdown":    "# Report\n\nAll systems nominal.",
			"name":        "status report",
			"render_html": true,
		},
		Attempts:    1,
		MaxAttempts: 3,
	}}
	w := newTestWorker(store)

	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if store.successID != "t4" {
		t.Fatalf("task did not succeed: last_error=%q", store.failureErr)
	}

	artifact, ok := store.successResult["artifact"].(map[string]any)
	if !ok {
		t.Fatalf("result missing artifact: %+v", store.successResult)
	}
	path, _ := artifact["path"].(string)
	if !strings.HasSuffix(path, ".md") || !strings.Contains(path, "status_report") {
		t.Errorf("unexpected artifact path: %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("artifact file missing: %v", err)
	}

	meta, _ := artifact["meta"].(map[string]any)
	htmlPath, _ := meta["html_path"].(string)
	if htmlPath == "" {
		t.Fatal("render_html did not record html_path")
	}
	html, err := os.ReadFile(htmlPath)
	if err != nil {
		t.Fatalf("read html: %v", err)
	}
	if !strings.Contains(string(html), "<h1") {
		t.Errorf("html missing heading: %s", html)
	}
}

func TestRepoChangeTask(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{task: &storage.Task{
		ID:   "t5",
		Type: storage.TaskRepoChange,
		Payload: map[string]any{
			"repo_path": dir,
			"patch":     "--- a/f.txt\n+++ b/f.txt\n@@ -1 +1 @@\n-old\n+new\n",
		},
		Attempts:    1,
		MaxAttempts: 3,
	}}
	w := newTestWorker(store)

	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if store.successID != "t5" {
		t.Fatalf("task did not succeed: last_error=%q", store.failureErr)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "artifacts", "patches", "*.patch"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one patch artifact, got %v (err %v)", matches, err)
	}
}

func TestRepoChangeTaskWithoutRepoPath(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	store := &fakeStore{task: &storage.Task{
		ID:   "t6",
		Type: storage.TaskRepoChange,
		Payload: map[string]any{
			"name":  "fix",
			"patch": "--- a/f.txt\n+++ b/f.txt\n@@ -1 +1 @@\n-old\n+new\n",
		},
		Attempts:    1,
		MaxAttempts: 3,
	}}
	w := newTestWorker(store)

	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if store.successID != "t6" {
		t.Fatalf("task did not succeed: last_error=%q", store.failureErr)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "artifacts", "patches", "*_fix.patch"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one patch artifact under the working directory, got %v (err %v)", matches, err)
	}
}

func TestRepoChangeTaskLegacyPatchText(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{task: &storage.Task{
		ID:   "t7",
		Type: storage.TaskRepoChange,
		Payload: map[string]any{
			"repo_path":  dir,
			"patch_text": "--- a/f.txt\n+++ b/f.txt\n@@ -1 +1 @@\n-old\n+new\n",
		},
		Attempts:    1,
		MaxAttempts: 3,
	}}
	w := newTestWorker(store)

	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if store.successID != "t7" {
		t.Fatalf("task did not succeed: last_error=%q", store.failureErr)
	}
}

func TestDocBuildTaskWithoutRepoPath(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	store := &fakeStore{task: &storage.Task{
		ID:   "t8",
		Type: storage.TaskDocBuild,
		Payload: map[string]any{
			"name":     "notes",
			"markdown": "# Notes\n",
		},
		Attempts:    1,
		MaxAttempts: 3,
	}}
	w := newTestWorker(store)

	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if store.successID != "t8" {
		t.Fatalf("task did not succeed: last_error=%q", store.failureErr)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "artifacts", "docs", "*_notes.md"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one doc artifact under the working directory, got %v (err %v)", matches, err)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range tests {
		if got := Backoff(tc.attempts); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestNormalizeResult(t *testing.T) {
	if got := normalizeResult(nil); len(got) != 0 {
		t.Errorf("nil: got %v, want empty map", got)
	}

	m := map[string]any{"a": 1}
	if got := normalizeResult(m); got["a"] != 1 {
		t.Errorf("map passthrough failed: %v", got)
	}

	got := normalizeResult("scalar")
	if got["value"] != "scalar" {
		t.Errorf("scalar wrap failed: %v", got)
	}

	// JSON round trip keeps the wrapped shape usable.
	b, _ := json.Marshal(normalizeResult(42))
	if string(b) != `{"value":42}` {
		t.Errorf("wrapped scalar serializes as %s", b)
	}
}
