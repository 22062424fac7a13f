package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/youssefsiam38/aiopg/internal/testutil"
)

func newTestStore(t *testing.T) (*Postgres, context.Context) {
	t.Helper()

	db := testutil.NewTestDB(t)
	t.Cleanup(db.Close)

	ctx := context.Background()
	store, err := NewPostgres(ctx, Config{Pool: db.Pool, RunMigrations: true})
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	if err := db.CleanTables(ctx); err != nil {
		t.Fatalf("CleanTables: %v", err)
	}
	return store, ctx
}

func unitVec(dim, axis int) []float32 {
	vec := make([]float32, dim)
	vec[axis] = 1
	return vec
}

func TestInsertMemoryDimensionCheck(t *testing.T) {
	store, ctx := newTestStore(t)

	_, err := store.InsertMemory(ctx, MemoryInsert{
		Source:    "orchestrator",
		Content:   "bad dim",
		Embedding: []float32{1, 2, 3},
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestSearchMemories(t *testing.T) {
	store, ctx := newTestStore(t)
	dim := store.EmbedDim()

	near := unitVec(dim, 0)
	far := unitVec(dim, 1)

	if _, err := store.InsertMemory(ctx, MemoryInsert{Source: "orchestrator", Content: "near", Embedding: near}); err != nil {
		t.Fatalf("InsertMemory: %v", err)
	}
	if _, err := store.InsertMemory(ctx, MemoryInsert{Source: "orchestrator", Content: "far", Embedding: far}); err != nil {
		t.Fatalf("InsertMemory: %v", err)
	}
	// Rows without embeddings never match.
	if _, err := store.InsertMemory(ctx, MemoryInsert{Source: "orchestrator", Content: "no embedding"}); err != nil {
		t.Fatalf("InsertMemory: %v", err)
	}
	// Tool rows are excluded unless IncludeTools.
	if _, err := store.InsertMemory(ctx, MemoryInsert{Source: "worker", Content: "tool row", Embedding: near, Tool: "ping"}); err != nil {
		t.Fatalf("InsertMemory: %v", err)
	}

	rows, err := store.SearchMemories(ctx, near, SearchOptions{TopK: 10, MinSimilarity: 0.5})
	if err != nil {
		t.Fatalf("SearchMemories: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1: %+v", len(rows), rows)
	}
	if rows[0].Content != "near" {
		t.Errorf("content = %q, want near", rows[0].Content)
	}
	if rows[0].CosineSim < 0.99 {
		t.Errorf("cosine_sim = %v, want ~1", rows[0].CosineSim)
	}

	rows, err = store.SearchMemories(ctx, near, SearchOptions{TopK: 10, MinSimilarity: 0.5, IncludeTools: true})
	if err != nil {
		t.Fatalf("SearchMemories: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("with IncludeTools: got %d rows, want 2", len(rows))
	}
}

func TestLatestPhrase(t *testing.T) {
	store, ctx := newTestStore(t)

	if _, err := store.LatestPhrase(ctx, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("fresh store: err = %v, want ErrNotFound", err)
	}

	if _, err := store.InsertMemory(ctx, MemoryInsert{Source: "orchestrator", Content: "PHRASE: first"}); err != nil {
		t.Fatalf("InsertMemory: %v", err)
	}
	if _, err := store.InsertMemory(ctx, MemoryInsert{Source: "orchestrator", Content: "PHRASE: second"}); err != nil {
		t.Fatalf("InsertMemory: %v", err)
	}

	phrase, err := store.LatestPhrase(ctx, false)
	if err != nil {
		t.Fatalf("LatestPhrase: %v", err)
	}
	if phrase != "second" {
		t.Errorf("phrase = %q, want second", phrase)
	}
}

func TestEnqueueClaimComplete(t *testing.T) {
	store, ctx := newTestStore(t)

	id, err := store.EnqueueTask(ctx, EnqueueParams{
		Type:    TaskToolCall,
		Payload: map[string]any{"tool": "ping"},
	})
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	task, err := store.ClaimTask(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if task == nil {
		t.Fatal("expected a claimed task")
	}
	if task.ID != id {
		t.Errorf("claimed %s, want %s", task.ID, id)
	}
	if task.Status != TaskRunning {
		t.Errorf("status = %s, want running", task.Status)
	}
	if task.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", task.Attempts)
	}
	if task.LockedBy == nil || *task.LockedBy != "w1" {
		t.Errorf("locked_by = %v, want w1", task.LockedBy)
	}

	// Locked tasks are not claimable by others.
	other, err := store.ClaimTask(ctx, "w2", time.Minute)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if other != nil {
		t.Errorf("locked task was claimed again: %+v", other)
	}

	if err := store.CompleteTaskSuccess(ctx, task.ID, map[string]any{"ok": true}); err != nil {
		t.Fatalf("CompleteTaskSuccess: %v", err)
	}

	done, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if done.Status != TaskSucceeded {
		t.Errorf("status = %s, want succeeded", done.Status)
	}
	if done.LockedBy != nil || done.LockExpiresAt != nil {
		t.Error("lease must be cleared on success")
	}
}

func TestClaimConcurrentSingleWinner(t *testing.T) {
	store, ctx := newTestStore(t)

	id, err := store.EnqueueTask(ctx, EnqueueParams{
		Type:    TaskToolCall,
		Payload: map[string]any{"tool": "ping"},
	})
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	claimed := make(chan *Task, workers)
	errs := make(chan error, workers)
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			task, err := store.ClaimTask(ctx, fmt.Sprintf("w%d", n), time.Minute)
			if err != nil {
				errs <- err
				return
			}
			if task != nil {
				claimed <- task
			}
		}(i)
	}
	close(start)
	wg.Wait()
	close(claimed)
	close(errs)

	for err := range errs {
		t.Fatalf("ClaimTask: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("task claimed %d times, want exactly once", len(claimed))
	}

	task := <-claimed
	if task.ID != id {
		t.Errorf("claimed %s, want %s", task.ID, id)
	}
	if task.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 after a single concurrent claim", task.Attempts)
	}
}

func TestClaimPriorityOrder(t *testing.T) {
	store, ctx := newTestStore(t)

	if _, err := store.EnqueueTask(ctx, EnqueueParams{Type: TaskToolCall, Priority: 20}); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	urgent, err := store.EnqueueTask(ctx, EnqueueParams{Type: TaskToolCall, Priority: 1})
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	task, err := store.ClaimTask(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if task == nil || task.ID != urgent {
		t.Errorf("claimed %+v, want lower-priority-value task %s first", task, urgent)
	}
}

func TestFailureRequeueAndTerminal(t *testing.T) {
	store, ctx := newTestStore(t)

	id, err := store.EnqueueTask(ctx, EnqueueParams{Type: TaskToolCall, MaxAttempts: 2})
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	// Attempt 1: fail with zero backoff so it is immediately eligible.
	task, err := store.ClaimTask(ctx, "w1", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("ClaimTask: task=%v err=%v", task, err)
	}
	if err := store.CompleteTaskFailure(ctx, id, "boom", 0); err != nil {
		t.Fatalf("CompleteTaskFailure: %v", err)
	}

	requeued, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if requeued.Status != TaskQueued {
		t.Errorf("status = %s, want queued after first failure", requeued.Status)
	}
	if requeued.LastError == nil || *requeued.LastError != "boom" {
		t.Errorf("last_error = %v, want boom", requeued.LastError)
	}

	// Attempt 2: final failure is terminal.
	task, err = store.ClaimTask(ctx, "w1", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("ClaimTask: task=%v err=%v", task, err)
	}
	if task.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", task.Attempts)
	}
	if err := store.CompleteTaskFailure(ctx, id, "boom again", 0); err != nil {
		t.Fatalf("CompleteTaskFailure: %v", err)
	}

	final, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if final.Status != TaskFailed {
		t.Errorf("status = %s, want failed", final.Status)
	}

	// Terminal tasks are never claimable.
	task, err = store.ClaimTask(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if task != nil {
		t.Errorf("terminal task was claimed: %+v", task)
	}
}

func TestBackoffDelaysEligibility(t *testing.T) {
	store, ctx := newTestStore(t)

	id, err := store.EnqueueTask(ctx, EnqueueParams{Type: TaskToolCall})
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	if _, err := store.ClaimTask(ctx, "w1", time.Minute); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if err := store.CompleteTaskFailure(ctx, id, "transient", time.Hour); err != nil {
		t.Fatalf("CompleteTaskFailure: %v", err)
	}

	task, err := store.ClaimTask(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if task != nil {
		t.Errorf("backed-off task was claimed early: %+v", task)
	}
}

func TestLeaseExpiryReclaim(t *testing.T) {
	store, ctx := newTestStore(t)

	id, err := store.EnqueueTask(ctx, EnqueueParams{Type: TaskToolCall})
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	// Claim with a lease that expires immediately, simulating a dead worker.
	task, err := store.ClaimTask(ctx, "w1", -time.Second)
	if err != nil || task == nil {
		t.Fatalf("ClaimTask: task=%v err=%v", task, err)
	}

	reclaimed, err := store.ClaimTask(ctx, "w2", time.Minute)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if reclaimed == nil {
		t.Fatal("expired lease was not reclaimed")
	}
	if reclaimed.ID != id {
		t.Errorf("reclaimed %s, want %s", reclaimed.ID, id)
	}
	if reclaimed.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 after reclaim", reclaimed.Attempts)
	}
	if reclaimed.LockedBy == nil || *reclaimed.LockedBy != "w2" {
		t.Errorf("locked_by = %v, want w2", reclaimed.LockedBy)
	}
}

func TestExpiredFinalAttemptFailsTerminally(t *testing.T) {
	store, ctx := newTestStore(t)

	id, err := store.EnqueueTask(ctx, EnqueueParams{Type: TaskToolCall, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	if _, err := store.ClaimTask(ctx, "w1", -time.Second); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}

	// The expired row has exhausted its attempts; the next claim pass must
	// fail it terminally rather than hand it out again.
	task, err := store.ClaimTask(ctx, "w2", time.Minute)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if task != nil {
		t.Errorf("exhausted task was reclaimed: %+v", task)
	}

	final, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if final.Status != TaskFailed {
		t.Errorf("status = %s, want failed", final.Status)
	}
	if final.Attempts > final.MaxAttempts {
		t.Errorf("attempts %d exceeded max_attempts %d", final.Attempts, final.MaxAttempts)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store, ctx := newTestStore(t)

	_, err := store.GetTask(ctx, "00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
