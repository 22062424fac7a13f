// Package storage persists memory events and tasks in PostgreSQL and is
// the only shared resource between the orchestrator and the worker fleet.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrUnavailable is returned for transport and constraint failures.
	ErrUnavailable = errors.New("store unavailable")

	// ErrInvalidArgument is returned for dimension or shape mismatches.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// Task statuses. Succeeded and failed are terminal.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
)

// Task types form a closed set; the worker dispatches on them.
const (
	TaskToolCall   = "tool.call"
	TaskRepoChange = "repo.change"
	TaskDocBuild   = "doc.build"
	TaskPatchApply = "patch.apply"
)

// DefaultMaxAttempts is applied when an enqueue does not specify one.
const DefaultMaxAttempts = 3

// MemoryInsert describes one memory row to be written.
type MemoryInsert struct {
	Source         string
	Content        string
	Embedding      []float32
	EmbeddingModel string
	Tool           string
	ToolResult     map[string]any
}

// MemoryRow is a persisted memory row. CosineSim is populated only by
// SearchMemories.
type MemoryRow struct {
	ID             string
	Source         string
	Content        string
	Embedding      []float32
	EmbeddingModel string
	Tool           string
	ToolResult     map[string]any
	CreatedAt      time.Time
	CosineSim      float64
}

// SearchOptions controls similarity retrieval.
type SearchOptions struct {
	// TopK truncates the result set.
	TopK int

	// MinSimilarity is the cosine similarity floor, in [-1, 1].
	MinSimilarity float64

	// IncludeTools admits rows whose tool column is a non-empty string.
	// Off by default: tool-side artifacts stay out of retrieval context.
	IncludeTools bool
}

// EventRow is the minimal projection the event log needs for traces.
type EventRow struct {
	CreatedAt time.Time
	Tool      string
	Content   string
}

// Task is a queued unit of work.
type Task struct {
	ID            string
	Type          string
	Payload       map[string]any
	Priority      int
	Status        string
	Attempts      int
	MaxAttempts   int
	AvailableAt   time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LockedBy      *string
	LockedAt      *time.Time
	LockExpiresAt *time.Time
	Result        map[string]any
	LastError     *string
	RunID         string
}

// EnqueueParams describes a task to insert.
//
// Priority is ascending: lower values are served earlier. The demo
// enqueuer uses 10 as its default.
type EnqueueParams struct {
	Type        string
	Payload     map[string]any
	Priority    int
	MaxAttempts int       // 0 means DefaultMaxAttempts
	RunID       string    // optional tie back to an orchestrator run
	AvailableAt time.Time // zero means immediately eligible
}

// Store is the persistence contract the orchestrator, event log and
// workers share. All mutation goes through it; claim coordination relies
// on row-level locking inside the implementation.
type Store interface {
	// InsertMemory allocates an id, stamps created_at and writes one row.
	// A non-nil embedding must match the configured dimension.
	InsertMemory(ctx context.Context, ins MemoryInsert) (string, error)

	// SearchMemories returns rows with non-null embeddings whose cosine
	// similarity to the query vector clears opts.MinSimilarity, sorted
	// descending by similarity and truncated to opts.TopK.
	SearchMemories(ctx context.Context, query []float32, opts SearchOptions) ([]MemoryRow, error)

	// LatestPhrase returns the most recent PHRASE: row with the prefix
	// stripped and whitespace trimmed, or ErrNotFound.
	LatestPhrase(ctx context.Context, includeTools bool) (string, error)

	// EventRows returns all EVENT: rows ordered by created_at ascending.
	EventRows(ctx context.Context) ([]EventRow, error)

	// Ping succeeds when a trivial round-trip completes.
	Ping(ctx context.Context) error

	// EnqueueTask inserts a queued task and wakes idle workers.
	EnqueueTask(ctx context.Context, params EnqueueParams) (string, error)

	// ClaimTask atomically claims one eligible task for workerID with a
	// lease of the given duration, or returns (nil, nil) when none is
	// eligible. Rows whose lease has expired are claimable again.
	ClaimTask(ctx context.Context, workerID string, lock time.Duration) (*Task, error)

	// CompleteTaskSuccess finalizes a task, storing its result and
	// clearing the lease.
	CompleteTaskSuccess(ctx context.Context, id string, result map[string]any) error

	// CompleteTaskFailure records a failure: terminal when attempts have
	// reached max_attempts, otherwise requeued after the backoff.
	CompleteTaskFailure(ctx context.Context, id string, taskErr string, backoff time.Duration) error

	// GetTask fetches one task by id.
	GetTask(ctx context.Context, id string) (*Task, error)
}
