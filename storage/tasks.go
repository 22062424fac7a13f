package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// taskColumns is the RETURNING/SELECT list shared by every task query.
const taskColumns = `id::text, type, payload, priority, status, attempts, max_attempts,
	available_at, created_at, updated_at, locked_by, locked_at, lock_expires_at,
	result, last_error, run_id`

// EnqueueTask inserts a queued task and notifies idle workers.
func (s *Postgres) EnqueueTask(ctx context.Context, params EnqueueParams) (string, error) {
	if params.Type == "" {
		return "", fmt.Errorf("%w: task type is required", ErrInvalidArgument)
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = DefaultMaxAttempts
	}
	if params.AvailableAt.IsZero() {
		params.AvailableAt = time.Now().UTC()
	}

	payload, err := json.Marshal(params.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: marshal payload: %v", ErrInvalidArgument, err)
	}

	query := `
		INSERT INTO tasks (type, payload, priority, status, max_attempts, available_at, run_id)
		VALUES ($1, $2, $3, 'queued', $4, $5, $6)
		RETURNING id::text
	`
	var id string
	err = s.pool.QueryRow(ctx, query,
		params.Type,
		payload,
		params.Priority,
		params.MaxAttempts,
		params.AvailableAt,
		nullString(params.RunID),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("%w: enqueue task: %v", ErrUnavailable, err)
	}

	// Best effort: workers fall back to polling if the NOTIFY is lost.
	_, _ = s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", TaskEnqueuedChannel, id)

	return id, nil
}

// ClaimTask atomically claims one eligible task.
//
// The candidate predicate admits both queued rows and running rows whose
// lease has expired, so a crashed worker's task becomes claimable again
// without a background reaper. FOR UPDATE SKIP LOCKED guarantees that two
// concurrent claimers never pick the same candidate.
func (s *Postgres) ClaimTask(ctx context.Context, workerID string, lock time.Duration) (*Task, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", ErrInvalidArgument)
	}
	if lock <= 0 {
		lock = 60 * time.Second
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin claim: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Expired leases that are out of attempts cannot be retried; fail them
	// here so they do not linger as phantom running rows.
	_, err = tx.Exec(ctx, `
		UPDATE tasks
		SET status = 'failed',
		    last_error = COALESCE(last_error, 'lease expired with no attempts left'),
		    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL,
		    updated_at = now()
		WHERE status = 'running'
		  AND lock_expires_at < now()
		  AND attempts >= max_attempts
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: expire stale leases: %v", ErrUnavailable, err)
	}

	claim := `
		WITH candidate AS (
			SELECT id
			FROM tasks
			WHERE (status = 'queued' AND available_at <= now())
			   OR (status = 'running' AND lock_expires_at < now() AND attempts < max_attempts)
			ORDER BY priority ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tasks t
		SET status = 'running',
		    locked_by = $1,
		    locked_at = now(),
		    lock_expires_at = now() + make_interval(secs => $2),
		    attempts = attempts + 1,
		    updated_at = now()
		FROM candidate c
		WHERE t.id = c.id
		RETURNING ` + prefixColumns("t.", taskColumns)

	row := tx.QueryRow(ctx, claim, workerID, lock.Seconds())
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("%w: commit claim: %v", ErrUnavailable, err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit claim: %v", ErrUnavailable, err)
	}
	return task, nil
}

// CompleteTaskSuccess finalizes a task and clears its lease.
func (s *Postgres) CompleteTaskSuccess(ctx context.Context, id string, result map[string]any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: marshal result: %v", ErrInvalidArgument, err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'succeeded',
		    result = $2,
		    last_error = NULL,
		    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1
	`, id, payload)
	if err != nil {
		return fmt.Errorf("%w: complete task: %v", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return nil
}

// CompleteTaskFailure records a failure. When the task is out of attempts
// it becomes terminally failed and available_at is left untouched;
// otherwise it is requeued with available_at bumped by the backoff.
func (s *Postgres) CompleteTaskFailure(ctx context.Context, id string, taskErr string, backoff time.Duration) error {
	if backoff < 0 {
		backoff = 0
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
		    available_at = CASE WHEN attempts >= max_attempts THEN available_at
		                        ELSE now() + make_interval(secs => $3) END,
		    last_error = $2,
		    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1
	`, id, taskErr, backoff.Seconds())
	if err != nil {
		return fmt.Errorf("%w: fail task: %v", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return nil
}

// GetTask fetches one task by id.
func (s *Postgres) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

func scanTask(row pgx.Row) (*Task, error) {
	var (
		t       Task
		payload []byte
		result  []byte
		runID   *string
	)
	err := row.Scan(
		&t.ID,
		&t.Type,
		&payload,
		&t.Priority,
		&t.Status,
		&t.Attempts,
		&t.MaxAttempts,
		&t.AvailableAt,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.LockedBy,
		&t.LockedAt,
		&t.LockExpiresAt,
		&result,
		&t.LastError,
		&runID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scan task: %v", ErrUnavailable, err)
	}
	if payload != nil {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return nil, fmt.Errorf("%w: unmarshal payload: %v", ErrUnavailable, err)
		}
	}
	if result != nil {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, fmt.Errorf("%w: unmarshal result: %v", ErrUnavailable, err)
		}
	}
	if runID != nil {
		t.RunID = *runID
	}
	return &t, nil
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func trimPhrase(content string) string {
	return strings.TrimSpace(strings.TrimPrefix(content, "PHRASE:"))
}
