// Package worker drains the task queue: claim, dispatch, complete, with
// every lifecycle transition bracketed by durable events.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/youssefsiam38/aiopg/memory"
	"github.com/youssefsiam38/aiopg/metrics"
	"github.com/youssefsiam38/aiopg/repo"
	"github.com/youssefsiam38/aiopg/storage"
	"github.com/youssefsiam38/aiopg/tool"
)

// ErrUnknownTaskType is returned when a claimed task's type is outside the
// dispatch set. The failure is recorded like any other handler error, so
// the task retries and eventually fails terminally.
var ErrUnknownTaskType = errors.New("unknown task type")

// Config holds worker configuration.
type Config struct {
	// WorkerID identifies this worker in locks and events.
	// Default: hostname:pid.
	WorkerID string

	// PollInterval is how often to poll when the queue is empty and no
	// notification arrives. Default 1s.
	PollInterval time.Duration

	// LockDuration is the claim lease. A worker that dies mid-task loses
	// its lease after this long and the task becomes claimable again.
	// Default 60s.
	LockDuration time.Duration

	// ArtifactsRoot is the directory name for artifacts inside target
	// repos. Default "artifacts".
	ArtifactsRoot string

	// Logger receives structured worker logs. Default slog.Default().
	Logger *slog.Logger

	// OnError is called for infrastructure errors (claim failures, event
	// write failures). Handler errors are recorded on the task instead.
	OnError func(err error)
}

// DefaultWorkerID returns hostname:pid.
func DefaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}

// Worker claims tasks and runs their handlers.
type Worker struct {
	store    storage.Store
	events   *memory.Log
	registry *tool.Registry
	config   Config

	trigger chan struct{}
	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a worker. Zero-valued config fields get defaults.
func New(store storage.Store, events *memory.Log, registry *tool.Registry, config Config) *Worker {
	if config.WorkerID == "" {
		config.WorkerID = DefaultWorkerID()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.LockDuration <= 0 {
		config.LockDuration = 60 * time.Second
	}
	if config.ArtifactsRoot == "" {
		config.ArtifactsRoot = "artifacts"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Worker{
		store:    store,
		events:   events,
		registry: registry,
		config:   config,
		trigger:  make(chan struct{}, 1),
	}
}

// WorkerID returns the identity used in locks and events.
func (w *Worker) WorkerID() string { return w.config.WorkerID }

// Wake nudges the loop to claim immediately instead of waiting out the
// poll interval. Safe to call from notification handlers; coalesces.
func (w *Worker) Wake() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Start launches the claim loop. It returns immediately.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("worker already started")
	}
	ctx, w.cancel = context.WithCancel(ctx)

	w.config.Logger.Info("worker starting",
		"worker_id", w.config.WorkerID,
		"poll_interval", w.config.PollInterval.String(),
		"lock_duration", w.config.LockDuration.String())

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop shuts the loop down, waiting for an in-flight task to finish or
// the context to expire.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.started.Load() {
		return nil
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.started.Store(false)
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		worked, err := w.ProcessOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.reportError(err)
		}
		if worked {
			// Drain the queue before going back to sleep.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.trigger:
		case <-ticker.C:
		}
	}
}

// ProcessOne claims and runs at most one task. It returns whether a task
// was claimed. Handler failures are recorded on the task and reported as
// worked=true, err=nil; only infrastructure failures surface as errors.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.store.ClaimTask(ctx, w.config.WorkerID, w.config.LockDuration)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	metrics.TaskClaimed(task.Type)
	w.config.Logger.Info("task claimed",
		"task_id", task.ID,
		"task_type", task.Type,
		"attempts", task.Attempts,
		"max_attempts", task.MaxAttempts)

	w.appendEvent(ctx, memory.TypeTaskClaimed, map[string]any{
		"task_id":      task.ID,
		"task_type":    task.Type,
		"payload":      task.Payload,
		"worker_id":    w.config.WorkerID,
		"attempts":     task.Attempts,
		"max_attempts": task.MaxAttempts,
	}, task.RunID)

	w.appendEvent(ctx, task.Type, map[string]any{
		"task_id": task.ID,
		"data":    task.Payload,
	}, task.RunID)

	start := time.Now()
	raw, handlerErr := w.dispatch(ctx, task)
	took := time.Since(start)
	tookMs := took.Milliseconds()

	if handlerErr != nil {
		w.recordFailure(ctx, task, handlerErr, took)
		return true, nil
	}

	result := map[string]any{
		"ok":      true,
		"kind":    task.Type,
		"took_ms": tookMs,
	}
	for k, v := range normalizeResult(raw) {
		result[k] = v
	}

	if err := w.store.CompleteTaskSuccess(ctx, task.ID, result); err != nil {
		return true, fmt.Errorf("complete task %s: %w", task.ID, err)
	}

	metrics.TaskSucceeded(task.Type, took)
	w.appendEvent(ctx, task.Type+".result", map[string]any{
		"task_id": task.ID,
		"data": map[string]any{
			"ok":      true,
			"took_ms": tookMs,
			"result":  result,
		},
	}, task.RunID)

	w.config.Logger.Info("task succeeded",
		"task_id", task.ID,
		"task_type", task.Type,
		"took_ms", tookMs)
	return true, nil
}

func (w *Worker) recordFailure(ctx context.Context, task *storage.Task, handlerErr error, took time.Duration) {
	taskErr := handlerErr.Error()
	terminal := task.Attempts >= task.MaxAttempts
	backoff := Backoff(task.Attempts)

	if err := w.store.CompleteTaskFailure(ctx, task.ID, taskErr, backoff); err != nil {
		w.reportError(fmt.Errorf("record task failure %s: %w", task.ID, err))
	}

	metrics.TaskFailed(task.Type, terminal, took)

	eventType := memory.TypeTaskFailed
	if terminal {
		eventType = memory.TypeTaskPermanentlyFailed
	}
	w.appendEvent(ctx, eventType, map[string]any{
		"task_id":      task.ID,
		"task_type":    task.Type,
		"error":        taskErr,
		"took_ms":      took.Milliseconds(),
		"attempts":     task.Attempts,
		"max_attempts": task.MaxAttempts,
	}, task.RunID)

	w.config.Logger.Error("task failed",
		"task_id", task.ID,
		"task_type", task.Type,
		"error", taskErr,
		"terminal", terminal)
}

// Backoff returns the retry delay after the given attempt count:
// 2^(attempts-1) seconds, capped at 30s.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	seconds := math.Min(30, math.Pow(2, float64(attempts-1)))
	return time.Duration(seconds * float64(time.Second))
}

func (w *Worker) dispatch(ctx context.Context, task *storage.Task) (any, error) {
	payload := task.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	switch task.Type {
	case storage.TaskToolCall:
		return w.runToolCall(ctx, payload)
	case storage.TaskRepoChange:
		return w.runRepoChange(payload)
	case storage.TaskDocBuild:
		return w.runDocBuild(payload)
	case storage.TaskPatchApply:
		return w.runPatchApply(ctx, payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, task.Type)
	}
}

func (w *Worker) runToolCall(ctx context.Context, payload map[string]any) (any, error) {
	name, _ := payload["tool"].(string)
	if name == "" {
		return nil, fmt.Errorf("%w: tool.call payload missing tool name", tool.ErrInvalidArgument)
	}
	args, _ := payload["args"].(map[string]any)
	out, err := w.registry.Run(ctx, name, args)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tool": name, "output": out}, nil
}

func (w *Worker) runRepoChange(payload map[string]any) (any, error) {
	patch, _ := payload["patch"].(string)
	if patch == "" {
		// Older enqueuers used patch_text for the same field.
		patch, _ = payload["patch_text"].(string)
	}
	name, _ := payload["name"].(string)
	meta, _ := payload["meta"].(map[string]any)

	artifact, err := WritePatchArtifact(repoRoot(payload), patch, w.config.ArtifactsRoot, name, meta)
	if err != nil {
		return nil, err
	}
	return artifact.Result(), nil
}

func (w *Worker) runDocBuild(payload map[string]any) (any, error) {
	markdown, _ := payload["markdown"].(string)
	name, _ := payload["name"].(string)
	meta, _ := payload["meta"].(map[string]any)
	renderHTML, _ := payload["render_html"].(bool)

	artifact, err := WriteDocArtifact(repoRoot(payload), markdown, w.config.ArtifactsRoot, name, renderHTML, meta)
	if err != nil {
		return nil, err
	}
	return artifact.Result(), nil
}

// repoRoot resolves the optional repo_path payload key. Artifacts land
// under the worker's working directory when it is absent.
func repoRoot(payload map[string]any) string {
	if p, _ := payload["repo_path"].(string); strings.TrimSpace(p) != "" {
		return p
	}
	return "."
}

func (w *Worker) runPatchApply(ctx context.Context, payload map[string]any) (any, error) {
	repoPath, _ := payload["repo_path"].(string)
	patchPath, _ := payload["patch_path"].(string)

	opts := repo.DefaultApplyOptions(repoPath, patchPath)
	if v, ok := payload["require_clean"].(bool); ok {
		opts.RequireClean = v
	}
	if v, ok := payload["check_only"].(bool); ok {
		opts.CheckOnly = v
	}

	result, err := repo.ApplyPatch(ctx, opts)
	if err != nil {
		return nil, err
	}

	if name, _ := payload["name"].(string); name != "" {
		purpose, _ := payload["purpose"].(string)
		reportPath, err := repo.WriteApplyReport(repoPath, name, purpose, result.PatchPath, result)
		if err != nil {
			return nil, err
		}
		result.ReportPath = reportPath
	}
	return result.Map(), nil
}

// normalizeResult coerces a handler return value into a map so the runner
// can merge it into the task result. Scalars are wrapped as {"value": x}.
func normalizeResult(raw any) map[string]any {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	default:
		return map[string]any{"value": v}
	}
}

func (w *Worker) appendEvent(ctx context.Context, typ string, data map[string]any, runID string) {
	if _, err := w.events.Append(ctx, typ, memory.SourceWorker, data, runID); err != nil {
		w.reportError(fmt.Errorf("append %s event: %w", typ, err))
	}
}

func (w *Worker) reportError(err error) {
	w.config.Logger.Error("worker error", "error", err)
	if w.config.OnError != nil {
		w.config.OnError(err)
	}
}
