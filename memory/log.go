package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/youssefsiam38/aiopg/storage"
)

// Store is the slice of the storage contract the event log needs.
type Store interface {
	InsertMemory(ctx context.Context, ins storage.MemoryInsert) (string, error)
	EventRows(ctx context.Context) ([]storage.EventRow, error)
}

// WriteOpts carries optional persistence fields for one event.
type WriteOpts struct {
	// Tool fills the tool column; empty falls back to the event type.
	Tool string

	// Embedding and EmbeddingModel make the row retrievable by similarity.
	Embedding      []float32
	EmbeddingModel string
}

// TraceEntry is one row of a run trace.
type TraceEntry struct {
	CreatedAt time.Time `json:"created_at"`
	Tool      string    `json:"tool"`
	Event     *Event    `json:"event"`
}

// Log appends envelopes to the store and reads them back as run traces.
// It is the single canonical persistence path for events: the worker, the
// tool turn and the remember/response paths all go through Write.
type Log struct {
	store Store
}

// NewLog creates an event log over the given store.
func NewLog(store Store) *Log {
	return &Log{store: store}
}

// Write persists one envelope: content becomes "EVENT:"+canonical JSON,
// the envelope is mirrored into tool_result, and the tool column is set
// from opts.Tool or the event type. Returns the new row id.
func (l *Log) Write(ctx context.Context, e Event, opts *WriteOpts) (string, error) {
	if opts == nil {
		opts = &WriteOpts{}
	}

	content, err := e.Content()
	if err != nil {
		return "", err
	}

	tool := opts.Tool
	if tool == "" {
		tool = e.Type
	}

	source := e.Source
	if source == "" {
		source = SourceOrchestrator
	}

	return l.store.InsertMemory(ctx, storage.MemoryInsert{
		Source:         source,
		Content:        content,
		Embedding:      opts.Embedding,
		EmbeddingModel: opts.EmbeddingModel,
		Tool:           tool,
		ToolResult:     e.ToolResult(),
	})
}

// Append constructs an envelope and writes it in one step.
func (l *Log) Append(ctx context.Context, typ, source string, data map[string]any, runID string) (string, error) {
	e, err := New(typ, source, data, runID)
	if err != nil {
		return "", err
	}
	return l.Write(ctx, e, nil)
}

// Trace returns all events of one run ordered by created_at ascending.
// Rows whose JSON suffix fails to parse are dropped rather than raised;
// they cannot be attributed to any run.
func (l *Log) Trace(ctx context.Context, runID string) ([]TraceEntry, error) {
	rows, err := l.store.EventRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("load event rows: %w", err)
	}

	var out []TraceEntry
	for _, r := range rows {
		e, err := ParseContent(r.Content)
		if err != nil {
			continue
		}
		if e.RunID != runID {
			continue
		}
		tool := r.Tool
		if tool == "" {
			tool = e.Type
		}
		ev := e
		out = append(out, TraceEntry{
			CreatedAt: r.CreatedAt,
			Tool:      tool,
			Event:     &ev,
		})
	}
	return out, nil
}
