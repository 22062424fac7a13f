// Package memory provides the canonical event envelope and the single
// write path through which every component persists events.
package memory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope content rows are tagged with ContentPrefix so substring filters
// and grep keep working against the raw table.
const ContentPrefix = "EVENT:"

// PhrasePrefix tags raw remembered-phrase rows.
const PhrasePrefix = "PHRASE:"

// Event types produced by the orchestrator and the worker. Task begin and
// result events use the task type itself ("tool.call", "tool.call.result", ...).
const (
	TypeRememberPhrase        = "remember_phrase"
	TypeResponse              = "response"
	TypeToolCall              = "tool_call"
	TypeToolResult            = "tool_result"
	TypeTaskClaimed           = "task.claimed"
	TypeTaskFailed            = "task.failed"
	TypeTaskPermanentlyFailed = "task.permanently_failed"
)

// Event sources.
const (
	SourceOrchestrator = "orchestrator"
	SourceWorker       = "worker"
)

var (
	// ErrInvalidEvent is returned when an envelope fails validation.
	ErrInvalidEvent = errors.New("invalid event")
)

// Event is the canonical envelope for anything persisted.
//
// Fields are declared in key order (data, id, run_id, source, ts, type) so
// the encoded form has sorted keys; nested maps are sorted by encoding/json
// itself. Ts is carried as a pre-rendered RFC3339 UTC string so that
// decoding an encoded envelope yields the identical value.
type Event struct {
	Data   map[string]any `json:"data"`
	ID     string         `json:"id"`
	RunID  string         `json:"run_id,omitempty"`
	Source string         `json:"source"`
	Ts     string         `json:"ts"`
	Type   string         `json:"type"`
}

// New constructs an envelope: fresh id, ts = now (UTC), validated type,
// source and data. runID may be empty for events outside any run.
func New(typ, source string, data map[string]any, runID string) (Event, error) {
	if typ == "" {
		return Event{}, fmt.Errorf("%w: type must be a non-empty string", ErrInvalidEvent)
	}
	if source == "" {
		return Event{}, fmt.Errorf("%w: source must be a non-empty string", ErrInvalidEvent)
	}
	if data == nil {
		return Event{}, fmt.Errorf("%w: data must be a map", ErrInvalidEvent)
	}
	return Event{
		Data:   data,
		ID:     uuid.New().String(),
		RunID:  runID,
		Source: source,
		Ts:     time.Now().UTC().Format(time.RFC3339Nano),
		Type:   typ,
	}, nil
}

// MarshalCanonical encodes the envelope as compact JSON with sorted keys
// and UTF-8 preserved (no HTML escaping). The output is stable: encoding
// the same envelope twice yields identical bytes.
func (e Event) MarshalCanonical() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	// Encode appends a newline; the canonical form has none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Content returns the persisted content form: "EVENT:" + canonical JSON.
func (e Event) Content() (string, error) {
	b, err := e.MarshalCanonical()
	if err != nil {
		return "", err
	}
	return ContentPrefix + string(b), nil
}

// ToolResult returns the structured mirror of the envelope stored in the
// tool_result column. This is the durable contract trace readers rely on.
func (e Event) ToolResult() map[string]any {
	out := map[string]any{
		"data":   e.Data,
		"id":     e.ID,
		"source": e.Source,
		"ts":     e.Ts,
		"type":   e.Type,
	}
	if e.RunID != "" {
		out["run_id"] = e.RunID
	}
	return out
}

// ParseContent recovers an envelope from a persisted content string.
func ParseContent(content string) (Event, error) {
	rest, ok := strings.CutPrefix(content, ContentPrefix)
	if !ok {
		return Event{}, fmt.Errorf("%w: content is not an event row", ErrInvalidEvent)
	}
	var e Event
	if err := json.Unmarshal([]byte(rest), &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return e, nil
}
