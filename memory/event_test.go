package memory

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewValidation(t *testing.T) {
	if _, err := New("", SourceOrchestrator, map[string]any{}, ""); err == nil {
		t.Error("expected error for empty type")
	}
	if _, err := New(TypeResponse, "", map[string]any{}, ""); err == nil {
		t.Error("expected error for empty source")
	}
	if _, err := New(TypeResponse, SourceOrchestrator, nil, ""); err == nil {
		t.Error("expected error for nil data")
	}

	e, err := New(TypeResponse, SourceOrchestrator, map[string]any{"k": "v"}, "run-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.ID == "" {
		t.Error("expected generated id")
	}
	if e.Ts == "" {
		t.Error("expected timestamp")
	}
	if e.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", e.RunID)
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	e := Event{
		Data:   map[string]any{"z": 1, "a": 2},
		ID:     "id-1",
		RunID:  "run-1",
		Source: SourceWorker,
		Ts:     "2026-08-24T10:00:00Z",
		Type:   TypeToolResult,
	}

	b, err := e.MarshalCanonical()
	if err != nil {
		t.Fatalf("MarshalCanonical: %v", err)
	}
	got := string(b)

	want := `{"data":{"a":2,"z":1},"id":"id-1","run_id":"run-1","source":"worker","ts":"2026-08-24T10:00:00Z","type":"tool_result"}`
	if got != want {
		t.Errorf("canonical form mismatch:\n got %s\nwant %s", got, want)
	}

	// Stable across encodings.
	b2, _ := e.MarshalCanonical()
	if string(b2) != got {
		t.Error("encoding is not deterministic")
	}
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	e := Event{
		Data:   map[string]any{"text": "a < b & c"},
		ID:     "id-1",
		Source: SourceOrchestrator,
		Ts:     "2026-08-24T10:00:00Z",
		Type:   TypeResponse,
	}
	b, err := e.MarshalCanonical()
	if err != nil {
		t.Fatalf("MarshalCanonical: %v", err)
	}
	if strings.Contains(string(b), `\u003c`) || strings.Contains(string(b), `\u0026`) {
		t.Errorf("canonical JSON must not HTML-escape: %s", b)
	}
	if !strings.Contains(string(b), "a < b & c") {
		t.Errorf("special characters must survive verbatim: %s", b)
	}
	if strings.HasSuffix(string(b), "\n") {
		t.Error("canonical JSON must not end with a newline")
	}
}

func TestContentRoundTrip(t *testing.T) {
	e, err := New(TypeRememberPhrase, SourceOrchestrator, map[string]any{"phrase": "blue_giraffe_42"}, "run-7")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	content, err := e.Content()
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if !strings.HasPrefix(content, ContentPrefix) {
		t.Fatalf("content missing prefix: %s", content)
	}

	parsed, err := ParseContent(content)
	if err != nil {
		t.Fatalf("ParseContent: %v", err)
	}
	if parsed.ID != e.ID || parsed.Ts != e.Ts || parsed.Type != e.Type || parsed.RunID != e.RunID {
		t.Errorf("round trip mismatch: %+v vs %+v", parsed, e)
	}
	if parsed.Data["phrase"] != "blue_giraffe_42" {
		t.Errorf("data lost in round trip: %+v", parsed.Data)
	}
}

func TestParseContentRejectsNonEvents(t *testing.T) {
	if _, err := ParseContent("PHRASE: hello"); err == nil {
		t.Error("expected error for non-event content")
	}
	if _, err := ParseContent("EVENT:{not json"); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestToolResultMirror(t *testing.T) {
	e := Event{
		Data:   map[string]any{"k": "v"},
		ID:     "id-9",
		Source: SourceWorker,
		Ts:     "2026-08-24T10:00:00Z",
		Type:   TypeTaskClaimed,
	}

	mirror := e.ToolResult()
	if _, ok := mirror["run_id"]; ok {
		t.Error("run_id must be omitted when empty")
	}

	// The mirror must serialize to the same object as the envelope.
	canonical, _ := e.MarshalCanonical()
	var fromCanonical, fromMirror map[string]any
	if err := json.Unmarshal(canonical, &fromCanonical); err != nil {
		t.Fatalf("unmarshal canonical: %v", err)
	}
	b, _ := json.Marshal(mirror)
	if err := json.Unmarshal(b, &fromMirror); err != nil {
		t.Fatalf("unmarshal mirror: %v", err)
	}
	for _, key := range []string{"id", "source", "ts", "type"} {
		if fromCanonical[key] != fromMirror[key] {
			t.Errorf("mirror %s = %v, canonical %v", key, fromMirror[key], fromCanonical[key])
		}
	}
}
