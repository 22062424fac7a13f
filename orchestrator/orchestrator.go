// Package orchestrator implements the /ask pipeline: classify the prompt,
// retrieve prior memories by similarity, generate, optionally run one
// bounded tool turn, and leave a typed event trail for the run.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/youssefsiam38/aiopg/inference"
	"github.com/youssefsiam38/aiopg/memory"
	"github.com/youssefsiam38/aiopg/metrics"
	"github.com/youssefsiam38/aiopg/storage"
	"github.com/youssefsiam38/aiopg/tool"
)

var (
	// ErrEmptyPrompt is returned for blank prompts.
	ErrEmptyPrompt = errors.New("prompt must be a non-empty string")
)

// Config carries the retrieval and generation knobs.
type Config struct {
	TopK          int
	MinSimilarity float64
	IncludeTools  bool
	SystemPrompt  string
	Logger        *slog.Logger
}

// RetrievedMemory is one retrieval hit surfaced in the response.
type RetrievedMemory struct {
	ID        string    `json:"id"`
	Sim       float64   `json:"sim"`
	Content   string    `json:"content"`
	Tool      string    `json:"tool,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AskResponse is the /ask response body.
type AskResponse struct {
	Model      string             `json:"model,omitempty"`
	Response   string             `json:"response"`
	MemoryID   string             `json:"memory_id,omitempty"`
	Retrieved  []RetrievedMemory  `json:"retrieved,omitempty"`
	ToolUsed   string             `json:"tool_used,omitempty"`
	ToolResult map[string]any     `json:"tool_result,omitempty"`
	Timings    map[string]float64 `json:"timings,omitempty"`
	Config     map[string]any     `json:"config,omitempty"`
	RunID      string             `json:"run_id"`
}

// Orchestrator ties the store, event log, inference service and tool
// registry into the request pipeline.
type Orchestrator struct {
	store     storage.Store
	events    *memory.Log
	inference inference.Service
	registry  *tool.Registry
	config    Config
}

// New creates an orchestrator.
func New(store storage.Store, events *memory.Log, svc inference.Service, registry *tool.Registry, config Config) *Orchestrator {
	if config.TopK <= 0 {
		config.TopK = 5
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		events:    events,
		inference: svc,
		registry:  registry,
		config:    config,
	}
}

// Ask runs one prompt through the pipeline. A recall miss surfaces as
// storage.ErrNotFound so the HTTP layer can map it to 404.
func (o *Orchestrator) Ask(ctx context.Context, prompt, runID string) (*AskResponse, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	mode, phrase := Classify(prompt)
	switch mode {
	case ModeRemember:
		return o.remember(ctx, phrase, runID)
	case ModeRecall:
		return o.recall(ctx, runID)
	default:
		return o.chat(ctx, prompt, runID)
	}
}

// remember persists the phrase twice: a raw PHRASE: row that recall reads
// back, and a remember_phrase event for the run trace. Inference is never
// invoked.
func (o *Orchestrator) remember(ctx context.Context, phrase, runID string) (*AskResponse, error) {
	start := time.Now()

	memoryID, err := o.store.InsertMemory(ctx, storage.MemoryInsert{
		Source:  memory.SourceOrchestrator,
		Content: memory.PhrasePrefix + " " + phrase,
	})
	if err != nil {
		return nil, fmt.Errorf("persist phrase: %w", err)
	}

	if _, err := o.events.Append(ctx, memory.TypeRememberPhrase, memory.SourceOrchestrator,
		map[string]any{"phrase": phrase}, runID); err != nil {
		return nil, fmt.Errorf("append remember_phrase event: %w", err)
	}

	dbS := time.Since(start)
	return &AskResponse{
		Response: phrase,
		MemoryID: memoryID,
		RunID:    runID,
		Timings: map[string]float64{
			"db_s":    round4(dbS),
			"total_s": round4(dbS),
		},
	}, nil
}

// recall reads the latest phrase back. Nothing is persisted: recall is
// derived state and writing it would pollute retrieval.
func (o *Orchestrator) recall(ctx context.Context, runID string) (*AskResponse, error) {
	start := time.Now()

	phrase, err := o.store.LatestPhrase(ctx, o.config.IncludeTools)
	if err != nil {
		return nil, err
	}

	dbS := time.Since(start)
	return &AskResponse{
		Response: phrase,
		RunID:    runID,
		Timings: map[string]float64{
			"db_s":    round4(dbS),
			"total_s": round4(dbS),
		},
	}, nil
}

func (o *Orchestrator) chat(ctx context.Context, prompt, runID string) (*AskResponse, error) {
	total := time.Now()
	timings := map[string]float64{}

	phase := time.Now()
	queryVec, err := o.inference.Embed(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("embed prompt: %w", err)
	}
	timings["embed_s"] = round4(time.Since(phase))
	metrics.AskPhase("embed", time.Since(phase))

	phase = time.Now()
	rows, err := o.store.SearchMemories(ctx, queryVec, storage.SearchOptions{
		TopK:          o.config.TopK,
		MinSimilarity: o.config.MinSimilarity,
		IncludeTools:  o.config.IncludeTools,
	})
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	timings["retrieve_s"] = round4(time.Since(phase))
	metrics.AskPhase("retrieve", time.Since(phase))

	retrieved := make([]RetrievedMemory, 0, len(rows))
	chunks := make([]string, 0, len(rows))
	retrievedIDs := make([]string, 0, len(rows))
	for _, r := range rows {
		retrieved = append(retrieved, RetrievedMemory{
			ID:        r.ID,
			Sim:       r.CosineSim,
			Content:   r.Content,
			Tool:      r.Tool,
			CreatedAt: r.CreatedAt,
		})
		chunks = append(chunks, fmt.Sprintf("[id=%s, sim=%.3f] %s", r.ID, r.CosineSim, r.Content))
		retrievedIDs = append(retrievedIDs, r.ID)
	}
	injected := strings.Join(chunks, "\n\n")

	phase = time.Now()
	modelOut, err := o.inference.Chat(ctx, o.config.SystemPrompt, prompt, injected)
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	timings["generate_s"] = round4(time.Since(phase))
	metrics.AskPhase("generate", time.Since(phase))

	response := modelOut
	toolUsed := ""
	var toolResult map[string]any

	if call, ok := parseToolCall(modelOut); ok {
		toolUsed = call.Tool
		response, toolResult, err = o.toolTurn(ctx, prompt, call, runID, timings)
		if err != nil {
			return nil, err
		}
	}

	dbStart := time.Now()
	memoryID, err := o.events.Append(ctx, memory.TypeResponse, memory.SourceOrchestrator, map[string]any{
		"prompt":         prompt,
		"response":       response,
		"retrieved_topk": len(retrieved),
		"retrieved_ids":  retrievedIDs,
		"tool_used":      toolUsed,
	}, runID)
	if err != nil {
		return nil, fmt.Errorf("append response event: %w", err)
	}
	timings["db_s"] = round4(time.Since(dbStart))
	timings["total_s"] = round4(time.Since(total))

	return &AskResponse{
		Model:      o.inference.Model(),
		Response:   response,
		MemoryID:   memoryID,
		Retrieved:  retrieved,
		ToolUsed:   toolUsed,
		ToolResult: toolResult,
		Timings:    timings,
		Config: map[string]any{
			"top_k":          o.config.TopK,
			"min_similarity": o.config.MinSimilarity,
			"include_tools":  o.config.IncludeTools,
			"model":          o.inference.Model(),
			"embed_model":    o.inference.EmbedModel(),
		},
		RunID: runID,
	}, nil
}

// toolCall is the strict JSON shape a model output must take to trigger
// the tool turn.
type toolCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// parseToolCall accepts only a single strict JSON object {tool, args?}
// with a non-empty tool. Anything else is plain text.
func parseToolCall(modelOut string) (toolCall, bool) {
	trimmed := strings.TrimSpace(modelOut)
	if !strings.HasPrefix(trimmed, "{") {
		return toolCall{}, false
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.DisallowUnknownFields()

	var call toolCall
	if err := dec.Decode(&call); err != nil {
		return toolCall{}, false
	}
	// Trailing content after the object disqualifies it.
	if dec.More() {
		return toolCall{}, false
	}
	if call.Tool == "" {
		return toolCall{}, false
	}
	return call, true
}

// toolTurn runs exactly one tool invocation and one follow-up chat turn.
// Tool handler failures are recovered into the result rather than
// propagated; inference and event-log failures still surface.
func (o *Orchestrator) toolTurn(ctx context.Context, prompt string, call toolCall, runID string, timings map[string]float64) (string, map[string]any, error) {
	if _, err := o.events.Append(ctx, memory.TypeToolCall, memory.SourceOrchestrator, map[string]any{
		"tool": call.Tool,
		"args": call.Args,
	}, runID); err != nil {
		return "", nil, fmt.Errorf("append tool_call event: %w", err)
	}

	result, err := o.registry.Run(ctx, call.Tool, call.Args)
	if err != nil {
		result = map[string]any{"ok": false, "error": err.Error(), "tool": call.Tool}
	}

	if _, err := o.events.Append(ctx, memory.TypeToolResult, memory.SourceOrchestrator, map[string]any{
		"tool":   call.Tool,
		"result": result,
	}, runID); err != nil {
		return "", nil, fmt.Errorf("append tool_result event: %w", err)
	}

	callJSON, err := json.Marshal(toolCall{Tool: call.Tool, Args: call.Args})
	if err != nil {
		return "", nil, fmt.Errorf("marshal tool call: %w", err)
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return "", nil, fmt.Errorf("marshal tool result: %w", err)
	}

	followUp := fmt.Sprintf(
		"%s\n\nTOOL_CALL: %s\nTOOL_RESULT: %s\nAnswer the user using the tool result. Reply in plain text.",
		prompt, callJSON, resultJSON,
	)

	phase := time.Now()
	finalText, err := o.inference.Chat(ctx, o.config.SystemPrompt, followUp, "")
	if err != nil {
		return "", nil, fmt.Errorf("chat after tool turn: %w", err)
	}
	timings["generate_s_2"] = round4(time.Since(phase))
	metrics.AskPhase("generate_2", time.Since(phase))

	return finalText, result, nil
}

// Trace returns the ordered event trail for one run.
func (o *Orchestrator) Trace(ctx context.Context, runID string) ([]memory.TraceEntry, error) {
	return o.events.Trace(ctx, runID)
}

func round4(d time.Duration) float64 {
	return math.Round(d.Seconds()*1e4) / 1e4
}
