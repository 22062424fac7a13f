package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Default request timeouts. Embedding is cheap; chat can take a while on
// a local host.
const (
	defaultEmbedTimeout = 60 * time.Second
	defaultChatTimeout  = 120 * time.Second
)

// OllamaConfig configures the Ollama backend.
type OllamaConfig struct {
	// BaseURL of the Ollama host. Default http://127.0.0.1:11434.
	BaseURL string

	// EmbedModel produces embeddings, e.g. mxbai-embed-large:latest.
	EmbedModel string

	// ChatModel answers prompts, e.g. llama3.1:8b.
	ChatModel string

	// ExpectedDim is the required embedding dimension. Default 1024.
	ExpectedDim int

	// EmbedTimeout and ChatTimeout bound individual requests.
	EmbedTimeout time.Duration
	ChatTimeout  time.Duration

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Ollama implements Service against a local Ollama host.
type Ollama struct {
	baseURL      string
	embedModel   string
	chatModel    string
	expectedDim  int
	embedTimeout time.Duration
	chatTimeout  time.Duration
	client       *http.Client
}

var _ Service = (*Ollama)(nil)

// NewOllama creates an Ollama backend.
func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:11434"
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "mxbai-embed-large:latest"
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = "llama3.1:8b"
	}
	if cfg.ExpectedDim == 0 {
		cfg.ExpectedDim = 1024
	}
	if cfg.EmbedTimeout == 0 {
		cfg.EmbedTimeout = defaultEmbedTimeout
	}
	if cfg.ChatTimeout == 0 {
		cfg.ChatTimeout = defaultChatTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Ollama{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		embedModel:   cfg.EmbedModel,
		chatModel:    cfg.ChatModel,
		expectedDim:  cfg.ExpectedDim,
		embedTimeout: cfg.EmbedTimeout,
		chatTimeout:  cfg.ChatTimeout,
		client:       cfg.HTTPClient,
	}
}

// Model returns the chat model tag.
func (o *Ollama) Model() string { return o.chatModel }

// EmbedModel returns the embedding model tag.
func (o *Ollama) EmbedModel() string { return o.embedModel }

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed requests one embedding and enforces the configured dimension.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, o.embedTimeout)
	defer cancel()

	var result embeddingResponse
	err := o.post(ctx, "/api/embeddings", embeddingRequest{Model: o.embedModel, Prompt: text}, &result)
	if err != nil {
		return nil, err
	}
	if len(result.Embedding) != o.expectedDim {
		return nil, fmt.Errorf("%w: expected %d-dim embedding, got %d", ErrInvalidEmbedding, o.expectedDim, len(result.Embedding))
	}
	return result.Embedding, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// Chat performs one blocking completion with stream disabled.
func (o *Ollama) Chat(ctx context.Context, system, user, injected string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.chatTimeout)
	defer cancel()

	req := chatRequest{
		Model:  o.chatModel,
		Stream: false,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: injectMemories(user, injected)},
		},
	}

	var result chatResponse
	if err := o.post(ctx, "/api/chat", req, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Message.Content), nil
}

// Healthy probes /api/tags.
func (o *Ollama) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailure, err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ollama returned status %d", ErrFailure, resp.StatusCode)
	}
	return nil
}

func (o *Ollama) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", ErrFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: ollama %s returned status %d: %s", ErrFailure, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrFailure, err)
	}
	return nil
}
