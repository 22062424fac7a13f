package inference

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// AnthropicConfig configures the Anthropic chat backend.
type AnthropicConfig struct {
	// Model is the Anthropic model ID. Default claude-sonnet-4-20250514.
	Model string

	// MaxTokens bounds the completion length. Default 1024.
	MaxTokens int64

	// ChatTimeout bounds individual requests.
	ChatTimeout time.Duration

	// Client overrides the default client (tests). The default reads
	// ANTHROPIC_API_KEY from the environment.
	Client *anthropic.Client
}

// Anthropic implements the chat half of Service using the Anthropic API.
// It has no embedding endpoint, so Embed returns ErrUnsupported; pair it
// with an Ollama embedder via Hybrid.
type Anthropic struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	chatTimeout time.Duration
}

var _ Service = (*Anthropic)(nil)

// NewAnthropic creates an Anthropic backend.
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.ChatTimeout == 0 {
		cfg.ChatTimeout = defaultChatTimeout
	}
	client := anthropic.NewClient()
	if cfg.Client != nil {
		client = *cfg.Client
	}
	return &Anthropic{
		client:      client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		chatTimeout: cfg.ChatTimeout,
	}
}

// Model returns the Anthropic model ID.
func (a *Anthropic) Model() string { return a.model }

// EmbedModel returns empty; this backend does not embed.
func (a *Anthropic) EmbedModel() string { return "" }

// Embed is not supported by the Anthropic API.
func (a *Anthropic) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("%w: anthropic has no embedding endpoint", ErrUnsupported)
}

// Chat performs one blocking completion.
func (a *Anthropic) Chat(ctx context.Context, system, user, injected string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.chatTimeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(injectMemories(user, injected))),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: system},
		}
	}

	response, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFailure, err)
	}

	var out strings.Builder
	for _, block := range response.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(text.Text)
		}
	}
	return strings.TrimSpace(out.String()), nil
}

// Healthy reports readiness. There is no cheap probe endpoint, so this
// only verifies the client is constructed.
func (a *Anthropic) Healthy(ctx context.Context) error {
	return nil
}

// Hybrid routes embeddings to one backend and chat to another. Used to
// pair Anthropic chat with Ollama embeddings.
type Hybrid struct {
	Embedder Service
	Chatter  Service
}

var _ Service = (*Hybrid)(nil)

func (h *Hybrid) Embed(ctx context.Context, text string) ([]float32, error) {
	return h.Embedder.Embed(ctx, text)
}

func (h *Hybrid) Chat(ctx context.Context, system, user, injected string) (string, error) {
	return h.Chatter.Chat(ctx, system, user, injected)
}

// Healthy probes both halves.
func (h *Hybrid) Healthy(ctx context.Context) error {
	if err := h.Embedder.Healthy(ctx); err != nil {
		return err
	}
	return h.Chatter.Healthy(ctx)
}

func (h *Hybrid) Model() string      { return h.Chatter.Model() }
func (h *Hybrid) EmbedModel() string { return h.Embedder.EmbedModel() }
