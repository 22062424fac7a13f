// Package inference defines the embedding/chat contract the orchestrator
// consumes, with Ollama and Anthropic backends.
package inference

import (
	"context"
	"errors"
)

var (
	// ErrInvalidEmbedding is returned when a backend produces a vector of
	// the wrong dimension.
	ErrInvalidEmbedding = errors.New("invalid embedding")

	// ErrFailure is returned when an embedding or chat request fails.
	ErrFailure = errors.New("inference failure")

	// ErrUnsupported is returned when a backend does not implement an
	// operation.
	ErrUnsupported = errors.New("operation not supported by backend")
)

// MemoryBlockHeader delimits injected retrieval context in the user turn.
const MemoryBlockHeader = "RELEVANT MEMORY (use only if helpful and consistent):"

// Service is the only inference contract the core depends on.
type Service interface {
	// Embed produces a fixed-dimension embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Chat performs a single blocking completion. When injected is
	// non-empty it is appended to the user turn inside a delimited
	// relevant-memory block. Streaming is never used.
	Chat(ctx context.Context, system, user, injected string) (string, error)

	// Healthy probes the backend for readiness.
	Healthy(ctx context.Context) error

	// Model names the chat model, for response metadata.
	Model() string

	// EmbedModel names the embedding model, for row tagging.
	EmbedModel() string
}

// injectMemories appends the delimited retrieval block to the user turn.
func injectMemories(user, injected string) string {
	if injected == "" {
		return user
	}
	return user + "\n\n----\n" + MemoryBlockHeader + "\n" + injected + "\n----"
}
