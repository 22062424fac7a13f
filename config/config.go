// Package config loads control-plane configuration from the environment,
// optionally seeded from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when the configuration is invalid.
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultSystemPrompt is used when SYSTEM_PROMPT is not set.
const DefaultSystemPrompt = "You are a precise operations assistant. " +
	"Answer briefly. If a tool is needed, reply with a single JSON object " +
	`{"tool": "<name>", "args": {...}} and nothing else.`

// Config holds all recognized options.
type Config struct {
	// DatabaseURL is the Postgres connection string (required).
	DatabaseURL string `yaml:"database_url"`

	// OllamaURL is the inference host. Default http://127.0.0.1:11434.
	OllamaURL string `yaml:"ollama_url"`

	// EmbedModel is the embedding model tag.
	EmbedModel string `yaml:"embed_model"`

	// ChatModel is the chat model tag.
	ChatModel string `yaml:"chat_model"`

	// InferenceBackend selects the chat backend: "ollama" (default) or
	// "anthropic". Embeddings always come from Ollama.
	InferenceBackend string `yaml:"inference_backend"`

	// AnthropicModel is the model used when InferenceBackend is "anthropic".
	AnthropicModel string `yaml:"anthropic_model"`

	// ExpectedEmbedDim is the process-wide embedding dimension. Default 1024.
	ExpectedEmbedDim int `yaml:"expected_embed_dim"`

	// TopK is the retrieval fan-out. Default 5.
	TopK int `yaml:"top_k"`

	// MinSimilarity is the cosine similarity floor for retrieval. Default 0.6.
	MinSimilarity float64 `yaml:"min_similarity"`

	// IncludeTools controls whether tool-side rows enter retrieval context.
	// Default false.
	IncludeTools bool `yaml:"include_tools"`

	// SystemPrompt is the base system prompt.
	SystemPrompt string `yaml:"system_prompt"`

	// ListenAddr is the HTTP bind address for the orchestrator.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is one of debug, info, warn, error. Default info.
	LogLevel string `yaml:"log_level"`

	// Worker holds worker-loop options.
	Worker WorkerConfig `yaml:"worker"`
}

// WorkerConfig holds worker-loop options.
type WorkerConfig struct {
	// PollInterval is the idle poll period. Default 1s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// LockDuration is the claim lease length. Default 60s.
	LockDuration time.Duration `yaml:"lock_duration"`

	// ArtifactsRoot is where repo.change/doc.build artifacts are written.
	// Default "artifacts" under the current directory.
	ArtifactsRoot string `yaml:"artifacts_root"`
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	return &Config{
		OllamaURL:        "http://127.0.0.1:11434",
		EmbedModel:       "mxbai-embed-large:latest",
		ChatModel:        "llama3.1:8b",
		InferenceBackend: "ollama",
		ExpectedEmbedDim: 1024,
		TopK:             5,
		MinSimilarity:    0.6,
		IncludeTools:     false,
		SystemPrompt:     DefaultSystemPrompt,
		ListenAddr:       ":8080",
		LogLevel:         "info",
		Worker: WorkerConfig{
			PollInterval:  time.Second,
			LockDuration:  60 * time.Second,
			ArtifactsRoot: "artifacts",
		},
	}
}

// Load builds the configuration from an optional YAML file and the
// environment. Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.OllamaURL, "OLLAMA_URL")
	setString(&c.EmbedModel, "EMBED_MODEL")
	setString(&c.ChatModel, "CHAT_MODEL")
	setString(&c.InferenceBackend, "INFERENCE_BACKEND")
	setString(&c.AnthropicModel, "ANTHROPIC_MODEL")
	setString(&c.SystemPrompt, "SYSTEM_PROMPT")
	setString(&c.ListenAddr, "AIOP_LISTEN_ADDR")
	setString(&c.LogLevel, "AIOP_LOG_LEVEL")
	setString(&c.Worker.ArtifactsRoot, "AIOP_ARTIFACTS_ROOT")

	if err := setInt(&c.ExpectedEmbedDim, "EXPECTED_EMBED_DIM"); err != nil {
		return err
	}
	if err := setInt(&c.TopK, "TOP_K"); err != nil {
		return err
	}
	if err := setFloat(&c.MinSimilarity, "MIN_SIMILARITY"); err != nil {
		return err
	}
	if err := setBool(&c.IncludeTools, "INCLUDE_TOOLS"); err != nil {
		return err
	}
	if err := setSeconds(&c.Worker.PollInterval, "AIOP_WORKER_POLL_S"); err != nil {
		return err
	}
	if err := setSeconds(&c.Worker.LockDuration, "AIOP_WORKER_LOCK_S"); err != nil {
		return err
	}
	return nil
}

// Validate checks the configuration for use by serve/worker commands.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL is required", ErrInvalidConfig)
	}
	if c.ExpectedEmbedDim <= 0 {
		return fmt.Errorf("%w: EXPECTED_EMBED_DIM must be positive", ErrInvalidConfig)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("%w: TOP_K must be positive", ErrInvalidConfig)
	}
	if c.MinSimilarity < -1 || c.MinSimilarity > 1 {
		return fmt.Errorf("%w: MIN_SIMILARITY must be in [-1, 1]", ErrInvalidConfig)
	}
	switch c.InferenceBackend {
	case "ollama", "anthropic":
	default:
		return fmt.Errorf("%w: unknown inference backend %q", ErrInvalidConfig, c.InferenceBackend)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("%w: worker poll interval must be positive", ErrInvalidConfig)
	}
	if c.Worker.LockDuration <= 0 {
		return fmt.Errorf("%w: worker lock duration must be positive", ErrInvalidConfig)
	}
	return nil
}

func setString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, name, v)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, name, v)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidConfig, name, v)
	}
	*dst = b
	return nil
}

// setSeconds reads an integer number of seconds, matching the historical
// *_S environment variable convention.
func setSeconds(dst *time.Duration, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not an integer number of seconds", ErrInvalidConfig, name, v)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}
