// Command aiopd runs the control plane: the HTTP orchestrator, the task
// worker, migrations and a demo enqueuer.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/youssefsiam38/aiopg/api"
	"github.com/youssefsiam38/aiopg/config"
	"github.com/youssefsiam38/aiopg/inference"
	"github.com/youssefsiam38/aiopg/memory"
	"github.com/youssefsiam38/aiopg/notifier"
	"github.com/youssefsiam38/aiopg/orchestrator"
	"github.com/youssefsiam38/aiopg/storage"
	"github.com/youssefsiam38/aiopg/tool"
	"github.com/youssefsiam38/aiopg/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "aiopd",
		Short:         "AI operator control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newWorkerCmd(&configPath))
	root.AddCommand(newEnqueueCmd(&configPath))
	root.AddCommand(newMigrateCmd(&configPath))
	return root
}

func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg *config.Config, migrate bool) (*storage.Postgres, error) {
	return storage.NewPostgres(ctx, storage.Config{
		DatabaseURL:   cfg.DatabaseURL,
		EmbedDim:      cfg.ExpectedEmbedDim,
		RunMigrations: migrate,
	})
}

func buildInference(cfg *config.Config) inference.Service {
	ollama := inference.NewOllama(inference.OllamaConfig{
		BaseURL:     cfg.OllamaURL,
		EmbedModel:  cfg.EmbedModel,
		ChatModel:   cfg.ChatModel,
		ExpectedDim: cfg.ExpectedEmbedDim,
	})
	if cfg.InferenceBackend == "anthropic" {
		return &inference.Hybrid{
			Embedder: ollama,
			Chatter:  inference.NewAnthropic(inference.AnthropicConfig{Model: cfg.AnthropicModel}),
		}
	}
	return ollama
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := openStore(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer store.Close()

			svc := buildInference(cfg)
			events := memory.NewLog(store)
			orch := orchestrator.New(store, events, svc, tool.DefaultRegistry(), orchestrator.Config{
				TopK:          cfg.TopK,
				MinSimilarity: cfg.MinSimilarity,
				IncludeTools:  cfg.IncludeTools,
				SystemPrompt:  cfg.SystemPrompt,
				Logger:        logger,
			})

			server := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           api.NewServer(orch, store, svc, logger).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			logger.Info("orchestrator listening", "addr", cfg.ListenAddr)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

func newWorkerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a task queue worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := openStore(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer store.Close()

			w := worker.New(store, memory.NewLog(store), tool.DefaultRegistry(), worker.Config{
				PollInterval:  cfg.Worker.PollInterval,
				LockDuration:  cfg.Worker.LockDuration,
				ArtifactsRoot: cfg.Worker.ArtifactsRoot,
				Logger:        logger,
			})

			notif := notifier.New(store.Pool(), &notifier.Config{
				OnError: func(err error) {
					logger.Warn("notifier error, falling back to polling", "error", err)
				},
			})
			notif.Subscribe(notifier.EventTaskEnqueued, func(*notifier.Event) {
				w.Wake()
			})
			if err := notif.Start(ctx); err != nil {
				return err
			}

			if err := w.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = notif.Stop(shutdownCtx)
			return w.Stop(shutdownCtx)
		},
	}
}

func newEnqueueCmd(configPath *string) *cobra.Command {
	var (
		taskType    string
		payloadJSON string
		priority    int
		maxAttempts int
		runID       string
		demo        bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a task (or --demo for a canned batch)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := openStore(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer store.Close()

			if demo {
				return enqueueDemo(ctx, cmd, store)
			}

			if taskType == "" {
				return fmt.Errorf("--type is required")
			}
			payload := map[string]any{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("parse --payload: %w", err)
				}
			}

			id, err := store.EnqueueTask(ctx, storage.EnqueueParams{
				Type:        taskType,
				Payload:     payload,
				Priority:    priority,
				MaxAttempts: maxAttempts,
				RunID:       runID,
			})
			if err != nil {
				return err
			}
			cmd.Println("ENQUEUED", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskType, "type", "", "task type (tool.call, repo.change, doc.build, patch.apply)")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "task payload as JSON")
	cmd.Flags().IntVar(&priority, "priority", 10, "ascending priority, lower is served earlier")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "max attempts, 0 for the default")
	cmd.Flags().StringVar(&runID, "run-id", "", "optional run id to tie events back to")
	cmd.Flags().BoolVar(&demo, "demo", false, "enqueue the demo tool.call batch")
	return cmd
}

func enqueueDemo(ctx context.Context, cmd *cobra.Command, store storage.Store) error {
	demoTasks := []storage.EnqueueParams{
		{Type: storage.TaskToolCall, Payload: map[string]any{"tool": "ping", "args": map[string]any{"message": "demo_1"}}, Priority: 10},
		{Type: storage.TaskToolCall, Payload: map[string]any{"tool": "sleep", "args": map[string]any{"seconds": 2}}, Priority: 10},
		{Type: storage.TaskToolCall, Payload: map[string]any{"tool": "ping", "args": map[string]any{"message": "demo_2"}}, Priority: 10},
	}
	for _, params := range demoTasks {
		id, err := store.EnqueueTask(ctx, params)
		if err != nil {
			return err
		}
		cmd.Println("ENQUEUED", id)
	}
	return nil
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer store.Close()

			logger.Info("migrations applied")
			return nil
		},
	}
}
