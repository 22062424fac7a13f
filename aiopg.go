// Package aiopg is a small AI operator control plane on PostgreSQL.
//
// It turns user prompts into durable, replayable runs and drains a
// transactional task queue with a fleet of workers. Three subsystems carry
// the weight:
//
//   - A relational task queue with exactly-once claim semantics
//     (SELECT ... FOR UPDATE SKIP LOCKED), attempt/backoff accounting,
//     and lease expiry.
//   - An event-sourced memory log: every step of every run is persisted as
//     an append-only envelope keyed by run id, with chronological trace
//     retrieval and pgvector similarity retrieval over prior content.
//   - A run orchestration protocol: an HTTP pipeline that classifies
//     intent, retrieves prior memories, optionally performs a single
//     bounded tool turn, and persists a typed event trail; and a worker
//     loop that consumes the queue and executes typed task handlers.
//
// # Layout
//
//   - config:       environment/YAML configuration
//   - memory:       canonical event envelope + the single event write path
//   - storage:      Postgres store (memories, vector search, task queue)
//   - tool:         typed tool registry with schema-checked invocation
//   - inference:    embedding + chat contract (Ollama and Anthropic backends)
//   - worker:       claim/dispatch loop and task handlers
//   - repo:         git patch-apply collaborator
//   - orchestrator: the /ask pipeline
//   - api:          HTTP surface (/ask, /trace, /healthz, /readyz, /metrics)
//   - notifier:     LISTEN/NOTIFY wake-up for idle workers
//
// # Quick start
//
//	cfg, _ := config.Load("")
//	store, _ := storage.NewPostgres(ctx, storage.Config{DatabaseURL: cfg.DatabaseURL, EmbedDim: cfg.ExpectedEmbedDim, RunMigrations: true})
//	events := memory.NewLog(store)
//	svc := inference.NewOllama(inference.OllamaConfig{BaseURL: cfg.OllamaURL})
//	orch := orchestrator.New(store, events, svc, tool.DefaultRegistry(), orchestrator.Config{TopK: cfg.TopK})
//	http.ListenAndServe(cfg.ListenAddr, api.NewServer(orch, store, svc, nil).Handler())
//
// Workers run as separate processes and coordinate only through the store:
//
//	w := worker.New(store, events, tool.DefaultRegistry(), worker.Config{})
//	w.Start(ctx)
package aiopg

// Version is the current aiopg version.
const Version = "0.3.0"
