package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TaskEnqueuedChannel is the NOTIFY channel pinged after every enqueue so
// idle workers can wake before their next poll tick.
const TaskEnqueuedChannel = "aiopg_task_enqueued"

// Config holds Postgres store configuration.
type Config struct {
	// DatabaseURL is the connection string (required unless Pool is set).
	DatabaseURL string

	// Pool is an existing pool to reuse. When set, DatabaseURL is ignored
	// and the store will not close the pool.
	Pool *pgxpool.Pool

	// EmbedDim is the expected embedding dimension. Default 1024.
	EmbedDim int

	// RunMigrations applies pending migrations on startup. Default true
	// via NewPostgres.
	RunMigrations bool
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool     *pgxpool.Pool
	embedDim int
	ownsPool bool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects (or adopts cfg.Pool) and applies migrations.
func NewPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
	if cfg.EmbedDim == 0 {
		cfg.EmbedDim = 1024
	}

	pool := cfg.Pool
	ownsPool := false
	if pool == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("%w: either DatabaseURL or Pool must be provided", ErrInvalidArgument)
		}
		var err error
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("%w: open pool: %v", ErrUnavailable, err)
		}
		ownsPool = true

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
		}
	}

	s := &Postgres{pool: pool, embedDim: cfg.EmbedDim, ownsPool: ownsPool}

	if cfg.RunMigrations {
		if err := s.Migrate(ctx); err != nil {
			if ownsPool {
				pool.Close()
			}
			return nil, err
		}
	}
	return s, nil
}

// Close releases the pool if this store owns it.
func (s *Postgres) Close() {
	if s.ownsPool && s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool (the notifier needs a raw connection).
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

// EmbedDim returns the configured embedding dimension.
func (s *Postgres) EmbedDim() int {
	return s.embedDim
}

// Ping verifies a trivial round-trip.
func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// =============================================================================
// Memory rows
// =============================================================================

// InsertMemory writes one row. The content is opaque bytes as far as the
// store is concerned; only the embedding participates in similarity.
func (s *Postgres) InsertMemory(ctx context.Context, ins MemoryInsert) (string, error) {
	if ins.Embedding != nil && len(ins.Embedding) != s.embedDim {
		return "", fmt.Errorf("%w: expected %d-dim embedding, got %d", ErrInvalidArgument, s.embedDim, len(ins.Embedding))
	}

	id := uuid.New().String()

	var embedding *string
	if ins.Embedding != nil {
		v := encodeVector(ins.Embedding)
		embedding = &v
	}

	var toolResult []byte
	if ins.ToolResult != nil {
		b, err := json.Marshal(ins.ToolResult)
		if err != nil {
			return "", fmt.Errorf("%w: marshal tool_result: %v", ErrInvalidArgument, err)
		}
		toolResult = b
	}

	query := `
		INSERT INTO memory (id, source, content, embedding, embedding_model, tool, tool_result, created_at)
		VALUES ($1, $2, $3, $4::vector, $5, $6, $7, now())
	`
	_, err := s.pool.Exec(ctx, query,
		id,
		ins.Source,
		ins.Content,
		embedding,
		nullString(ins.EmbeddingModel),
		nullString(ins.Tool),
		toolResult,
	)
	if err != nil {
		return "", fmt.Errorf("%w: insert memory: %v", ErrUnavailable, err)
	}
	return id, nil
}

// SearchMemories runs cosine similarity retrieval over rows with
// embeddings, using pgvector's <=> distance operator.
func (s *Postgres) SearchMemories(ctx context.Context, query []float32, opts SearchOptions) ([]MemoryRow, error) {
	if len(query) != s.embedDim {
		return nil, fmt.Errorf("%w: expected %d-dim query vector, got %d", ErrInvalidArgument, s.embedDim, len(query))
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}

	queryVec := encodeVector(query)

	sql := `
		SELECT id::text, source, content, embedding::text, embedding_model, tool, tool_result, created_at,
		       1 - (embedding <=> $1::vector) AS cosine_sim
		FROM memory
		WHERE embedding IS NOT NULL
	`
	if !opts.IncludeTools {
		sql += " AND (tool IS NULL OR tool = '')"
	}
	sql += `
		  AND (1 - (embedding <=> $1::vector)) >= $2
		ORDER BY embedding <=> $1::vector ASC
		LIMIT $3
	`

	rows, err := s.pool.Query(ctx, sql, queryVec, opts.MinSimilarity, opts.TopK)
	if err != nil {
		return nil, fmt.Errorf("%w: search memories: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []MemoryRow
	for rows.Next() {
		row, err := scanMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: search memories: %v", ErrUnavailable, err)
	}
	return out, nil
}

func scanMemoryRow(rows pgx.Rows) (MemoryRow, error) {
	var (
		row            MemoryRow
		embedding      *string
		embeddingModel *string
		tool           *string
		toolResult     []byte
	)
	err := rows.Scan(
		&row.ID,
		&row.Source,
		&row.Content,
		&embedding,
		&embeddingModel,
		&tool,
		&toolResult,
		&row.CreatedAt,
		&row.CosineSim,
	)
	if err != nil {
		return MemoryRow{}, fmt.Errorf("%w: scan memory row: %v", ErrUnavailable, err)
	}
	if embedding != nil {
		vec, err := decodeVector(*embedding)
		if err != nil {
			return MemoryRow{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		row.Embedding = vec
	}
	if embeddingModel != nil {
		row.EmbeddingModel = *embeddingModel
	}
	if tool != nil {
		row.Tool = *tool
	}
	if toolResult != nil {
		if err := json.Unmarshal(toolResult, &row.ToolResult); err != nil {
			return MemoryRow{}, fmt.Errorf("%w: unmarshal tool_result: %v", ErrUnavailable, err)
		}
	}
	return row, nil
}

// LatestPhrase returns the newest PHRASE: row, prefix stripped and trimmed.
func (s *Postgres) LatestPhrase(ctx context.Context, includeTools bool) (string, error) {
	sql := `
		SELECT content
		FROM memory
		WHERE content LIKE 'PHRASE:%'
	`
	if !includeTools {
		sql += " AND (tool IS NULL OR tool = '')"
	}
	sql += `
		ORDER BY created_at DESC
		LIMIT 1
	`

	var content string
	err := s.pool.QueryRow(ctx, sql).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: no remembered phrase", ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("%w: latest phrase: %v", ErrUnavailable, err)
	}
	return trimPhrase(content), nil
}

// EventRows returns all EVENT: rows in chronological order.
func (s *Postgres) EventRows(ctx context.Context) ([]EventRow, error) {
	sql := `
		SELECT created_at, COALESCE(tool, ''), content
		FROM memory
		WHERE content LIKE 'EVENT:%'
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("%w: event rows: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.CreatedAt, &r.Tool, &r.Content); err != nil {
			return nil, fmt.Errorf("%w: scan event row: %v", ErrUnavailable, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: event rows: %v", ErrUnavailable, err)
	}
	return out, nil
}
