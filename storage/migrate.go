package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	ID  string
	SQL string
}

// Migrate applies pending migrations inside transactions, recording each
// one in aiopg_schema_migrations. The vector(1024) column in the shipped
// SQL is rewritten to the configured embedding dimension before applying.
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS aiopg_schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("%w: create schema_migrations: %v", ErrUnavailable, err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.ID] {
			continue
		}

		sql := m.SQL
		if s.embedDim != 1024 {
			sql = strings.ReplaceAll(sql, "vector(1024)", fmt.Sprintf("vector(%d)", s.embedDim))
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("%w: begin migration %s: %v", ErrUnavailable, m.ID, err)
		}
		if _, err := tx.Exec(ctx, sql); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("%w: apply migration %s: %v", ErrUnavailable, m.ID, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO aiopg_schema_migrations (id) VALUES ($1)", m.ID); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("%w: record migration %s: %v", ErrUnavailable, m.ID, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("%w: commit migration %s: %v", ErrUnavailable, m.ID, err)
		}
	}
	return nil
}

func (s *Postgres) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "SELECT id FROM aiopg_schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("%w: query schema_migrations: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan schema_migrations: %v", ErrUnavailable, err)
		}
		applied[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: schema_migrations: %v", ErrUnavailable, err)
	}
	return applied, nil
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		out = append(out, migration{
			ID:  strings.TrimSuffix(e.Name(), ".sql"),
			SQL: string(data),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
