package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        filename   TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`

	migrationAppliedSQL = `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename = $1);`
	recordMigrationSQL  = `INSERT INTO schema_migrations (filename) VALUES ($1);`
)

// Migrate applies every *.sql file under dir in lexical order, once each.
// Each file runs in its own transaction together with its bookkeeping row.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dir string) (int, error) {
	if _, err := pool.Exec(ctx, createMigrationsTableSQL); err != nil {
		return 0, classify(err, "create migrations table")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		var done bool
		if err := pool.QueryRow(ctx, migrationAppliedSQL, name).Scan(&done); err != nil {
			return applied, classify(err, "check migration")
		}
		if done {
			continue
		}

		contents, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}

		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(contents)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, recordMigrationSQL, name)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		applied++
	}
	return applied, nil
}
