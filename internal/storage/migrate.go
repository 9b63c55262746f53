package storage

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

const (
	createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version    TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`
	listMigrationsSQL  = `SELECT version FROM schema_migrations;`
	recordMigrationSQL = `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING;`
)

// RunMigrations applies the .sql files of fsys in lexical order, each at most once,
// and returns the names it applied.
func (s *Store) RunMigrations(ctx context.Context, fsys fs.FS) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, createMigrationsTableSQL); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := pool.Query(ctx, listMigrationsSQL)
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return nil, err
		}
		applied[v] = true
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var ran []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return ran, fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return ran, fmt.Errorf("execute migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, recordMigrationSQL, name); err != nil {
			return ran, fmt.Errorf("record migration %s: %w", name, err)
		}
		ran = append(ran, name)
	}
	return ran, nil
}
