// Package migrations embeds the PostgreSQL schema and applies it using the
// schema_migrations table format of golang-migrate (bigint version + dirty
// flag), so the two tools are interchangeable.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed *.sql
var files embed.FS

// File is one forward migration.
type File struct {
	Name    string
	Version int64
}

// Up lists the embedded *.up.sql migrations in version order.
func Up() ([]File, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}
	var out []File
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		ver, err := versionFromFile(e.Name())
		if err != nil {
			return nil, fmt.Errorf("parse version from %s: %w", e.Name(), err)
		}
		out = append(out, File{Name: e.Name(), Version: ver})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	for i := 1; i < len(out); i++ {
		if out[i].Version == out[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d", out[i].Version)
		}
	}
	return out, nil
}

// SQL returns the body of an embedded migration.
func SQL(name string) (string, error) {
	b, err := files.ReadFile(name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Apply runs every pending migration and reports progress to out. It returns
// the number applied.
func Apply(ctx context.Context, db *pgxpool.Pool, out io.Writer) (int, error) {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	pending, err := Up()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, f := range pending {
		var exists bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1 AND dirty = false)`,
			f.Version,
		).Scan(&exists); err != nil {
			return applied, fmt.Errorf("check %s: %w", f.Name, err)
		}
		if exists {
			fmt.Fprintf(out, "  skip  %s (already applied)\n", f.Name)
			continue
		}

		body, err := SQL(f.Name)
		if err != nil {
			return applied, fmt.Errorf("read %s: %w", f.Name, err)
		}

		// dirty=true first so a crash mid-migration is visible.
		if _, err := db.Exec(ctx,
			`INSERT INTO schema_migrations (version, dirty) VALUES ($1, true)
			 ON CONFLICT (version) DO UPDATE SET dirty = true`, f.Version,
		); err != nil {
			return applied, fmt.Errorf("mark dirty %s: %w", f.Name, err)
		}
		if _, err := db.Exec(ctx, body); err != nil {
			return applied, fmt.Errorf("apply %s: %w", f.Name, err)
		}
		if _, err := db.Exec(ctx,
			`UPDATE schema_migrations SET dirty = false WHERE version = $1`, f.Version,
		); err != nil {
			return applied, fmt.Errorf("mark clean %s: %w", f.Name, err)
		}

		fmt.Fprintf(out, "  apply %s\n", f.Name)
		applied++
	}
	return applied, nil
}

// versionFromFile extracts the leading integer from a migration filename.
// "001_ledger.up.sql" → 1
func versionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("unexpected filename format")
	}
	return strconv.ParseInt(prefix, 10, 64)
}
