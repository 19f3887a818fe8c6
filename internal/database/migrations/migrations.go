// Package migrations applies the framework's bundled schema (the users table
// used by auth) in version order, recording what ran in pew_migrations.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pew-pew-pew/pew/internal/database"
)

//go:embed sql
var files embed.FS

const trackingTable = "pew_migrations"

// Migration is one bundled SQL file.
type Migration struct {
	Version string
	SQL     string
}

// List returns the migrations bundled for dialect, sorted by version.
func List(dialect string) ([]Migration, error) {
	dir := path.Join("sql", dialect)
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, fmt.Errorf("no migrations for dialect %q: %w", dialect, err)
	}

	var out []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		body, err := fs.ReadFile(files, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{Version: strings.TrimSuffix(e.Name(), ".sql"), SQL: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Apply runs every bundled migration that has not been recorded yet and
// returns the versions it applied.
func Apply(ctx context.Context, db *database.Database) ([]string, error) {
	migrations, err := List(db.Dialect().Name)
	if err != nil {
		return nil, err
	}

	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (version VARCHAR(255) PRIMARY KEY, applied_at VARCHAR(64) NOT NULL)`, trackingTable)
	if _, err := db.Exec(ctx, create, nil); err != nil {
		return nil, fmt.Errorf("create %s: %w", trackingTable, err)
	}

	rows, err := db.Select(trackingTable).Fields("version").All(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", trackingTable, err)
	}
	done := make(map[string]bool, len(rows))
	for _, r := range rows {
		done[fmt.Sprint(r["version"])] = true
	}

	var applied []string
	for _, m := range migrations {
		if done[m.Version] {
			continue
		}
		err := db.Transaction(ctx, func(tx *database.Database) error {
			if _, err := tx.Exec(ctx, m.SQL, nil); err != nil {
				return err
			}
			_, err := tx.InsertWithKey(ctx, trackingTable, "", database.Row{
				"version":    m.Version,
				"applied_at": time.Now().UTC().Format(time.RFC3339),
			})
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("migration %s: %w", m.Version, err)
		}
		applied = append(applied, m.Version)
	}
	db.ForgetColumns()
	return applied, nil
}
