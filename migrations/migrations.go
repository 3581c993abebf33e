// Package migrations embeds the schema for the staging database and the
// registry tables the client expects.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed staging/*.sql registry/*.sql
var files embed.FS

const (
	Staging  = "staging"
	Registry = "registry"
)

// Apply runs every script under dir in lexical order. Scripts are idempotent.
func Apply(ctx context.Context, db *sql.DB, dir string) error {
	names, err := fs.Glob(files, dir+"/*.sql")
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("migrations: no scripts in %q", dir)
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := files.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migrations: %s: %w", name, err)
		}
	}
	return nil
}
