// Package migrations registers the embedded multibank schema with a
// migration runner, one filesystem per SQL dialect.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	multibank "github.com/goliatone/go-multibank"
	persistence "github.com/goliatone/go-persistence-bun"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	schemaRoot = "data/sql/migrations"
)

// Source is one dialect's migration directory.
type Source struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type RegisterFunc func(ctx context.Context, source Source) error

// Sources resolves the postgres and sqlite migration directories from root,
// or from the embedded schema when root is nil. Every directory must hold at
// least one up migration.
func Sources(root fs.FS) ([]Source, error) {
	if root == nil {
		root = multibank.GetMigrationsFS()
	}
	postgres, err := fs.Sub(root, schemaRoot)
	if err != nil {
		return nil, fmt.Errorf("migrations: open %s: %w", schemaRoot, err)
	}
	sqlite, err := fs.Sub(postgres, DialectSQLite)
	if err != nil {
		return nil, fmt.Errorf("migrations: open %s/%s: %w", schemaRoot, DialectSQLite, err)
	}

	sources := []Source{
		{Dialect: DialectPostgres, Path: schemaRoot, FS: postgres},
		{Dialect: DialectSQLite, Path: schemaRoot + "/" + DialectSQLite, FS: sqlite},
	}
	for _, source := range sources {
		ups, err := fs.Glob(source.FS, "*.up.sql")
		if err != nil {
			return nil, fmt.Errorf("migrations: scan %s: %w", source.Path, err)
		}
		if len(ups) == 0 {
			return nil, fmt.Errorf("migrations: %s has no up migrations", source.Path)
		}
	}
	return sources, nil
}

// Register hands each embedded source to fn. When dialects are given only
// the matching sources are registered.
func Register(ctx context.Context, fn RegisterFunc, dialects ...string) ([]Source, error) {
	if fn == nil {
		return nil, fmt.Errorf("migrations: register function is required")
	}
	sources, err := Sources(nil)
	if err != nil {
		return nil, err
	}

	wanted := map[string]bool{}
	for _, dialect := range dialects {
		if d := strings.ToLower(strings.TrimSpace(dialect)); d != "" {
			wanted[d] = true
		}
	}

	registered := make([]Source, 0, len(sources))
	for _, source := range sources {
		if len(wanted) > 0 && !wanted[source.Dialect] {
			continue
		}
		if err := fn(ctx, source); err != nil {
			return registered, fmt.Errorf("migrations: register %s: %w", source.Dialect, err)
		}
		registered = append(registered, source)
	}
	if len(registered) == 0 {
		return nil, fmt.Errorf("migrations: no source for dialects %v", dialects)
	}
	return registered, nil
}

// DialectForDriver maps a database/sql driver name to the migration
// dialect serving it.
func DialectForDriver(driver string) (string, error) {
	switch strings.TrimSpace(strings.ToLower(driver)) {
	case "postgres", "pgx", "pg":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("migrations: unsupported driver %q", driver)
	}
}

// RegisterDriver queues the migrations for the dialect matching driver on
// client.
func RegisterDriver(ctx context.Context, client *persistence.Client, driver string) ([]Source, error) {
	if client == nil {
		return nil, fmt.Errorf("migrations: client is required")
	}
	dialect, err := DialectForDriver(driver)
	if err != nil {
		return nil, err
	}
	return Register(ctx, func(_ context.Context, source Source) error {
		client.RegisterSQLMigrations(source.FS)
		return nil
	}, dialect)
}
