package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-multibank/migrations"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

// PersistenceConfig carries the connection settings consumed by
// go-persistence-bun.
type PersistenceConfig struct {
	Driver         string        `json:"driver" koanf:"driver"`
	DSN            string        `json:"dsn" koanf:"dsn"`
	Debug          bool          `json:"debug" koanf:"debug"`
	PingTimeout    time.Duration `json:"ping_timeout" koanf:"ping_timeout"`
	OtelIdentifier string        `json:"otel_identifier" koanf:"otel_identifier"`
	MaxOpenConns   int           `json:"max_open_conns" koanf:"max_open_conns"`
}

func (c PersistenceConfig) GetDebug() bool { return c.Debug }

func (c PersistenceConfig) GetDriver() string { return strings.TrimSpace(c.Driver) }

func (c PersistenceConfig) GetServer() string { return strings.TrimSpace(c.DSN) }

func (c PersistenceConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PingTimeout
}

func (c PersistenceConfig) GetOtelIdentifier() string {
	if id := strings.TrimSpace(c.OtelIdentifier); id != "" {
		return id
	}
	return "go-multibank"
}

// Open connects, registers the embedded schema for the configured driver
// and migrates it. Callers own the returned client.
func Open(ctx context.Context, cfg PersistenceConfig) (*persistence.Client, error) {
	dialectName, err := migrations.DialectForDriver(cfg.GetDriver())
	if err != nil {
		return nil, err
	}
	if cfg.GetServer() == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}

	sqlDB, err := sql.Open(cfg.GetDriver(), cfg.GetServer())
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", cfg.GetDriver(), err)
	}
	var dialect schema.Dialect
	switch dialectName {
	case migrations.DialectPostgres:
		dialect = pgdialect.New()
	default:
		dialect = sqlitedialect.New()
		// shared memory databases need a single connection
		if cfg.MaxOpenConns == 0 {
			cfg.MaxOpenConns = 1
		}
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	client, err := persistence.New(cfg, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: new persistence client: %w", err)
	}
	if _, err := migrations.RegisterDriver(ctx, client, cfg.GetDriver()); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return client, nil
}
