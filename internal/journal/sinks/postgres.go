package sinks

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-frontier/internal/journal"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the connection pool used for journal rows.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// PostgresSink inserts one row per journal event. It assumes a table like:
//
//	CREATE TABLE frontier_journal (
//		id          TEXT PRIMARY KEY,
//		run_id      TEXT,
//		ts          TIMESTAMPTZ NOT NULL,
//		kind        TEXT NOT NULL,
//		class_key   TEXT NOT NULL,
//		uri         TEXT NOT NULL,
//		via         TEXT,
//		priority    SMALLINT NOT NULL,
//		cost        SMALLINT NOT NULL,
//		ordinal     BIGINT NOT NULL,
//		attempts    INT NOT NULL
//	);
//
// Inserts ignore duplicate IDs so a replayed batch is harmless.
type PostgresSink struct {
	pool  execCloser
	query string
}

// NewPostgresSink connects a pool using cfg.
func NewPostgresSink(ctx context.Context, cfg PostgresConfig) (*PostgresSink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("journal.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sink, err := NewPostgresSinkWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return sink, nil
}

// NewPostgresSinkWithPool builds a sink from an existing pool (primarily for testing).
func NewPostgresSinkWithPool(pool execCloser, table string) (*PostgresSink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "frontier_journal"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	query := fmt.Sprintf(`INSERT INTO %s
		(id, run_id, ts, kind, class_key, uri, via, priority, cost, ordinal, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`, table)
	return &PostgresSink{pool: pool, query: query}, nil
}

// Consume inserts the batch in order, stopping at the first failure.
func (s *PostgresSink) Consume(ctx context.Context, batch []journal.Event) error {
	for _, evt := range batch {
		_, err := s.pool.Exec(ctx, s.query,
			evt.ID.String(),
			evt.RunID,
			evt.TS,
			string(evt.Kind),
			evt.ClassKey,
			evt.URI,
			evt.Via,
			evt.Priority,
			evt.Cost,
			int64(evt.Ordinal),
			evt.Attempts,
		)
		if err != nil {
			return fmt.Errorf("insert journal event %s: %w", evt.ID, err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *PostgresSink) Close(context.Context) error {
	s.pool.Close()
	return nil
}
