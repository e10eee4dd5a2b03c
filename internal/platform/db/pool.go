// Package db owns the PostgreSQL connection pool backing the observation
// store, its schema migrations and the database health endpoint.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// NewPool connects to databaseURL with search_path set to schema, so
// unqualified table names resolve to the migrated schema. An empty schema
// means DefaultSchema.
func NewPool(ctx context.Context, databaseURL, schema string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(databaseURL, schema, maxConns, minConns)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

func poolConfig(databaseURL, schema string, maxConns, minConns int32) (*pgxpool.Config, error) {
	if schema == "" {
		schema = DefaultSchema
	}
	if !schemaPattern.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name %q", schema)
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return cfg, nil
}

// PoolRecorder receives connection pool gauges.
type PoolRecorder interface {
	SetDBPoolActive(n int64)
	SetDBPoolIdle(n int64)
}

// StatSource is satisfied by *pgxpool.Pool.
type StatSource interface {
	Stat() *pgxpool.Stat
}

// ReportPoolStats pushes pool gauges to rec every interval until ctx is done.
func ReportPoolStats(ctx context.Context, pool StatSource, rec PoolRecorder, interval time.Duration) {
	logger := zerolog.Ctx(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		recordPoolStats(pool, rec)
		select {
		case <-ctx.Done():
			logger.Debug().Msg("pool stats reporter stopped")
			return
		case <-ticker.C:
		}
	}
}

func recordPoolStats(pool StatSource, rec PoolRecorder) {
	stat := pool.Stat()
	rec.SetDBPoolActive(int64(stat.AcquiredConns()))
	rec.SetDBPoolIdle(int64(stat.IdleConns()))
}
