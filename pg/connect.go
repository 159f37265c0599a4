// Package pg provides PostgreSQL connectivity for the server-SQL job store.
//
// Connections go through the pgx stdlib driver so the queue package can share
// its database/sql scanning code between the SQLite and PostgreSQL backends.
package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/teranos/conveyor/errors"
	"github.com/teranos/conveyor/sym"
)

// Config holds PostgreSQL connection settings.
type Config struct {
	DSN           string
	MaxOpenConns  int
	MaxIdleConns  int
	RetryAttempts int
	RetryInterval time.Duration
}

// DefaultConfig returns connection settings suitable for a single-process queue owner.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:           dsn,
		MaxOpenConns:  8,
		MaxIdleConns:  2,
		RetryAttempts: 3,
		RetryInterval: time.Second,
	}
}

// Connect opens a PostgreSQL connection pool with retry logic.
// Uses linear backoff so simultaneous restarts don't hammer the server.
func Connect(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*sql.DB, error) {
	connCfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse postgres DSN")
	}

	var lastErr error
	for i := 0; i < cfg.RetryAttempts; i++ {
		db := stdlib.OpenDB(*connCfg)
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)

		// Verify connection with actual database ping to catch authentication issues
		if err := db.PingContext(ctx); err != nil {
			lastErr = err
			db.Close()
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "postgres connect cancelled")
			case <-time.After(time.Duration(i+1) * cfg.RetryInterval):
			}
			continue
		}

		if logger != nil {
			logger.Infow("PostgreSQL connected", "symbol", sym.DB, "max_open_conns", cfg.MaxOpenConns)
		}
		return db, nil
	}

	return nil, errors.Wrap(lastErr, "failed to open postgres connection")
}
