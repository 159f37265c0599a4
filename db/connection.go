package db

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/conveyor/errors"
	"github.com/teranos/conveyor/sym"
)

// pragmas applied to every conveyor SQLite connection, in order. WAL keeps
// readers unblocked while a claim transaction writes; the busy timeout covers
// contention between the scheduling loop and producers sharing the file.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

// Open opens the SQLite job database at path and applies conveyor's
// connection pragmas. The schema is not touched; use Connect to open and
// migrate in one step.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	d, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}

	for _, pragma := range pragmas {
		if _, err := d.Exec(pragma); err != nil {
			d.Close()
			return nil, errors.Wrapf(err, "failed to apply %q", pragma)
		}
	}

	if logger != nil {
		logger.Infow("Database opened",
			"path", path,
			"symbol", sym.DB,
			"pragmas", len(pragmas),
		)
	}

	return d, nil
}

// Connect opens the job database and brings its schema up to date.
// This is the entry point the CLI and tests use; callers that manage
// migrations themselves can use Open directly.
func Connect(ctx context.Context, path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	d, err := Open(path, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, d, logger); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}
