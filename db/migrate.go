package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/teranos/conveyor/errors"
	"github.com/teranos/conveyor/sym"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// migrationsDir is the path of the embedded migration set.
const migrationsDir = "sqlite/migrations"

// versionTable records applied migrations. Named for conveyor so the job
// database can coexist with an application's own goose-managed schema.
const versionTable = "conveyor_schema_migrations"

// Migrate brings the job schema up to date using goose over the embedded
// migration set. Safe to call on every startup; applied versions are
// skipped. If logger is provided, goose's progress is routed through it.
func Migrate(ctx context.Context, db *sql.DB, logger *zap.SugaredLogger) error {
	// goose configuration is package-global; conveyor owns the whole
	// process-side migration story for its job database, so setting it
	// here is safe.
	goose.SetBaseFS(migrations)
	goose.SetTableName(versionTable)
	goose.SetLogger(newZapAdapter(logger))

	if err := goose.SetDialect("sqlite3"); err != nil {
		return errors.Wrap(err, "failed to set migration dialect")
	}

	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		return errors.Wrap(err, "failed to apply migrations")
	}

	if logger != nil {
		version, err := goose.GetDBVersionContext(ctx, db)
		if err == nil {
			logger.Infow("Job schema up to date",
				"symbol", sym.DB,
				"schema_version", version,
			)
		}
	}

	return nil
}

// zapAdapter bridges goose's Printf-style logging to the structured logger.
// A nil logger silences goose entirely.
type zapAdapter struct {
	log *zap.SugaredLogger
}

func newZapAdapter(log *zap.SugaredLogger) goose.Logger {
	return &zapAdapter{log: log}
}

func (a *zapAdapter) Fatalf(format string, v ...interface{}) {
	if a.log != nil {
		a.log.Errorw(fmt.Sprintf(format, v...), "symbol", sym.DB)
	}
}

func (a *zapAdapter) Printf(format string, v ...interface{}) {
	if a.log != nil {
		a.log.Debugw(fmt.Sprintf(format, v...), "symbol", sym.DB)
	}
}
