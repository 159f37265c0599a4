package commands

import (
	"context"
	"database/sql"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/teranos/conveyor/am"
	"github.com/teranos/conveyor/db"
	"github.com/teranos/conveyor/errors"
	"github.com/teranos/conveyor/pg"
	"github.com/teranos/conveyor/queue"
)

// backends holds lazily-opened storage handles shared by every queue that
// selects the same backend.
type backends struct {
	cfg    *am.Config
	log    *zap.SugaredLogger
	sqlite *sql.DB
	pgdb   *sql.DB
	bdb    *badger.DB
}

func (b *backends) Close() {
	if b.sqlite != nil {
		b.sqlite.Close()
	}
	if b.pgdb != nil {
		b.pgdb.Close()
	}
	if b.bdb != nil {
		b.bdb.Close()
	}
}

func (b *backends) openSQLite() (*sql.DB, error) {
	if b.sqlite != nil {
		return b.sqlite, nil
	}
	d, err := db.Connect(context.Background(), b.cfg.Database.Path, b.log)
	if err != nil {
		return nil, err
	}
	b.sqlite = d
	return d, nil
}

func (b *backends) openPostgres() (*sql.DB, error) {
	if b.pgdb != nil {
		return b.pgdb, nil
	}
	d, err := pg.Connect(context.Background(), pg.DefaultConfig(b.cfg.Postgres.DSN), b.log)
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(d); err != nil {
		d.Close()
		return nil, err
	}
	b.pgdb = d
	return d, nil
}

func (b *backends) openBadger() (*badger.DB, error) {
	if b.bdb != nil {
		return b.bdb, nil
	}
	opts := badger.DefaultOptions(b.cfg.Badger.Dir)
	opts.Logger = nil
	d, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open badger")
	}
	b.bdb = d
	return d, nil
}

// buildStore creates the JobStore (and, where supported, the rate-limit
// store) for one queue's configured backend.
func (b *backends) buildStore(qc am.QueueConfig) (queue.JobStore, queue.RateLimitStore, error) {
	switch qc.Backend {
	case "memory":
		store := queue.NewMemoryStore()
		return store, store, nil
	case "sqlite":
		d, err := b.openSQLite()
		if err != nil {
			return nil, nil, err
		}
		store := queue.NewSQLiteStore(d)
		return store, store, nil
	case "postgres":
		d, err := b.openPostgres()
		if err != nil {
			return nil, nil, err
		}
		store := queue.NewPostgresStore(d)
		return store, store, nil
	case "badger":
		d, err := b.openBadger()
		if err != nil {
			return nil, nil, err
		}
		store := queue.NewBadgerStore(d)
		return store, store, nil
	default:
		return nil, nil, errors.Newf("unknown backend %q", qc.Backend)
	}
}

// buildRegistry constructs every configured queue. Task handlers are the
// application's responsibility: jobs are self-contained with task_type and
// input, and applications register handlers on each queue before Start.
func buildRegistry(cfg *am.Config, log *zap.SugaredLogger) (*queue.QueueRegistry, *backends, error) {
	b := &backends{cfg: cfg, log: log}
	registry := queue.NewQueueRegistry()

	for name, raw := range cfg.Queues {
		qc := am.ApplyQueueDefaults(raw)

		store, rateStore, err := b.buildStore(qc)
		if err != nil {
			b.Close()
			return nil, nil, errors.Wrapf(err, "queue %s", name)
		}

		queueCfg := queue.Config{
			Name:          name,
			WaitDuration:  time.Duration(qc.WaitDurationMs) * time.Millisecond,
			MaxConcurrent: qc.MaxConcurrent,
			MaxStarts:     qc.MaxStarts,
			Window:        time.Duration(qc.WindowSeconds) * time.Second,
			MaxRetries:    qc.MaxRetries,
			Memoize:       qc.Memoize,
		}

		var limiter queue.RateLimiter
		if qc.StoredRateLimit {
			limiter = queue.NewStoredRateLimiter(name, qc.MaxConcurrent, qc.MaxStarts, queueCfg.Window, rateStore)
		}

		q := queue.NewJobQueue(queueCfg, store, limiter, nil, log)
		if err := registry.RegisterQueue(name, q); err != nil {
			b.Close()
			return nil, nil, err
		}
	}

	return registry, b, nil
}

// findJobQueue locates the queue that owns a job id by asking each store.
func findJobQueue(registry *queue.QueueRegistry, jobID string) (*queue.JobQueue, *queue.Job, error) {
	for _, name := range registry.Names() {
		q, err := registry.GetQueue(name)
		if err != nil {
			continue
		}
		job, err := q.Store().Get(jobID)
		if err == nil {
			return q, job, nil
		}
		if !errors.IsNotFoundError(err) {
			return nil, nil, err
		}
	}
	return nil, nil, errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
}
