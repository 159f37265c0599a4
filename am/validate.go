package am

import "github.com/teranos/conveyor/errors"

var validBackends = map[string]bool{
	"memory":   true,
	"sqlite":   true,
	"postgres": true,
	"badger":   true,
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	for name, qc := range c.Queues {
		if name == "" {
			return errors.New("queue name cannot be empty")
		}
		if qc.Backend != "" && !validBackends[qc.Backend] {
			return errors.Newf("queues.%s.backend must be one of memory|sqlite|postgres|badger, got %q", name, qc.Backend)
		}
		if qc.Backend == "postgres" && c.Postgres.DSN == "" {
			return errors.Newf("queues.%s uses the postgres backend but postgres.dsn is empty", name)
		}
		if qc.MaxConcurrent < 0 {
			return errors.Newf("queues.%s.max_concurrent must be >= 0, got %d", name, qc.MaxConcurrent)
		}
		if qc.MaxStarts < 0 {
			return errors.Newf("queues.%s.max_starts must be >= 0, got %d", name, qc.MaxStarts)
		}
		if qc.WindowSeconds < 0 {
			return errors.Newf("queues.%s.window_seconds must be >= 0, got %d", name, qc.WindowSeconds)
		}
		if qc.WaitDurationMs < 0 {
			return errors.Newf("queues.%s.wait_duration_ms must be >= 0, got %d", name, qc.WaitDurationMs)
		}
		if qc.MaxRetries < 0 {
			return errors.Newf("queues.%s.max_retries must be >= 0, got %d", name, qc.MaxRetries)
		}
	}
	return nil
}
