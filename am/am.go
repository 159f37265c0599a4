// Package am holds the conveyor configuration model and its loading logic.
package am

// Config represents the core conveyor configuration
type Config struct {
	Database DatabaseConfig         `mapstructure:"database"`
	Postgres PostgresConfig         `mapstructure:"postgres"`
	Badger   BadgerConfig           `mapstructure:"badger"`
	Log      LogConfig              `mapstructure:"log"`
	Queues   map[string]QueueConfig `mapstructure:"queues"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig configures the optional PostgreSQL backend
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"` // empty = postgres backend unavailable
}

// BadgerConfig configures the optional Badger key-value backend
type BadgerConfig struct {
	Dir string `mapstructure:"dir"`
}

// LogConfig configures logging output
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// QueueConfig configures a single named job queue.
//
// Queue names are logical scheduling domains (e.g. "local_hf",
// "local_media_pipe"); each pairs a storage backend with a rate envelope
// and a concurrency cap.
type QueueConfig struct {
	// Backend selects the JobStore implementation: memory|sqlite|postgres|badger
	Backend string `mapstructure:"backend"`

	// MaxConcurrent caps in-flight jobs for this queue (default: 1)
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// Rate envelope: MaxStarts job starts per WindowSeconds sliding window.
	// MaxStarts 0 disables the window check.
	MaxStarts     int `mapstructure:"max_starts"`
	WindowSeconds int `mapstructure:"window_seconds"`

	// WaitDurationMs bounds the scheduling loop's polling granularity (default: 100)
	WaitDurationMs int `mapstructure:"wait_duration_ms"`

	// MaxRetries is the default retry budget for jobs added without one (default: 2)
	MaxRetries int `mapstructure:"max_retries"`

	// Memoize completes jobs from a prior identical result instead of re-executing
	Memoize bool `mapstructure:"memoize"`

	// StoredRateLimit persists the rate envelope so it survives restart
	StoredRateLimit bool `mapstructure:"stored_rate_limit"`
}
