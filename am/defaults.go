package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "conveyor.db")

	// Badger defaults
	v.SetDefault("badger.dir", "conveyor-badger")

	// Log defaults
	v.SetDefault("log.json", false)
}

// DefaultQueueConfig returns the per-queue defaults applied to queues that
// omit a setting. Mirrors ApplyQueueDefaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Backend:        "sqlite",
		MaxConcurrent:  1,
		MaxStarts:      0, // window check disabled
		WindowSeconds:  60,
		WaitDurationMs: 100,
		MaxRetries:     2,
	}
}

// ApplyQueueDefaults fills zero-valued queue settings with defaults.
func ApplyQueueDefaults(qc QueueConfig) QueueConfig {
	def := DefaultQueueConfig()
	if qc.Backend == "" {
		qc.Backend = def.Backend
	}
	if qc.MaxConcurrent <= 0 {
		qc.MaxConcurrent = def.MaxConcurrent
	}
	if qc.WindowSeconds <= 0 {
		qc.WindowSeconds = def.WindowSeconds
	}
	if qc.WaitDurationMs <= 0 {
		qc.WaitDurationMs = def.WaitDurationMs
	}
	if qc.MaxRetries <= 0 {
		qc.MaxRetries = def.MaxRetries
	}
	return qc
}
