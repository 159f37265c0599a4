package logger

import (
	"github.com/teranos/conveyor/sym"
)

// Symbol-aware logging helpers.
// These functions log with the symbol as a structured field, not in the message.
//
// Usage:
//
//	// Instead of:
//	logger.Infow(sym.Queue + " Job started", "job_id", id)
//
//	// Use:
//	logger.QueueInfow("Job started", "job_id", id)
//
// This makes logs queryable by symbol and keeps messages clean.

// QueueInfow logs an info message with the Queue symbol (꩜)
func QueueInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Queue}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// QueueDebugw logs a debug message with the Queue symbol (꩜)
func QueueDebugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Queue}, keysAndValues...)
		Logger.Debugw(msg, fields...)
	}
}

// QueueWarnw logs a warning message with the Queue symbol (꩜)
func QueueWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Queue}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

// DBInfow logs an info message with the DB symbol (⊔)
func DBInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.DB}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}
