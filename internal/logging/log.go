// Package logging provides structured logging for ringdb using zerolog.
//
// It wraps zerolog to give every long-lived component (the WAL flusher,
// the compactor, the replication sender, the heartbeat pinger, the
// hint-delivery worker, the anti-entropy worker) a logger scoped with
// its own structured fields, so log lines can be filtered by node,
// partition, or component without string parsing.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured once via Init.
var Logger zerolog.Logger

// Level is the configured minimum severity for the global logger.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls the global logger's level, output format, and
// destination writer.
type Config struct {
	Output     io.Writer
	Level      Level
	JSONOutput bool
}

// Init configures the package-level Logger. Call once at process
// startup before any component logger is derived.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger scoped to a subsystem, e.g.
// "lsm", "replication-sender", "heartbeat".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID returns a child logger scoped to a node id.
func WithNodeID(nodeID string) zerolog.Logger {
	return Logger.With().Str("node_id", nodeID).Logger()
}

// WithPartition returns a child logger scoped to a partition id.
func WithPartition(pid int) zerolog.Logger {
	return Logger.With().Int("partition_id", pid).Logger()
}

// WithOrigin returns a child logger scoped to a replication origin node,
// useful when logging per-origin sequence application.
func WithOrigin(origin string) zerolog.Logger {
	return Logger.With().Str("origin", origin).Logger()
}

func init() {
	// Sane default so packages that log before main calls Init (e.g. in
	// tests) don't panic on a zero-value Logger.
	Init(Config{Level: InfoLevel})
}
