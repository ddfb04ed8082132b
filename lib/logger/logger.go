// Package logger configures the process-wide zerolog logger. Every
// subsystem derives a child logger through WithComponent so log lines can
// be filtered per component without touching call sites.
package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config captures the options the daemon wires in at startup.
type Config struct {
	Level   string    // "debug", "info", ... empty falls back to LOG_LEVEL or info
	Output  io.Writer // defaults to os.Stdout
	File    string    // optional rotating log file, in addition to Output
	Service string    // service name attached to every entry
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the global logger exactly once. Later calls are
// no-ops, so tests may call it freely.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		raw := cfg.Level
		if raw == "" {
			raw = os.Getenv("LOG_LEVEL")
		}
		if raw != "" {
			if parsed, err := zerolog.ParseLevel(raw); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		writer := cfg.Output
		if writer == nil {
			writer = os.Stdout
		}
		if cfg.File != "" {
			rotated := &lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    50, // MB
				MaxBackups: 3,
				MaxAge:     14, // days
				Compress:   true,
			}
			writer = zerolog.MultiLevelWriter(writer, rotated)
		}

		service := cfg.Service
		if service == "" {
			service = "aceorch"
		}

		base = zerolog.New(writer).With().
			Timestamp().
			Str("service", service).
			Logger()
	})
}

func root() zerolog.Logger {
	Configure(Config{})
	return base
}

// Base returns the configured base logger.
func Base() zerolog.Logger {
	return root()
}

// WithComponent returns a child logger annotated with the component name.
func WithComponent(component string) zerolog.Logger {
	return root().With().Str("component", component).Logger()
}
