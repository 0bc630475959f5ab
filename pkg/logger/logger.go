package logger

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config describes the global logger. Operational logs are written as
// text to stderr; the audit stream records settlements and publish
// outcomes in a separate rotating JSON file.
type Config struct {
	Level string
	Audit AuditConfig
}

// AuditConfig controls the audit log file. Zero values for the size,
// backup and age limits fall back to the writer defaults.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	defaultLogger *slog.Logger
	auditLogger   *slog.Logger
	auditWriter   *rotatingWriter
	once          sync.Once
	initErr       error
)

// Init configures the global logger instances. Only the first call has
// any effect; later calls return the first call's result.
func Init(cfg Config) error {
	once.Do(func() {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: parseLevel(cfg.Level),
		})
		defaultLogger = slog.New(handler)

		auditLogger = defaultLogger
		if !cfg.Audit.Enabled {
			return
		}
		if cfg.Audit.Path == "" {
			initErr = errors.New("audit log path cannot be empty when enabled")
			return
		}
		writer, err := newRotatingWriter(
			cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups, cfg.Audit.MaxAgeDays)
		if err != nil {
			initErr = err
			return
		}
		auditWriter = writer
		auditLogger = slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	})
	return initErr
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the structured logger instance, initialising it with
// defaults if Init has not been called.
func L() *slog.Logger {
	if defaultLogger == nil {
		_ = Init(Config{})
	}
	return defaultLogger
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	if auditLogger == nil {
		return L()
	}
	return auditLogger
}

// Named returns a child logger grouped under the component name.
func Named(name string) *slog.Logger {
	return L().WithGroup(name)
}

// Sync closes the audit log file. Call it once on shutdown.
func Sync() error {
	if auditWriter == nil {
		return nil
	}
	err := auditWriter.Close()
	auditWriter = nil
	return err
}
