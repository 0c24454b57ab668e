package app

import (
	"log/slog"
	"os"
)

// NewLogger returns the application logger. Production logs at info without
// source locations; everywhere else gets debug with sources.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg != nil && !cfg.IsProduction() {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}
	if cfg != nil && cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
