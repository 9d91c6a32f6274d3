package app

import (
	"log/slog"
	"os"
)

// NewLogger returns a configured slog.Logger. Production deployments run
// with JSON output; everything else gets the text handler. The service
// attribute distinguishes authzd from the worker in shared log streams.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	var handler slog.Handler
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With(slog.String("service", "lyceum-authz"))
	slog.SetDefault(logger)
	return logger
}
