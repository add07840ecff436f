// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring and exposes
// Prometheus metrics for the scheduler, the queue drivers, and the data
// mart handler.
package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/datamart-replicator/internal/config"
)

// logLevel maps the runtime environment to the minimum log level: debug while
// developing or under test, info otherwise.
func logLevel(cfg config.Config) slog.Level {
	if cfg.IsDev() || cfg.IsTest() {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// SetupLogger builds the process-wide JSON logger. Every line carries the
// service name and environment so replicator output is separable when
// multiple processes share a log stream.
func SetupLogger(cfg config.Config) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg),
	})
	return slog.New(handler).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
