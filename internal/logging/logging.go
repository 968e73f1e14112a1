package logging

import (
	"fmt"
	"os"
	"strings"

	"log/slog"

	"github.com/tansel/stagehand/internal/config"
)

// New shapes slog for the gateway: level and format come from configuration,
// and every record carries the component plus the correlation header the
// fetch lanes stamp on responses, so log lines and intercepted traffic can be
// joined on the same id.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	handler, err := buildHandler(cfg.Format, &slog.HandlerOptions{Level: level})
	if err != nil {
		return nil, err
	}

	logger := slog.New(handler).With(slog.String("component", "gateway"))
	if cfg.CorrelationHeader != "" {
		logger = logger.With(slog.String("correlation_header", cfg.CorrelationHeader))
	}
	return logger, nil
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging: unsupported level %q", level)
	}
}

func buildHandler(format string, opts *slog.HandlerOptions) (slog.Handler, error) {
	switch strings.ToLower(format) {
	case "json", "":
		return slog.NewJSONHandler(os.Stdout, opts), nil
	case "text":
		return slog.NewTextHandler(os.Stdout, opts), nil
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", format)
	}
}
