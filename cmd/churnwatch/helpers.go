package main

import (
	"cmp"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/opensource-finance/churnwatch/internal/config"
	"github.com/opensource-finance/churnwatch/internal/domain"
	"github.com/opensource-finance/churnwatch/internal/format"
	"github.com/opensource-finance/churnwatch/internal/pipeline"
)

// loadConfig resolves the configuration and applies the global flags.
func loadConfig() (*domain.Config, error) {
	cfg, err := config.Load(rootFlags.config)
	if err != nil {
		return nil, err
	}
	if rootFlags.source != "" {
		cfg.Source.Path = rootFlags.source
		cfg.Source.URL = ""
	}
	if rootFlags.debug {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// setupLogger installs the default structured logger. Command output goes to
// stdout, so logs are written to w.
func setupLogger(cfg domain.LoggingConfig, w io.Writer) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func outputMode(markdown bool) format.Mode {
	if markdown {
		return format.Markdown
	}
	return format.ASCII
}

// topRisk returns the flagged entities of res, most likely churners first.
func topRisk(res *pipeline.Result) []domain.ScoredEntity {
	flagged := slices.Clone(res.HighRisk())
	slices.SortStableFunc(flagged, func(a, b domain.ScoredEntity) int {
		return cmp.Compare(b.Probability, a.Probability)
	})
	return flagged
}
