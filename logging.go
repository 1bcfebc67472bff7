package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jonthemediocre/deltasync/internal/config"
)

// buildLogger creates an slog.Logger configured by the resolved config
// and CLI flags. Config-file log level provides the baseline; --verbose
// and --quiet override it because CLI flags always win. When a log file
// is configured it is rotated via lumberjack; otherwise output goes to
// stderr, text-formatted on a terminal and JSON elsewhere.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo

	switch cfg.Logging.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	var out io.Writer = os.Stderr

	if cfg.Logging.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Logging.LogFile,
			MaxSize:    cfg.Logging.LogMaxSizeMB,
			MaxBackups: cfg.Logging.LogMaxFiles,
			MaxAge:     cfg.Logging.LogMaxAge,
		}
	}

	format := cfg.Logging.LogFormat
	if format == "auto" {
		if cfg.Logging.LogFile == "" && isatty.IsTerminal(os.Stderr.Fd()) {
			format = "text"
		} else {
			format = "json"
		}
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}

	return slog.New(slog.NewTextHandler(out, opts))
}
