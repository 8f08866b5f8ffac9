// Package log configures the global logrus logger from a
// config.LogConfig: pattern-based text formatting or JSON, stdout plus
// an optional rotated file appender.
package log

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/firestige/statsrelay/internal/config"
)

const defaultPattern = "%time [%level] %field %msg"
const defaultTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Init configures logrus.StandardLogger() from cfg. Every package in
// this module logs through the package-level logrus functions, so there
// is no injected logger to thread through constructors — Init just has
// to run once, early, before anything else logs.
func Init(cfg config.LogConfig) error {
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	out := NewMultiWriter().Add(os.Stdout)
	if cfg.File.Enabled {
		out = out.AddFileAppender(FileAppenderOpt{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		})
	}

	logrus.SetOutput(out)
	logrus.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: defaultTimeFormat})
	case "text":
		logrus.SetFormatter(&formatter{pattern: defaultPattern, time: defaultTimeFormat})
	default:
		return fmt.Errorf("unsupported log format %q (must be json or text)", cfg.Format)
	}

	return nil
}
