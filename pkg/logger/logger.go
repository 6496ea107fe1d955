package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	defaultLogger atomic.Pointer[slog.Logger]
	lazyInit      sync.Once
)

// Options tune the handler built by Setup.
type Options struct {
	Env        string
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Setup installs the process logger. Production defaults to JSON at info,
// everything else to text at debug.
func Setup(opts Options) *slog.Logger {
	level := parseLevel(opts.Level, opts.Env)

	var out io.Writer = os.Stdout
	if opts.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			Compress:   true,
		})
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if opts.Format == "json" || (opts.Format == "" && opts.Env == "production") {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	l := slog.New(handler)
	defaultLogger.Store(l)
	slog.SetDefault(l)
	return l
}

// LoggerWrapper returns the process logger, installing a development logger
// on first use when Setup was never called. Safe for concurrent use.
func LoggerWrapper() *slog.Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	lazyInit.Do(func() {
		if defaultLogger.Load() == nil {
			Setup(Options{Env: "development"})
		}
	})
	return defaultLogger.Load()
}

func parseLevel(level, env string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if env == "production" {
		return slog.LevelInfo
	}
	return slog.LevelDebug
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
