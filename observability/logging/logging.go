package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions configures the optional rotating log file that receives a copy
// of every line written to stdout.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Options controls logger construction.
type Options struct {
	Service string
	Env     string
	Level   slog.Level
	File    *FileOptions
	// Output overrides stdout; tests use it to capture lines.
	Output io.Writer
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided.
func Setup(service, env string) *slog.Logger {
	logger, _ := SetupWithOptions(Options{Service: service, Env: env})
	return logger
}

// SetupWithOptions is Setup with a configurable level, output and rotating file
// sink. The returned close function flushes and closes the file sink.
func SetupWithOptions(opts Options) (*slog.Logger, func() error) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	closer := func() error { return nil }
	if opts.File != nil && strings.TrimSpace(opts.File.Path) != "" {
		sink := &lumberjack.Logger{
			Filename:   opts.File.Path,
			MaxSize:    positiveOr(opts.File.MaxSizeMB, 100),
			MaxBackups: opts.File.MaxBackups,
			MaxAge:     opts.File.MaxAgeDays,
			Compress:   opts.File.Compress,
		}
		out = io.MultiWriter(out, sink)
		closer = sink.Close
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		AddSource: false,
		Level:     opts.Level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				level := strings.ToUpper(attr.Value.String())
				return slog.String("severity", level)
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(opts.Service)),
	}
	if env := strings.TrimSpace(opts.Env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	base := slog.New(handler.WithAttrs(attrs))
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base, closer
}

// ParseLevel maps debug/info/warn/error onto slog levels, defaulting to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

// FileFromEnv returns file options when VAULT_LOG_FILE is set.
func FileFromEnv() *FileOptions {
	path := strings.TrimSpace(os.Getenv("VAULT_LOG_FILE"))
	if path == "" {
		return nil
	}
	return &FileOptions{Path: path, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14, Compress: true}
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
