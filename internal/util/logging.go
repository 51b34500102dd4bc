package util

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

type loggerContextKey struct{}

// ParseLevel maps debug, info, warn and error to slog levels. Unknown input is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// InitLogger configures the global slog logger with JSON output on stdout.
// When logsDir is set, records are also appended to <logsDir>/<service>.log.
// The returned cleanup closes the log file.
func InitLogger(level, service, logsDir string) (*slog.Logger, func()) {
	service = strings.TrimSpace(service)
	if service == "" {
		service = "app"
	}
	var file *os.File
	logsDir = strings.TrimSpace(logsDir)
	if logsDir != "" {
		if err := os.MkdirAll(logsDir, 0o755); err == nil {
			file, _ = os.OpenFile(filepath.Join(logsDir, service+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		}
	}
	var fileWriter io.Writer
	if file != nil {
		fileWriter = file
	}
	logger := NewLogger(os.Stdout, fileWriter, ParseLevel(level)).With("service", service)
	slog.SetDefault(logger)
	if logsDir != "" && file == nil {
		logger.Warn("log file unavailable, using stdout only", "logs_dir", logsDir)
	}
	cleanup := func() {
		if file != nil {
			_ = file.Close()
		}
	}
	return logger, cleanup
}

// NewLogger builds a JSON logger on out, fanned out to file when it is non-nil.
func NewLogger(out, file io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, AddSource: true}
	stdoutHandler := slog.NewJSONHandler(out, opts)
	if file == nil {
		return slog.New(stdoutHandler)
	}
	fileHandler := slog.NewJSONHandler(file, opts)
	return slog.New(slogmulti.Fanout(stdoutHandler, fileHandler))
}

// Fatal logs at error level and exits.
func Fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

// ContextWithLogger stores logger in ctx.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// LoggerFromContext returns the request-scoped logger, or the default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return slog.Default()
}
