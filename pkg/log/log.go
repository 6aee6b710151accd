package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

var (
	defaultLogLevel slog.LevelVar
	defaultLogger   = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     &defaultLogLevel,
	}))
)

func init() {
	defaultLogLevel.Set(slog.LevelInfo)
}

type contextKey struct{}

var loggerKey = contextKey{}

// Ctx returns the logger from the context. If no logger is found, it returns the default logger.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// With returns a new context with the given logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func SetDefaultLogLevel(level slog.Level) {
	defaultLogLevel.Set(level)
}

// Configured bridges the llog level onto slog once flags are parsed.
// lflag registers the log-level flag against llog, so after
// lflag.Configure() runs we mirror that level here and install the
// default logger process-wide.
func Configured() {
	lflag.Do(func() {
		var level slog.Level
		switch llog.GetLevel() {
		case llog.DebugLevel:
			level = slog.LevelDebug
		case llog.InfoLevel:
			level = slog.LevelInfo
		case llog.WarnLevel:
			level = slog.LevelWarn
		case llog.ErrorLevel:
			level = slog.LevelError
		default:
			panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
		}
		defaultLogLevel.Set(level)
		slog.SetDefault(defaultLogger)
	})
}
