// Package logging wraps zerolog with the conventions used across stackctl.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config configures the root logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // console or json
	Output io.Writer
}

// Logger wraps zerolog.Logger.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// New creates a root logger from cfg.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	zlog := zerolog.New(out).With().Timestamp().Logger().Level(parseLevel(cfg.Level))
	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// With returns a child logger carrying an extra string field.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{zlog: l.zlog.With().Str(key, value).Logger()}
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}

func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.WarnLevel
	}
}
