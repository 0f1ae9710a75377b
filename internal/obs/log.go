package obs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Fields carries structured key/value pairs for a log line.
type Fields map[string]any

// Logger is the logging surface components accept so callers can swap or capture output.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
	With(f Fields) Logger
}

// Config selects level and output format.
type Config struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Output io.Writer
}

var (
	level = new(slog.LevelVar)
	std   atomic.Pointer[slogLogger]
)

func init() {
	std.Store(newSlog(Config{Level: "info", Format: "json"}))
}

// Setup replaces the process-wide logger.
func Setup(cfg Config) Logger {
	l := newSlog(cfg)
	std.Store(l)
	return l
}

// Default returns the process-wide logger.
func Default() Logger { return std.Load() }

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		level.Set(slog.LevelDebug)
		return
	}
	level.Set(slog.LevelInfo)
}

// SetLevel changes the level of every logger built by this package.
func SetLevel(s string) { level.Set(parseLevel(s)) }

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

type slogLogger struct {
	l *slog.Logger
}

func newSlog(cfg Config) *slogLogger {
	level.Set(parseLevel(cfg.Level))
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				a.Key = "ts"
			}
			return a
		},
	}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	return &slogLogger{l: slog.New(h)}
}

func attrs(f Fields) []any {
	if len(f) == 0 {
		return nil
	}
	out := make([]any, 0, len(f)*2)
	for k, v := range f {
		if err, ok := v.(error); ok && err != nil {
			v = err.Error()
		}
		out = append(out, k, v)
	}
	return out
}

func (s *slogLogger) log(lvl slog.Level, msg string, f Fields) {
	s.l.Log(context.Background(), lvl, msg, attrs(f)...)
}

func (s *slogLogger) Debug(msg string, f Fields) { s.log(slog.LevelDebug, msg, f) }
func (s *slogLogger) Info(msg string, f Fields)  { s.log(slog.LevelInfo, msg, f) }
func (s *slogLogger) Warn(msg string, f Fields)  { s.log(slog.LevelWarn, msg, f) }
func (s *slogLogger) Error(msg string, f Fields) { s.log(slog.LevelError, msg, f) }

func (s *slogLogger) With(f Fields) Logger {
	return &slogLogger{l: s.l.With(attrs(f)...)}
}

func Info(msg string, f Fields)  { std.Load().Info(msg, f) }
func Warn(msg string, f Fields)  { std.Load().Warn(msg, f) }
func Error(msg string, f Fields) { std.Load().Error(msg, f) }
func Debug(msg string, f Fields) { std.Load().Debug(msg, f) }

// Nop discards everything.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Debug(string, Fields) {}
func (nopLogger) Info(string, Fields)  {}
func (nopLogger) Warn(string, Fields)  {}
func (nopLogger) Error(string, Fields) {}
func (n nopLogger) With(Fields) Logger { return n }
