package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// SLogLogger adapts a *slog.Logger.
type SLogLogger struct {
	l *slog.Logger
}

func NewSLogLogger(l *slog.Logger) *SLogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SLogLogger{l: l}
}

// NewJSONLogger writes JSON lines at or above level to w.
func NewJSONLogger(w io.Writer, level slog.Level) *SLogLogger {
	return NewSLogLogger(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

func (s *SLogLogger) Debug(msg string, keyvals ...any) { s.log(slog.LevelDebug, msg, keyvals) }
func (s *SLogLogger) Info(msg string, keyvals ...any)  { s.log(slog.LevelInfo, msg, keyvals) }
func (s *SLogLogger) Error(msg string, keyvals ...any) { s.log(slog.LevelError, msg, keyvals) }

func (s *SLogLogger) log(level slog.Level, msg string, keyvals []any) {
	ctx := context.Background()
	if !s.l.Enabled(ctx, level) {
		return
	}
	s.l.LogAttrs(ctx, level, msg, attrs(keyvals)...)
}

// attrs pairs up keyvals. A dangling key is kept under "!BADKEY" like slog does.
func attrs(keyvals []any) []slog.Attr {
	out := make([]slog.Attr, 0, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		if i == len(keyvals)-1 {
			out = append(out, slog.Any("!BADKEY", keyvals[i]))
			break
		}
		out = append(out, attr(keyvals[i], keyvals[i+1]))
	}
	return out
}

func attr(k, v any) slog.Attr {
	key, ok := k.(string)
	if !ok {
		key = fmt.Sprint(k)
	}
	switch vv := v.(type) {
	case string:
		return slog.String(key, vv)
	case bool:
		return slog.Bool(key, vv)
	case int:
		return slog.Int(key, vv)
	case int64:
		return slog.Int64(key, vv)
	case float64:
		return slog.Float64(key, vv)
	case time.Duration:
		return slog.Duration(key, vv)
	case time.Time:
		return slog.Time(key, vv)
	case error:
		return slog.String(key, vv.Error())
	case fmt.Stringer:
		return slog.String(key, vv.String())
	default:
		return slog.Any(key, vv)
	}
}
