package logger

// Logger is the structured logging interface used across trustkit. keyvals are
// alternating key/value pairs.
type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}

// Default is the logger engines use when none is configured.
func Default() Logger { return NewPhusluLogger() }

// OrDefault returns l, or Default when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return Default()
	}
	return l
}

// NullLogger discards everything.
type NullLogger struct{}

func NewNullLogger() *NullLogger { return &NullLogger{} }

func (*NullLogger) Debug(string, ...any) {}
func (*NullLogger) Info(string, ...any)  {}
func (*NullLogger) Error(string, ...any) {}

// With returns a Logger that appends keyvals to every line written through it.
// Wrapping a NullLogger returns it unchanged.
func With(l Logger, keyvals ...any) Logger {
	if _, ok := l.(*NullLogger); ok || len(keyvals) == 0 {
		return l
	}
	if w, ok := l.(*withLogger); ok {
		return &withLogger{next: w.next, fields: append(append([]any(nil), w.fields...), keyvals...)}
	}
	return &withLogger{next: l, fields: append([]any(nil), keyvals...)}
}

type withLogger struct {
	next   Logger
	fields []any
}

func (w *withLogger) merge(keyvals []any) []any {
	out := make([]any, 0, len(keyvals)+len(w.fields))
	out = append(out, keyvals...)
	return append(out, w.fields...)
}

func (w *withLogger) Debug(msg string, keyvals ...any) { w.next.Debug(msg, w.merge(keyvals)...) }
func (w *withLogger) Info(msg string, keyvals ...any)  { w.next.Info(msg, w.merge(keyvals)...) }
func (w *withLogger) Error(msg string, keyvals ...any) { w.next.Error(msg, w.merge(keyvals)...) }
