package jcore

import "log/slog"

// Logger is the interface for structured logging.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func defaultLogger() Logger {
	return slog.Default()
}

// attrLogger prepends fixed key-value pairs to every entry.
type attrLogger struct {
	Logger
	attrs []any
}

// withAttrs returns a Logger that tags entries with the given key-value
// pairs, e.g. the connection id.
func withAttrs(l Logger, attrs ...any) Logger {
	if len(attrs) == 0 {
		return l
	}
	if al, ok := l.(*attrLogger); ok {
		merged := make([]any, 0, len(al.attrs)+len(attrs))
		merged = append(merged, al.attrs...)
		merged = append(merged, attrs...)
		return &attrLogger{Logger: al.Logger, attrs: merged}
	}
	return &attrLogger{Logger: l, attrs: attrs}
}

func (l *attrLogger) join(args []any) []any {
	out := make([]any, 0, len(l.attrs)+len(args))
	out = append(out, l.attrs...)
	return append(out, args...)
}

func (l *attrLogger) Debug(msg string, args ...any) { l.Logger.Debug(msg, l.join(args)...) }
func (l *attrLogger) Info(msg string, args ...any)  { l.Logger.Info(msg, l.join(args)...) }
func (l *attrLogger) Warn(msg string, args ...any)  { l.Logger.Warn(msg, l.join(args)...) }
func (l *attrLogger) Error(msg string, args ...any) { l.Logger.Error(msg, l.join(args)...) }
