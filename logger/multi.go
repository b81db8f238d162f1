package logger

import "context"

// multiLogger fans every entry out to several loggers.
type multiLogger []Logger

var _ Logger = multiLogger(nil)

// NewMultiLogger returns a Logger writing to each of loggers. Fatal logs to
// all of them before the first one exits.
func NewMultiLogger(loggers ...Logger) Logger {
	if len(loggers) == 1 {
		return loggers[0]
	}
	return multiLogger(loggers)
}

func (m multiLogger) each(fn func(Logger) Logger) Logger {
	out := make(multiLogger, len(m))
	for i, l := range m {
		out[i] = fn(l)
	}
	return out
}

func (m multiLogger) With(metadata map[string]interface{}) Logger {
	return m.each(func(l Logger) Logger { return l.With(metadata) })
}

func (m multiLogger) WithPrefix(prefix string) Logger {
	return m.each(func(l Logger) Logger { return l.WithPrefix(prefix) })
}

func (m multiLogger) WithContext(ctx context.Context) Logger {
	return m.each(func(l Logger) Logger { return l.WithContext(ctx) })
}

func (m multiLogger) Trace(msg string, args ...interface{}) {
	for _, l := range m {
		l.Trace(msg, args...)
	}
}

func (m multiLogger) Debug(msg string, args ...interface{}) {
	for _, l := range m {
		l.Debug(msg, args...)
	}
}

func (m multiLogger) Info(msg string, args ...interface{}) {
	for _, l := range m {
		l.Info(msg, args...)
	}
}

func (m multiLogger) Warn(msg string, args ...interface{}) {
	for _, l := range m {
		l.Warn(msg, args...)
	}
}

func (m multiLogger) Error(msg string, args ...interface{}) {
	for _, l := range m {
		l.Error(msg, args...)
	}
}

func (m multiLogger) Fatal(msg string, args ...interface{}) {
	if len(m) == 0 {
		return
	}
	for _, l := range m[1:] {
		l.Error(msg, args...)
	}
	m[0].Fatal(msg, args...)
}

func (m multiLogger) IsLevelEnabled(level LogLevel) bool {
	for _, l := range m {
		if l.IsLevelEnabled(level) {
			return true
		}
	}
	return false
}
