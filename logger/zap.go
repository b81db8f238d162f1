package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type zapBridge struct {
	logger Logger
}

func (z *zapBridge) Enabled(level zapcore.Level) bool {
	return z.logger.IsLevelEnabled(fromZapLevel(level))
}

func (z *zapBridge) With(fields []zapcore.Field) zapcore.Core {
	return &zapBridge{logger: z.logger.With(fieldMap(fields))}
}

func (z *zapBridge) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if z.Enabled(entry.Level) {
		return ce.AddCore(entry, z)
	}
	return ce
}

// Write renders fields as key=value pairs after the message. zap messages
// are not format strings, so they go through a single %s verb.
func (z *zapBridge) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	var sb strings.Builder
	sb.WriteString(entry.Message)
	for k, v := range fieldMap(fields) {
		fmt.Fprintf(&sb, " %s=%v", k, v)
	}
	msg := sb.String()

	switch entry.Level {
	case zapcore.DebugLevel:
		z.logger.Debug("%s", msg)
	case zapcore.InfoLevel:
		z.logger.Info("%s", msg)
	case zapcore.WarnLevel:
		z.logger.Warn("%s", msg)
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		z.logger.Error("%s", msg)
	default:
		z.logger.Trace("%s", msg)
	}
	return nil
}

func (z *zapBridge) Sync() error {
	return nil
}

func fieldMap(fields []zapcore.Field) map[string]interface{} {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return enc.Fields
}

func fromZapLevel(level zapcore.Level) LogLevel {
	switch {
	case level < zapcore.InfoLevel:
		return LevelDebug
	case level == zapcore.InfoLevel:
		return LevelInfo
	case level == zapcore.WarnLevel:
		return LevelWarn
	default:
		return LevelError
	}
}

// ToZap returns a zap.Logger instance that will output to the provided logger
func ToZap(logger Logger) *zap.Logger {
	return zap.New(&zapBridge{logger: logger})
}
