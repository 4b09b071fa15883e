// Package logger wraps zap behind a small facade so call sites never touch
// zap directly. Mirrors the structured, key/value logging style used
// throughout the orchestration core.
package logger

import (
	"strings"

	"go.uber.org/zap"
)

type Logger struct {
	sugared *zap.SugaredLogger
}

func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	case "test":
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{sugared: z.Sugar()}, nil
}

// Noop returns a logger that discards everything; useful for tests that
// don't care about log output but still need a non-nil *Logger.
func Noop() *Logger {
	return &Logger{sugared: zap.NewNop().Sugar()}
}

func (l *Logger) Sync() {
	if l == nil || l.sugared == nil {
		return
	}
	_ = l.sugared.Sync()
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.sugared.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.sugared.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.sugared.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.sugared.Errorw(msg, kv...) }

func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{sugared: l.sugared.With(kv...)}
}
