package logging

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging interface used by every component of the pipeline. The plain methods
// honor the logger's level. The C-prefixed methods also log when the context was marked
// with EnableDebugMode, and tag the entry with its trace key.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	CDebugf(ctx context.Context, template string, args ...interface{})
	CDebugw(ctx context.Context, msg string, keysAndValues ...interface{})

	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})

	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	CWarnw(ctx context.Context, msg string, keysAndValues ...interface{})

	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	CErrorw(ctx context.Context, msg string, keysAndValues ...interface{})

	// Sublogger returns a child logger named "<parent>.<subname>". It starts at the parent's
	// level but is adjusted independently afterwards.
	Sublogger(subname string) Logger
	SetLevel(level Level)
	GetLevel() Level
	AsZap() *zap.SugaredLogger
	Sync() error
}

type impl struct {
	name  string
	level AtomicLevel
	core  zapcore.Core
	sugar *zap.SugaredLogger
}

func newImpl(name string, level Level, core zapcore.Core) *impl {
	sugar := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(3)).Sugar()
	if name != "" {
		sugar = sugar.Named(name)
	}
	return &impl{name: name, level: NewAtomicLevelAt(level), core: core, sugar: sugar}
}

func (imp *impl) Sublogger(subname string) Logger {
	newName := subname
	if imp.name != "" {
		newName = fmt.Sprintf("%s.%s", imp.name, subname)
	}
	return newImpl(newName, imp.level.Get(), imp.core)
}

func (imp *impl) SetLevel(level Level) {
	imp.level.Set(level)
}

func (imp *impl) GetLevel() Level {
	return imp.level.Get()
}

func (imp *impl) AsZap() *zap.SugaredLogger {
	return zap.New(imp.core, zap.AddCaller()).Sugar().Named(imp.name)
}

func (imp *impl) Sync() error {
	return imp.core.Sync()
}

// emit forwards to the sugared logger when the level is enabled or the caller's context is in
// debug mode. The closure keeps the caller skip constant across all public methods.
func (imp *impl) emit(logLevel Level, debugCtx bool, fn func(*zap.SugaredLogger)) {
	if logLevel < imp.level.Get() && !debugCtx {
		return
	}
	fn(imp.sugar)
}

func (imp *impl) Debug(args ...interface{}) {
	imp.emit(DEBUG, false, func(s *zap.SugaredLogger) { s.Debug(args...) })
}

func (imp *impl) Debugf(template string, args ...interface{}) {
	imp.emit(DEBUG, false, func(s *zap.SugaredLogger) { s.Debugf(template, args...) })
}

func (imp *impl) Debugw(msg string, keysAndValues ...interface{}) {
	imp.emit(DEBUG, false, func(s *zap.SugaredLogger) { s.Debugw(msg, keysAndValues...) })
}

func (imp *impl) CDebugf(ctx context.Context, template string, args ...interface{}) {
	traced, fields := traceFields(ctx, nil)
	imp.emit(DEBUG, traced, func(s *zap.SugaredLogger) { s.With(fields...).Debugf(template, args...) })
}

func (imp *impl) CDebugw(ctx context.Context, msg string, keysAndValues ...interface{}) {
	traced, fields := traceFields(ctx, keysAndValues)
	imp.emit(DEBUG, traced, func(s *zap.SugaredLogger) { s.Debugw(msg, fields...) })
}

func (imp *impl) Info(args ...interface{}) {
	imp.emit(INFO, false, func(s *zap.SugaredLogger) { s.Info(args...) })
}

func (imp *impl) Infof(template string, args ...interface{}) {
	imp.emit(INFO, false, func(s *zap.SugaredLogger) { s.Infof(template, args...) })
}

func (imp *impl) Infow(msg string, keysAndValues ...interface{}) {
	imp.emit(INFO, false, func(s *zap.SugaredLogger) { s.Infow(msg, keysAndValues...) })
}

func (imp *impl) Warn(args ...interface{}) {
	imp.emit(WARN, false, func(s *zap.SugaredLogger) { s.Warn(args...) })
}

func (imp *impl) Warnf(template string, args ...interface{}) {
	imp.emit(WARN, false, func(s *zap.SugaredLogger) { s.Warnf(template, args...) })
}

func (imp *impl) Warnw(msg string, keysAndValues ...interface{}) {
	imp.emit(WARN, false, func(s *zap.SugaredLogger) { s.Warnw(msg, keysAndValues...) })
}

func (imp *impl) CWarnw(ctx context.Context, msg string, keysAndValues ...interface{}) {
	traced, fields := traceFields(ctx, keysAndValues)
	imp.emit(WARN, traced, func(s *zap.SugaredLogger) { s.Warnw(msg, fields...) })
}

func (imp *impl) Error(args ...interface{}) {
	imp.emit(ERROR, false, func(s *zap.SugaredLogger) { s.Error(args...) })
}

func (imp *impl) Errorf(template string, args ...interface{}) {
	imp.emit(ERROR, false, func(s *zap.SugaredLogger) { s.Errorf(template, args...) })
}

func (imp *impl) Errorw(msg string, keysAndValues ...interface{}) {
	imp.emit(ERROR, false, func(s *zap.SugaredLogger) { s.Errorw(msg, keysAndValues...) })
}

func (imp *impl) CErrorw(ctx context.Context, msg string, keysAndValues ...interface{}) {
	traced, fields := traceFields(ctx, keysAndValues)
	imp.emit(ERROR, traced, func(s *zap.SugaredLogger) { s.Errorw(msg, fields...) })
}
