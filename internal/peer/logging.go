package peer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog.LevelDebug so pion's trace output stays hidden
// unless explicitly enabled.
const levelTrace = slog.Level(-8)

type slogLoggerFactory struct {
	log *slog.Logger
}

// NewLoggerFactory routes pion's internal logging onto log. Each pion scope
// (ice, dtls, sctp, ...) becomes a "pion" attribute.
func NewLoggerFactory(log *slog.Logger) logging.LoggerFactory {
	if log == nil {
		log = slog.Default()
	}
	return slogLoggerFactory{log: log}
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{log: f.log.With("pion", scope)}
}

type slogLeveledLogger struct {
	log *slog.Logger
}

func (l *slogLeveledLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l *slogLeveledLogger) emitf(level slog.Level, format string, args ...interface{}) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Trace(msg string) { l.emit(levelTrace, msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...interface{}) {
	l.emitf(levelTrace, format, args...)
}
func (l *slogLeveledLogger) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...interface{}) {
	l.emitf(slog.LevelDebug, format, args...)
}
func (l *slogLeveledLogger) Info(msg string) { l.emit(slog.LevelInfo, msg) }
func (l *slogLeveledLogger) Infof(format string, args ...interface{}) {
	l.emitf(slog.LevelInfo, format, args...)
}
func (l *slogLeveledLogger) Warn(msg string) { l.emit(slog.LevelWarn, msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...interface{}) {
	l.emitf(slog.LevelWarn, format, args...)
}
func (l *slogLeveledLogger) Error(msg string) { l.emit(slog.LevelError, msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...interface{}) {
	l.emitf(slog.LevelError, format, args...)
}
