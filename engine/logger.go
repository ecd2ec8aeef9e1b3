package engine

import (
	pionlogging "github.com/pion/logging"

	"github.com/questvision/visionstream/logging"
)

// loggerFactory routes pion's internal logging into our logger. Each pion scope gets its own
// sublogger set to level.
type loggerFactory struct {
	logger logging.Logger
	level  logging.Level
}

func newLoggerFactory(logger logging.Logger, level logging.Level) pionlogging.LoggerFactory {
	return loggerFactory{logger: logger.Sublogger("pion"), level: level}
}

func (lf loggerFactory) NewLogger(scope string) pionlogging.LeveledLogger {
	sub := lf.logger.Sublogger(scope)
	sub.SetLevel(lf.level)
	return pionLogger{sub}
}

type pionLogger struct {
	logger logging.Logger
}

// Trace is mapped to debug; the zap based logger has no finer level.
func (pl pionLogger) Trace(msg string) {
	pl.logger.Debug(msg)
}

func (pl pionLogger) Tracef(format string, args ...interface{}) {
	pl.logger.Debugf(format, args...)
}

func (pl pionLogger) Debug(msg string) {
	pl.logger.Debug(msg)
}

func (pl pionLogger) Debugf(format string, args ...interface{}) {
	pl.logger.Debugf(format, args...)
}

func (pl pionLogger) Info(msg string) {
	pl.logger.Info(msg)
}

func (pl pionLogger) Infof(format string, args ...interface{}) {
	pl.logger.Infof(format, args...)
}

func (pl pionLogger) Warn(msg string) {
	pl.logger.Warn(msg)
}

func (pl pionLogger) Warnf(format string, args ...interface{}) {
	pl.logger.Warnf(format, args...)
}

func (pl pionLogger) Error(msg string) {
	pl.logger.Error(msg)
}

func (pl pionLogger) Errorf(format string, args ...interface{}) {
	pl.logger.Errorf(format, args...)
}
