package log

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Log levels.
// Info0 is always written. Info1 ~ Info3 are verbose information.
const (
	LEVEL_INFO0 = uint(0)
	LEVEL_INFO1 = uint(1)
	LEVEL_INFO2 = uint(2)
	LEVEL_INFO3 = uint(3)
	LEVEL_DEBUG = uint(4)
	LEVEL_TRACE = uint(5)
)

var globalLevel uint32 = uint32(LEVEL_INFO0)

var std = logrus.StandardLogger()

func init() {
	std.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// SetGlobalLogLevel changes verbosity of all loggers.
func SetGlobalLogLevel(level uint) {
	atomic.StoreUint32(&globalLevel, uint32(level))
	switch {
	case level >= LEVEL_TRACE:
		std.SetLevel(logrus.TraceLevel)
	case level >= LEVEL_DEBUG:
		std.SetLevel(logrus.DebugLevel)
	default:
		std.SetLevel(logrus.InfoLevel)
	}
}

func GlobalLogLevel() uint {
	return uint(atomic.LoadUint32(&globalLevel))
}

// SetOutput redirects all log lines.
func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

// Logger writes log lines with fixed fields attached.
type Logger struct {
	Fields logrus.Fields
}

func NewLogger() *Logger {
	return &Logger{
		Fields: logrus.Fields{},
	}
}

// With returns a copy of logger with an extra field.
func (l *Logger) With(key string, value interface{}) *Logger {
	fields := make(logrus.Fields, len(l.Fields)+1)
	for k, v := range l.Fields {
		fields[k] = v
	}
	fields[key] = value
	return &Logger{Fields: fields}
}

func (l *Logger) entry() *logrus.Entry {
	return std.WithFields(l.Fields)
}

func (l *Logger) info(level uint, message string) {
	if GlobalLogLevel() < level {
		return
	}
	l.entry().Info(message)
}

func (l *Logger) Info0(message string) { l.info(LEVEL_INFO0, message) }
func (l *Logger) Info1(message string) { l.info(LEVEL_INFO1, message) }
func (l *Logger) Info2(message string) { l.info(LEVEL_INFO2, message) }
func (l *Logger) Info3(message string) { l.info(LEVEL_INFO3, message) }

func (l *Logger) Infof0(format string, args ...interface{}) {
	l.info(LEVEL_INFO0, fmt.Sprintf(format, args...))
}

func (l *Logger) Infof2(format string, args ...interface{}) {
	l.info(LEVEL_INFO2, fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(message string) {
	l.entry().Warn(message)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.entry().Warnf(format, args...)
}

func (l *Logger) Error(message string) {
	l.entry().Error(message)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.entry().Errorf(format, args...)
}

func (l *Logger) Debug(message string) {
	if GlobalLogLevel() < LEVEL_DEBUG {
		return
	}
	l.entry().Debug(message)
}

// DebugLazy builds message only when debug log is enabled.
func (l *Logger) DebugLazy(fn func() string) {
	if GlobalLogLevel() < LEVEL_DEBUG {
		return
	}
	l.entry().Debug(fn())
}

func (l *Logger) Trace(args ...interface{}) {
	if GlobalLogLevel() < LEVEL_TRACE {
		return
	}
	l.entry().Trace(args...)
}

func (l *Logger) TraceLazy(fn func() string) {
	if GlobalLogLevel() < LEVEL_TRACE {
		return
	}
	l.entry().Trace(fn())
}

func (l *Logger) Fatal(message string) {
	l.entry().Fatal(message)
}

func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.entry().Fatalf(format, args...)
}

func (l *Logger) Panicf(format string, args ...interface{}) {
	l.entry().Panicf(format, args...)
}

// Package level shortcuts.
var defaultLogger = NewLogger()

func Info0(message string) { defaultLogger.Info0(message) }
func Info1(message string) { defaultLogger.Info1(message) }
func Info2(message string) { defaultLogger.Info2(message) }
func Infof0(format string, args ...interface{}) { defaultLogger.Infof0(format, args...) }
func Infof2(format string, args ...interface{}) { defaultLogger.Infof2(format, args...) }
func Warn(message string) { defaultLogger.Warn(message) }
func Warnf(format string, args ...interface{}) { defaultLogger.Warnf(format, args...) }
func Error(message string) { defaultLogger.Error(message) }
func Errorf(format string, args ...interface{}) { defaultLogger.Errorf(format, args...) }
func Debug(message string) { defaultLogger.Debug(message) }
func DebugLazy(fn func() string) { defaultLogger.DebugLazy(fn) }
func Trace(args ...interface{}) { defaultLogger.Trace(args...) }
func TraceLazy(fn func() string) { defaultLogger.TraceLazy(fn) }
func Fatal(message string) { defaultLogger.Fatal(message) }
func Fatalf(format string, args ...interface{}) { defaultLogger.Fatalf(format, args...) }
func Panicf(format string, args ...interface{}) { defaultLogger.Panicf(format, args...) }

// InfoMap writes message with extra tags.
func InfoMap(tags map[string]interface{}, message string) {
	std.WithFields(logrus.Fields(tags)).Info(message)
}

func DebugMap(tags map[string]interface{}, message string) {
	if GlobalLogLevel() < LEVEL_DEBUG {
		return
	}
	std.WithFields(logrus.Fields(tags)).Debug(message)
}
