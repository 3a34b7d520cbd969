// Package logging provides the leveled, structured logger used throughout the
// component runtime.
//
// Loggers are named after the part of the runtime they belong to
// ("manager.component", "tracker", "scr.runtime") so that per-package levels
// can be tuned at startup:
//
//	logging.Initialize("info", map[string]string{
//	    "manager.*": "debug",
//	    "tracker":   "warn",
//	})
//
//	logger := logging.GetLogger("manager.component")
//	logger.Info("component %s activated", name)
//	logger.InfoWithFields("bound service",
//	    logging.Field("reference", ref),
//	    logging.Field("service.id", id),
//	)
//
// Failures inside component callbacks are reported through LogErr, which
// takes a message template, its arguments, and the optional cause:
//
//	logger.LogErr(logging.ERROR, err, "activate method of %s failed", name)
//
// When ctx carries an OpenTelemetry span, WithContext adds trace_id and
// span_id to every line.
//
// Logger values are immutable; With* methods return copies and are safe to
// share between goroutines.
package logging

import (
	"context"
	"os"
	"strings"
	"sync"
)

const rootName = "scr"

var (
	globalLogger *Logger
	initOnce     sync.Once
	// exitFunc is called by Fatal. Tests replace it.
	exitFunc = os.Exit
)

// Initialize sets the default level and optional per-package overrides.
// packageLevels maps names or "prefix.*" patterns to level strings.
func Initialize(levelStr string, packageLevels ...map[string]string) error {
	level, err := parseLevel(levelStr)
	if err != nil {
		level = INFO
	}

	globalLogger = &Logger{
		level: level,
		name:  rootName,
	}

	if len(packageLevels) > 0 && packageLevels[0] != nil {
		if err := SetPackageLogLevels(packageLevels[0]); err != nil {
			return err
		}
	}

	return nil
}

// GetLogger returns a logger with the specified name.
func GetLogger(name string) *Logger {
	initOnce.Do(func() {
		if globalLogger == nil {
			_ = Initialize("info")
		}
	})
	return &Logger{
		level:  globalLogger.level,
		name:   name,
		fields: make(map[string]interface{}),
	}
}

// Enabled reports whether a message at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	if pkgLevel := GetPackageLogLevel(l.name); pkgLevel >= 0 {
		return level >= pkgLevel
	}
	return level >= l.level
}

// Name returns the logger name.
func (l *Logger) Name() string {
	return l.name
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...interface{}) {
	if l.Enabled(DEBUG) {
		l.logf(DEBUG, msg, args...)
	}
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...interface{}) {
	if l.Enabled(INFO) {
		l.logf(INFO, msg, args...)
	}
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...interface{}) {
	if l.Enabled(WARN) {
		l.logf(WARN, msg, args...)
	}
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...interface{}) {
	if l.Enabled(ERROR) {
		l.logf(ERROR, msg, args...)
	}
}

// Fatal logs a fatal message and exits the program with code 1
func (l *Logger) Fatal(msg string, args ...interface{}) {
	if l.Enabled(FATAL) {
		l.logf(FATAL, msg, args...)
		exitFunc(1)
	}
}

// ErrorWithErr logs an error message with an error object
func (l *Logger) ErrorWithErr(msg string, err error, args ...interface{}) {
	l.LogErr(ERROR, err, msg, args...)
}

// LogErr logs template+args at level. A non-nil cause is appended to the
// message and recorded in the "error" field.
func (l *Logger) LogErr(level LogLevel, cause error, template string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}
	if cause == nil {
		l.logf(level, template, args...)
	} else {
		l.WithField("error", cause.Error()).logf(level, template+" - %v", append(args, cause)...)
	}
	if level == FATAL {
		exitFunc(1)
	}
}

// WithName returns a new logger with a custom name
func (l *Logger) WithName(name string) *Logger {
	return &Logger{
		level:  l.level,
		name:   name,
		fields: cloneFields(l.fields),
		ctx:    l.ctx,
	}
}

// Named returns a child logger whose name is l's name + "." + suffix.
func (l *Logger) Named(suffix string) *Logger {
	return l.WithName(strings.TrimSuffix(l.name, ".") + "." + suffix)
}

// WithField adds a structured field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	newLogger := &Logger{
		level:  l.level,
		name:   l.name,
		fields: cloneFields(l.fields),
		ctx:    l.ctx,
	}
	newLogger.fields[key] = value
	return newLogger
}

// WithFields adds multiple structured fields to the logger
func (l *Logger) WithFields(fields ...LogField) *Logger {
	newLogger := &Logger{
		level:  l.level,
		name:   l.name,
		fields: cloneFields(l.fields),
		ctx:    l.ctx,
	}
	for _, f := range fields {
		newLogger.fields[f.Key] = f.Value
	}
	return newLogger
}

// WithContext returns a logger that adds trace and span ids found in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{
		level:  l.level,
		name:   l.name,
		fields: cloneFields(l.fields),
		ctx:    ctx,
	}
}

// DebugWithFields logs a debug message with structured fields
func (l *Logger) DebugWithFields(msg string, fields ...LogField) {
	if l.Enabled(DEBUG) {
		l.logWithFields(DEBUG, msg, fields...)
	}
}

// InfoWithFields logs an info message with structured fields
func (l *Logger) InfoWithFields(msg string, fields ...LogField) {
	if l.Enabled(INFO) {
		l.logWithFields(INFO, msg, fields...)
	}
}

// WarnWithFields logs a warning message with structured fields
func (l *Logger) WarnWithFields(msg string, fields ...LogField) {
	if l.Enabled(WARN) {
		l.logWithFields(WARN, msg, fields...)
	}
}

// ErrorWithFields logs an error message with structured fields
func (l *Logger) ErrorWithFields(msg string, fields ...LogField) {
	if l.Enabled(ERROR) {
		l.logWithFields(ERROR, msg, fields...)
	}
}

func (l *Logger) logWithFields(level LogLevel, msg string, fields ...LogField) {
	// context fields < logger fields < call fields
	merged := l.mergedFields()
	if len(fields) > 0 && merged == nil {
		merged = make(map[string]interface{}, len(fields))
	}
	for _, f := range fields {
		merged[f.Key] = f.Value
	}
	l.writeLog(level, msg, merged)
}

func (l *Logger) mergedFields() map[string]interface{} {
	contextFields := extractContextFields(l.ctx)
	if contextFields == nil && len(l.fields) == 0 {
		return nil
	}
	merged := make(map[string]interface{}, len(contextFields)+len(l.fields))
	for k, v := range contextFields {
		merged[k] = v
	}
	for k, v := range l.fields {
		merged[k] = v
	}
	return merged
}
