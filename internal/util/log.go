// Package util provides logging and traffic statistics shared by the engine
// and its transports.
package util

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// LogSuccess prints a highlighted success line outside the leveled logger.
func LogSuccess(format string, args ...interface{}) {
	pterm.Success.Println(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Compile-time interface check.
var _ logging.LeveledLogger = (*Logger)(nil)

// Logger prefixes every line with a scope such as "[engine 1a2b3c4d]" or
// "[ch 3 chat]". It also satisfies pion's LeveledLogger so pion internals
// log through pterm; pion's trace level maps to debug.
type Logger struct {
	prefix string
}

// NewLogger returns a logger whose lines start with "[scope]".
func NewLogger(scope string) *Logger {
	return &Logger{prefix: "[" + scope + "] "}
}

// With returns a child logger with an additional scope.
func (l *Logger) With(scope string) *Logger {
	return &Logger{prefix: l.prefix + "[" + scope + "] "}
}

func (l *Logger) Trace(msg string)                          { l.Debug(msg) }
func (l *Logger) Tracef(format string, args ...interface{}) { l.Debugf(format, args...) }
func (l *Logger) Debug(msg string)                          { pterm.DefaultLogger.Debug(l.prefix + msg) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.Debug(fmt.Sprintf(format, args...)) }
func (l *Logger) Info(msg string)                           { pterm.DefaultLogger.Info(l.prefix + msg) }
func (l *Logger) Infof(format string, args ...interface{})  { l.Info(fmt.Sprintf(format, args...)) }
func (l *Logger) Warn(msg string)                           { pterm.DefaultLogger.Warn(l.prefix + msg) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.Warn(fmt.Sprintf(format, args...)) }
func (l *Logger) Error(msg string)                          { pterm.DefaultLogger.Error(l.prefix + msg) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.Error(fmt.Sprintf(format, args...)) }
