// Package definition holds the small cross-cutting interfaces every other
// package is constructed with -- currently just the logger. Every package
// takes a Logger at construction instead of reaching for a package-level
// global.
package definition

import (
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger is the logging surface every package in this module is
// constructed with: Info/Warn/Error/Debug pairs plus Fatal/Panic, so that
// a caller can swap in any implementation it likes, including a test
// logger that records calls instead of printing them.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	Panic(v ...interface{})
	Panicf(format string, v ...interface{})
	ToggleDebug(value bool) bool
}

// logrusLogger backs the Logger interface with logrus, colorizing level
// prefixes through fatih/color's terminal detection. Every node writes its
// logs to stderr: stdout is reserved for the envelope protocol (section 6,
// transport).
type logrusLogger struct {
	entry *logrus.Entry
}

// NewDefaultLogger builds the logger every workload binary constructs its
// node with.
func NewDefaultLogger(nodeID string) Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{
		DisableColors:   !color.NoColor && !isTerminal(),
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return &logrusLogger{entry: base.WithField("node", nodeID)}
}

func isTerminal() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func (l *logrusLogger) Info(v ...interface{})                  { l.entry.Info(v...) }
func (l *logrusLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *logrusLogger) Warn(v ...interface{})                  { l.entry.Warn(v...) }
func (l *logrusLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *logrusLogger) Error(v ...interface{})                 { l.entry.Error(v...) }
func (l *logrusLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }
func (l *logrusLogger) Debug(v ...interface{})                 { l.entry.Debug(v...) }
func (l *logrusLogger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }

// Fatal exits the process with a non-zero status (section 7: panics and
// fatal protocol errors abort the process, no partial-failure recovery).
func (l *logrusLogger) Fatal(v ...interface{})                 { l.entry.Fatal(v...) }
func (l *logrusLogger) Fatalf(format string, v ...interface{}) { l.entry.Fatalf(format, v...) }
func (l *logrusLogger) Panic(v ...interface{})                 { l.entry.Panic(v...) }
func (l *logrusLogger) Panicf(format string, v ...interface{}) { l.entry.Panicf(format, v...) }

func (l *logrusLogger) ToggleDebug(value bool) bool {
	if value {
		l.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.Logger.SetLevel(logrus.InfoLevel)
	}
	return value
}
