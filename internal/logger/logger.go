// Package logger provides module-scoped logging for the transport core.
package logger

import (
	"github.com/sirupsen/logrus"
)

// Logger is the minimal logging surface used throughout this package. Each
// component gets its own named instance via New so log lines can be
// attributed to the connection or manager that produced them.
type Logger interface {
	Debug(args ...interface{})
	Debugln(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infoln(args ...interface{})
	Infof(format string, args ...interface{})
	Warning(args ...interface{})
	Warningln(args ...interface{})
	Warningf(format string, args ...interface{})
	Error(args ...interface{})
	Errorln(args ...interface{})
	Errorf(format string, args ...interface{})
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New returns a Logger tagged with the given component name, e.g.
// "peer <- 1.2.3.4:6881" or "manager".
func New(name string) Logger {
	return &logrusLogger{entry: logrus.WithField("component", name)}
}

func (l *logrusLogger) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *logrusLogger) Debugln(args ...interface{})               { l.entry.Debugln(args...) }
func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Info(args ...interface{})                  { l.entry.Info(args...) }
func (l *logrusLogger) Infoln(args ...interface{})                { l.entry.Infoln(args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warning(args ...interface{})               { l.entry.Warning(args...) }
func (l *logrusLogger) Warningln(args ...interface{})             { l.entry.Warnln(args...) }
func (l *logrusLogger) Warningf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}
func (l *logrusLogger) Error(args ...interface{})   { l.entry.Error(args...) }
func (l *logrusLogger) Errorln(args ...interface{}) { l.entry.Errorln(args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}
