// Package logging defines the Logger interface used throughout the
// node and its default, logrus-backed implementation.
package logging

import (
	"io"
	"os"

	"github.com/prometheus/common/log"
	"github.com/sirupsen/logrus"
)

// Logger is implemented by anything that can receive the node's log
// output, so peer/transport/registry code can log without caring
// which implementation is wired in.
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

	// ToggleDebug flips debug-level logging on or off and returns the new state.
	ToggleDebug(value bool) bool
}

// DefaultLogger backs Logger with a logrus.Logger.
type DefaultLogger struct {
	*logrus.Logger
}

// NewDefaultLogger builds a Logger writing to stderr with INFO level by default.
func NewDefaultLogger() *DefaultLogger {
	l := logrus.New()
	l.Out = os.Stderr
	l.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{Logger: l}
}

func (l *DefaultLogger) ToggleDebug(value bool) bool {
	if value {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return value
}

func (l *DefaultLogger) Fatal(v ...interface{}) {
	l.Logger.Fatal(v...)
}

func (l *DefaultLogger) Fatalf(format string, v ...interface{}) {
	l.Logger.Fatalf(format, v...)
}

// TransportLogger adapts the prometheus/common log facade to Logger,
// for wiring the node into binaries that already standardize on that
// facade.
type TransportLogger struct {
	base log.Logger
}

// NewTransportLogger builds a Logger routed through the
// prometheus/common log facade, writing to stderr with INFO level by
// default.
func NewTransportLogger() *TransportLogger {
	return newTransportLogger(os.Stderr)
}

func newTransportLogger(w io.Writer) *TransportLogger {
	base := log.NewLogger(w)
	_ = base.SetLevel("info")
	return &TransportLogger{base: base}
}

func (l *TransportLogger) Info(v ...interface{})                  { l.base.Info(v...) }
func (l *TransportLogger) Infof(format string, v ...interface{})  { l.base.Infof(format, v...) }
func (l *TransportLogger) Warn(v ...interface{})                  { l.base.Warn(v...) }
func (l *TransportLogger) Warnf(format string, v ...interface{})  { l.base.Warnf(format, v...) }
func (l *TransportLogger) Error(v ...interface{})                 { l.base.Error(v...) }
func (l *TransportLogger) Errorf(format string, v ...interface{}) { l.base.Errorf(format, v...) }
func (l *TransportLogger) Debug(v ...interface{})                 { l.base.Debug(v...) }
func (l *TransportLogger) Debugf(format string, v ...interface{}) { l.base.Debugf(format, v...) }
func (l *TransportLogger) Fatal(v ...interface{})                 { l.base.Fatal(v...) }
func (l *TransportLogger) Fatalf(format string, v ...interface{}) { l.base.Fatalf(format, v...) }

func (l *TransportLogger) ToggleDebug(value bool) bool {
	if value {
		_ = l.base.SetLevel("debug")
	} else {
		_ = l.base.SetLevel("info")
	}
	return value
}
