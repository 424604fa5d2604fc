// Package rlog provides the leveled, object-keyed logging calling
// convention used throughout this module: Debugf/Infof/Errorf all take
// the subject of the message as their first argument, backed by logrus.
package rlog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

// SetLevel changes the verbosity of the package logger.
func SetLevel(level logrus.Level) {
	std.SetLevel(level)
}

// SetOutput changes where log lines are written.
func SetOutput(w interface {
	Write([]byte) (int, error)
}) {
	std.SetOutput(w)
}

func entry(subject interface{}) *logrus.Entry {
	if subject == nil {
		return logrus.NewEntry(std)
	}
	return std.WithField("subject", fmt.Sprint(subject))
}

// Debugf logs a debug-level message scoped to subject.
func Debugf(subject interface{}, format string, args ...interface{}) {
	entry(subject).Debugf(format, args...)
}

// Infof logs an info-level message scoped to subject.
func Infof(subject interface{}, format string, args ...interface{}) {
	entry(subject).Infof(format, args...)
}

// Errorf logs an error-level message scoped to subject.
func Errorf(subject interface{}, format string, args ...interface{}) {
	entry(subject).Errorf(format, args...)
}
