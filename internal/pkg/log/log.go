// Package log provides the handful of levelled helpers used throughout
// alctrz, in the spirit of apptainer's pkg/sylog but backed by a real
// structured logger (logrus) instead of a hand-rolled writer.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: false,
		FullTimestamp:    true,
	})
	if os.Getenv("ALCTRZ_DEBUG") != "" {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

func Debugf(format string, args ...interface{})   { logger.Debugf(format, args...) }
func Verbosef(format string, args ...interface{}) { logger.Debugf(format, args...) }
func Infof(format string, args ...interface{})    { logger.Infof(format, args...) }
func Warnf(format string, args ...interface{})    { logger.Warnf(format, args...) }
func Errorf(format string, args ...interface{})   { logger.Errorf(format, args...) }

// Fatalf logs at error level and exits the process with status 1. It is
// reserved for configuration and startup failures (spec.md §7's
// "Configuration errors" taxonomy) that must abort before any mount occurs.
func Fatalf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
	os.Exit(1)
}
