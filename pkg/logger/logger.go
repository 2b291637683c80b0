// Package logger wraps logrus with a process-wide logger.
package logger

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

func init() {
	std.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLevel sets the logging level by name; unknown names keep the default.
func SetLevel(level string) {
	lv, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		std.Warnf("unknown log level %q, keeping %s", level, std.GetLevel())
		return
	}
	std.SetLevel(lv)
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

// WithField returns an entry tagged with a single field.
func WithField(key string, value any) *logrus.Entry {
	return std.WithField(key, value)
}

// WithFields returns an entry tagged with multiple fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return std.WithFields(fields)
}

func Debugf(format string, args ...any) { std.Debugf(format, args...) }
func Infof(format string, args ...any)  { std.Infof(format, args...) }
func Warnf(format string, args ...any)  { std.Warnf(format, args...) }
func Errorf(format string, args ...any) { std.Errorf(format, args...) }
func Fatalf(format string, args ...any) { std.Fatalf(format, args...) }
