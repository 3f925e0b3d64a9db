package log

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger = New(os.Getenv("LOG_LEVEL"))

// New builds a text logger at the given level (DEBUG, INFO, WARN, ERROR).
// Unknown or empty levels fall back to INFO.
func New(level string) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(ParseLevel(level))
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return l
}

func ParseLevel(level string) logrus.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return logrus.DebugLevel
	case "WARN", "WARNING":
		return logrus.WarnLevel
	case "ERROR":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel adjusts the shared logger once configuration is known.
func SetLevel(level string) {
	logger.SetLevel(ParseLevel(level))
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}

// Discard returns a logger that drops everything, for tests.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
