package utils

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var (
	InfoLogger  = newLogger(os.Stdout, logrus.InfoLevel)
	ErrorLogger = newLogger(os.Stderr, logrus.WarnLevel)
)

func newLogger(out io.Writer, level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(level)
	return logger
}

// InitLogger resets both loggers to their defaults.
func InitLogger() {
	InfoLogger = newLogger(os.Stdout, logrus.InfoLevel)
	ErrorLogger = newLogger(os.Stderr, logrus.WarnLevel)
}

// SetDebug lowers the info logger to debug level.
func SetDebug(debug bool) {
	if debug {
		InfoLogger.SetLevel(logrus.DebugLevel)
		return
	}
	InfoLogger.SetLevel(logrus.InfoLevel)
}

// SetOutput redirects both loggers, mainly for tests.
func SetOutput(out io.Writer) {
	InfoLogger.SetOutput(out)
	ErrorLogger.SetOutput(out)
}
