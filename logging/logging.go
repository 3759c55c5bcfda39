package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"ev-demand-analytics-engine/config"
)

// New creates a logger configured from the logging section
func New(cfg config.LoggingConfig) *logrus.Logger {
	return NewWithOutput(cfg, os.Stderr)
}

// NewWithOutput creates a logger writing to out
func NewWithOutput(cfg config.LoggingConfig, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger
}

// OrDefault returns logger, or the standard logrus logger when nil
func OrDefault(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger == nil {
		return logrus.StandardLogger()
	}
	return logger
}
