package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"portal-scrape-queue/internal/config"
)

// New builds the process logger. Development runs get a text formatter,
// everything else emits JSON so log shippers can index the fields.
func New(cfg config.Config, component string) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Env == "dev" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger.WithField("component", component)
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}
