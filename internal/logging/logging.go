// Package logging configures logrus for the simulator and its tools.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logger at level writing to w. Level "off" or "none"
// discards everything; an unparsable level falls back to info.
func New(level string, w io.Writer) *logrus.Logger {
	logger := logrus.New()
	if level == "off" || level == "none" {
		logger.SetOutput(io.Discard)
		return logger
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	return logger
}

// OpenFile returns a logger appending to path. The console owns the
// terminal, so the simulator never logs to stdout.
func OpenFile(level, path string) (*logrus.Logger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	return New(level, f), f, nil
}
