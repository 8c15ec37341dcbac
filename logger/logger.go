package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing to the file at path, or to stderr when path
// is empty.
func New(path string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if len(path) == 0 {
		return log
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
	if err != nil {
		log.WithError(err).Warn("cannot open log file, logging to stderr")
		return log
	}
	log.SetOutput(f)
	log.Info("log initialized")
	return log
}
