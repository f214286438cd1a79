package logrus

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/urlcache"
)

var _ urlcache.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

func (l LogrusLogger) Debug(msg string, f urlcache.Fields) {
	l.E.WithFields(logrus.Fields(f)).Debug(msg)
}
func (l LogrusLogger) Info(msg string, f urlcache.Fields) { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l LogrusLogger) Warn(msg string, f urlcache.Fields) { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l LogrusLogger) Error(msg string, f urlcache.Fields) {
	l.E.WithFields(logrus.Fields(f)).Error(msg)
}

// New builds a stderr logrus entry. format "json" selects the JSON formatter.
func New(level, format string) (LogrusLogger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return LogrusLogger{}, err
	}
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(lvl)
	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return LogrusLogger{E: logrus.NewEntry(l).WithField("component", "urlcache")}, nil
}
