// Package apex adapts github.com/apex/log to urlcache.Logger.
package apex

import (
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"

	"github.com/unkn0wn-root/urlcache"
)

var _ urlcache.Logger = Logger{}

type Logger struct{ L log.Interface }

func (a Logger) Debug(msg string, f urlcache.Fields) { a.L.WithFields(log.Fields(f)).Debug(msg) }
func (a Logger) Info(msg string, f urlcache.Fields)  { a.L.WithFields(log.Fields(f)).Info(msg) }
func (a Logger) Warn(msg string, f urlcache.Fields)  { a.L.WithFields(log.Fields(f)).Warn(msg) }
func (a Logger) Error(msg string, f urlcache.Fields) { a.L.WithFields(log.Fields(f)).Error(msg) }

// New returns a stderr apex logger. format "json" selects the JSON handler.
func New(level, format string) (Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return Logger{}, err
	}
	var h log.Handler = text.New(os.Stderr)
	if format == "json" {
		h = json.New(os.Stderr)
	}
	return Logger{L: &log.Logger{Handler: h, Level: lvl}}, nil
}
