package slog

import (
	"context"
	"io"
	stdslog "log/slog"
	"strings"

	"github.com/unkn0wn-root/urlcache"
)

var _ urlcache.Logger = Logger{}

type Logger struct{ L *stdslog.Logger }

func (s Logger) Debug(msg string, f urlcache.Fields) {
	s.L.LogAttrs(context.Background(), stdslog.LevelDebug, msg, attrs(f)...)
}
func (s Logger) Info(msg string, f urlcache.Fields) {
	s.L.LogAttrs(context.Background(), stdslog.LevelInfo, msg, attrs(f)...)
}
func (s Logger) Warn(msg string, f urlcache.Fields) {
	s.L.LogAttrs(context.Background(), stdslog.LevelWarn, msg, attrs(f)...)
}
func (s Logger) Error(msg string, f urlcache.Fields) {
	s.L.LogAttrs(context.Background(), stdslog.LevelError, msg, attrs(f)...)
}

func attrs(f urlcache.Fields) []stdslog.Attr {
	if len(f) == 0 {
		return nil
	}
	out := make([]stdslog.Attr, 0, len(f))
	for k, v := range f {
		out = append(out, stdslog.Any(k, v))
	}
	return out
}

// New returns a slog logger writing to w; format "json" selects the JSON handler.
func New(w io.Writer, level, format string) (*stdslog.Logger, error) {
	var lvl stdslog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
			return nil, err
		}
	}
	opts := &stdslog.HandlerOptions{Level: lvl}
	if format == "json" {
		return stdslog.New(stdslog.NewJSONHandler(w, opts)), nil
	}
	return stdslog.New(stdslog.NewTextHandler(w, opts)), nil
}
