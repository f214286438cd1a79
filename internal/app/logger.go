package app

import (
	stdslog "log/slog"
	"os"

	"github.com/unkn0wn-root/urlcache"
	"github.com/unkn0wn-root/urlcache/internal/config"
	apexlog "github.com/unkn0wn-root/urlcache/log/apex"
	logruslog "github.com/unkn0wn-root/urlcache/log/logrus"
	slogadapter "github.com/unkn0wn-root/urlcache/log/slog"
	zaplog "github.com/unkn0wn-root/urlcache/log/zap"
)

// newLogger returns the cache logger for cfg, plus the slog logger that event
// hooks write to when the backend is slog (nil otherwise), and a flush func.
func newLogger(cfg config.LogConfig) (urlcache.Logger, *stdslog.Logger, func(), error) {
	nop := func() {}
	switch cfg.Backend {
	case "logrus":
		l, err := logruslog.New(cfg.Level, cfg.Format)
		return l, nil, nop, err
	case "apex":
		l, err := apexlog.New(cfg.Level, cfg.Format)
		return l, nil, nop, err
	case "slog":
		l, err := slogadapter.New(os.Stderr, cfg.Level, cfg.Format)
		if err != nil {
			return nil, nil, nop, err
		}
		return slogadapter.Logger{L: l}, l, nop, nil
	default:
		z, err := zaplog.Build(cfg.Level, cfg.Format)
		if err != nil {
			return nil, nil, nop, err
		}
		return zaplog.ZapLogger{L: z}, nil, func() { _ = z.Sync() }, nil
	}
}
