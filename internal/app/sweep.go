package app

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/unkn0wn-root/urlcache"
)

// cronLogger feeds robfig/cron's Logger into the cache logger.
type cronLogger struct{ l urlcache.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug("cron: "+msg, kvFields(kv)) }
func (c cronLogger) Error(err error, msg string, kv ...any) {
	f := kvFields(kv)
	f["err"] = err
	c.l.Error("cron: "+msg, f)
}

func kvFields(kv []any) urlcache.Fields {
	f := make(urlcache.Fields, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			f[k] = kv[i+1]
		}
	}
	return f
}

// newSweeper schedules c.Sweep on a standard 5-field cron expression or an @every descriptor.
func newSweeper(schedule string, c urlcache.Cache, log urlcache.Logger) (*cron.Cron, error) {
	cl := cronLogger{l: log}
	s := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl))
	_, err := s.AddFunc(schedule, func() {
		n := c.Sweep(context.Background())
		log.Debug("scheduled sweep", urlcache.Fields{"removed": n})
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
