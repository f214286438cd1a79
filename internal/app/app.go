// Package app assembles a urlcached daemon from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	stdslog "log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/unkn0wn-root/urlcache"
	"github.com/unkn0wn-root/urlcache/codec"
	"github.com/unkn0wn-root/urlcache/genstore"
	asynchook "github.com/unkn0wn-root/urlcache/hooks/async"
	promhooks "github.com/unkn0wn-root/urlcache/hooks/prom"
	"github.com/unkn0wn-root/urlcache/internal/awscfg"
	"github.com/unkn0wn-root/urlcache/internal/config"
	"github.com/unkn0wn-root/urlcache/issuer"
	s3issuer "github.com/unkn0wn-root/urlcache/issuer/s3"
	"github.com/unkn0wn-root/urlcache/issuer/storageapi"
	pr "github.com/unkn0wn-root/urlcache/provider"
	bigcacheprov "github.com/unkn0wn-root/urlcache/provider/bigcache"
	"github.com/unkn0wn-root/urlcache/provider/memory"
	redisprov "github.com/unkn0wn-root/urlcache/provider/redis"
	ristrettoprov "github.com/unkn0wn-root/urlcache/provider/ristretto"
	"github.com/unkn0wn-root/urlcache/server"
	"github.com/unkn0wn-root/urlcache/sloghooks"
)

type App struct {
	Cache  urlcache.Cache
	Server *server.Server
	Log    urlcache.Logger

	cfg      *config.Config
	registry *prometheus.Registry
	sweeper  *cron.Cron
	async    *asynchook.Hooks
	prov     pr.Provider // closed by Cache once it exists
	rdb      goredis.UniversalClient
	flush    func()
}

// Build wires logger, hooks, storage, issuer, cache and HTTP server from cfg.
// On error everything built so far is released.
func Build(ctx context.Context, cfg *config.Config) (a *App, err error) {
	a = &App{cfg: cfg, flush: func() {}}
	defer func() {
		if err != nil {
			if a.Cache != nil {
				_ = a.Cache.Close(ctx)
			}
			a.release()
			a = nil
		}
	}()

	var slogger *stdslog.Logger
	a.Log, slogger, a.flush, err = newLogger(cfg.Log)
	if err != nil {
		return a, fmt.Errorf("app: logger: %w", err)
	}

	hooks, err := a.buildHooks(slogger)
	if err != nil {
		return a, err
	}

	if cfg.Redis != nil {
		a.rdb = goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	a.prov, err = a.buildProvider(ctx)
	if err != nil {
		return a, err
	}
	cdc, err := codec.ByName[urlcache.Entry](cfg.Cache.Codec)
	if err != nil {
		return a, fmt.Errorf("app: %w", err)
	}
	if cfg.Cache.MaxDecodeBytes > 0 {
		cdc = codec.Limit[urlcache.Entry]{Inner: cdc, MaxDecode: cfg.Cache.MaxDecodeBytes}
	}
	var gens genstore.GenStore
	if cfg.GenStore.Type == "redis" {
		gens = genstore.NewRedis(a.rdb, cfg.Cache.Namespace, cfg.GenStore.TTL)
	}
	iss, err := a.buildIssuer(ctx)
	if err != nil {
		return a, err
	}

	cleanup := cfg.Sweep.Interval
	if cfg.Sweep.Schedule != "" || cleanup == 0 {
		cleanup = -1
	}
	a.Cache, err = urlcache.New(urlcache.Options{
		Namespace:         cfg.Cache.Namespace,
		Issuer:            iss,
		TTL:               cfg.Cache.TTL,
		SafetyMargin:      cfg.Cache.SafetyMargin,
		Provider:          a.prov,
		Codec:             cdc,
		GenStore:          gens,
		Logger:            a.Log,
		Hooks:             hooks,
		CleanupInterval:   cleanup,
		GenRetention:      cfg.Cache.GenRetention,
		MaxParallelIssues: cfg.Cache.MaxParallelIssues,
		MaxBatchSize:      cfg.Cache.MaxBatchSize,
		IssueTimeout:      cfg.Cache.IssueTimeout,
		Disabled:          cfg.Cache.Disabled,
	})
	if err != nil {
		return a, err
	}

	if cfg.Sweep.Schedule != "" {
		a.sweeper, err = newSweeper(cfg.Sweep.Schedule, a.Cache, a.Log)
		if err != nil {
			return a, fmt.Errorf("app: sweep schedule: %w", err)
		}
	}

	scfg := server.Config{
		Addr:           cfg.Server.Addr,
		RequestTimeout: cfg.Server.RequestTimeout,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
	}
	if a.registry != nil {
		scfg.Gatherer = a.registry
	}
	a.Server = server.New(a.Cache, scfg, a.Log)
	return a, nil
}

func (a *App) buildHooks(slogger *stdslog.Logger) (urlcache.Hooks, error) {
	var hs urlcache.MultiHooks
	if a.cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		if a.cfg.Metrics.GoMetrics {
			a.registry.MustRegister(collectors.NewGoCollector())
			a.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		}
		ph, err := promhooks.New(a.registry, a.cfg.Metrics.Namespace)
		if err != nil {
			return nil, fmt.Errorf("app: metrics: %w", err)
		}
		hs = append(hs, ph)
	}
	if slogger != nil {
		a.async = asynchook.New(sloghooks.New(slogger, sloghooks.Options{SelfHealEvery: 10, FlightSharedEvery: 100}), 1, 1024)
		hs = append(hs, a.async)
	}
	switch len(hs) {
	case 0:
		return nil, nil
	case 1:
		return hs[0], nil
	default:
		return hs, nil
	}
}

func (a *App) buildProvider(ctx context.Context) (pr.Provider, error) {
	st := a.cfg.Store
	switch st.Type {
	case "ristretto":
		rc := config.RistrettoConfig{NumCounters: 1_000_000, MaxCost: 64 << 20, BufferItems: 64}
		if st.Ristretto != nil {
			rc = *st.Ristretto
		}
		p, err := ristrettoprov.New(ristrettoprov.Config{
			NumCounters: rc.NumCounters,
			MaxCost:     rc.MaxCost,
			BufferItems: rc.BufferItems,
			Metrics:     a.registry != nil,
		})
		if err != nil {
			return nil, fmt.Errorf("app: ristretto: %w", err)
		}
		if a.registry != nil {
			if err := promhooks.RegisterHitRatio(a.registry, a.cfg.Metrics.Namespace, p.HitRatio); err != nil {
				_ = p.Close(ctx)
				return nil, fmt.Errorf("app: metrics: %w", err)
			}
		}
		return p, nil
	case "bigcache":
		bc := bigcacheprov.Config{LifeWindow: a.cfg.Cache.TTL}
		if st.BigCache != nil {
			bc.Shards = st.BigCache.Shards
			bc.CleanWindow = st.BigCache.CleanWindow
			bc.HardMaxCacheSizeMB = st.BigCache.HardMaxCacheSizeMB
		}
		p, err := bigcacheprov.New(ctx, bc)
		if err != nil {
			return nil, fmt.Errorf("app: bigcache: %w", err)
		}
		return p, nil
	case "redis":
		p, err := redisprov.New(redisprov.Config{Client: a.rdb})
		if err != nil {
			return nil, fmt.Errorf("app: redis store: %w", err)
		}
		return p, nil
	default:
		return memory.New(memory.Config{MaxEntries: st.Memory.MaxEntries}), nil
	}
}

func (a *App) buildIssuer(ctx context.Context) (issuer.Issuer, error) {
	ic := a.cfg.Issuer
	switch ic.Type {
	case "storageapi":
		c, err := storageapi.New(storageapi.Config{
			BaseURL: ic.StorageAPI.BaseURL,
			Bucket:  ic.StorageAPI.Bucket,
			APIKey:  ic.StorageAPI.APIKey,
			Timeout: ic.StorageAPI.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("app: issuer: %w", err)
		}
		return c, nil
	case "s3":
		var opts []awscfg.Option
		if ic.S3.Profile != "" {
			opts = append(opts, awscfg.WithProfile(ic.S3.Profile))
		}
		if ic.S3.Region != "" {
			opts = append(opts, awscfg.WithRegion(ic.S3.Region))
		}
		if ic.S3.AccessKeyID != "" {
			opts = append(opts, awscfg.WithStaticCredentials(ic.S3.AccessKeyID, ic.S3.SecretAccessKey, ""))
		}
		awsCfg, err := awscfg.Load(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("app: aws config: %w", err)
		}
		return s3issuer.New(awscfg.NewS3(awsCfg, ic.S3.Endpoint, ic.S3.PathStyle), ic.S3.Bucket), nil
	default:
		return nil, fmt.Errorf("app: unknown issuer type %q", ic.Type)
	}
}

// Run serves HTTP until ctx is cancelled, then shuts down within the
// configured grace period.
func (a *App) Run(ctx context.Context) error {
	if a.sweeper != nil {
		a.sweeper.Start()
	}
	errCh := make(chan error, 1)
	go func() { errCh <- a.Server.ListenAndServe() }()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownGrace)
	defer cancel()
	return errors.Join(serveErr, a.Shutdown(sctx))
}

// Shutdown stops the server and sweeper, then closes the cache and its stores.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Server != nil {
		errs = append(errs, a.Server.Shutdown(ctx))
	}
	if a.sweeper != nil {
		select {
		case <-a.sweeper.Stop().Done():
		case <-ctx.Done():
		}
	}
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close(ctx))
	}
	a.release()
	return errors.Join(errs...)
}

func (a *App) release() {
	if a.Cache == nil && a.prov != nil {
		_ = a.prov.Close(context.Background())
		a.prov = nil
	}
	if a.async != nil {
		a.async.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
		a.rdb = nil
	}
	a.flush()
}
