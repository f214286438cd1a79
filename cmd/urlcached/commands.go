package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/unkn0wn-root/urlcache/internal/app"
	"github.com/unkn0wn-root/urlcache/internal/config"
)

func newCommand() *cli.Command {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the YAML config file",
		Value:   "urlcached.yaml",
		Sources: cli.EnvVars("URLCACHED_CONFIG"),
	}
	logLevelFlag := &cli.StringFlag{
		Name:  "log-level",
		Usage: "override log.level (debug, info, warn, error)",
	}

	return &cli.Command{
		Name:  "urlcached",
		Usage: "signed URL cache daemon",
		Flags: []cli.Flag{configFlag, logLevelFlag},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "serve the HTTP API",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "override server.addr"},
				},
				Action: serveAction,
			},
			{
				Name:  "sign",
				Usage: "issue URLs for one or more keys and print them",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "key", Aliases: []string{"k"}, Usage: "storage key (repeatable)", Required: true},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return signAction(ctx, c, os.Stdout)
				},
			},
		},
	}
}

func loadConfig(c *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveAction(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

func signAction(ctx context.Context, c *cli.Command, out io.Writer) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	// one-shot: nothing to sweep
	cfg.Sweep = config.SweepConfig{}
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		_ = a.Shutdown(sctx)
	}()

	keys := c.StringSlice("key")
	if len(keys) == 1 {
		e, err := a.Cache.GetEntry(ctx, keys[0])
		if err != nil {
			return err
		}
		printURL(out, keys[0], e.URL, e.ExpiresAt)
		return nil
	}

	urls, failed, err := a.Cache.GetBatch(ctx, keys)
	if err != nil {
		return err
	}
	expires := time.Now().Add(cfg.Cache.TTL - cfg.Cache.SafetyMargin)
	for _, k := range keys {
		if u, ok := urls[k]; ok {
			printURL(out, k, u, expires)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("no url for %d of %d keys: %v", len(failed), len(keys), failed)
	}
	return nil
}

func printURL(out io.Writer, key, url string, expiresAt time.Time) {
	fmt.Fprintf(out, "%s\n  %s\n  expires %s (%s)\n", key, url, humanize.Time(expiresAt), expiresAt.UTC().Format(time.RFC3339))
}
