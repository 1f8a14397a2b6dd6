package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"pricewatch/internal/cache"
	"pricewatch/internal/config"
	"pricewatch/internal/fetcher"
	"pricewatch/internal/notify"
	"pricewatch/internal/reconciler"
	"pricewatch/internal/scheduler"
	"pricewatch/internal/storage"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		slog.Error("pricewatch", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "pricewatch",
		Usage: "Incrementally refresh storefront prices into a local store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error), overrides LOG_LEVEL",
			},
		},
		Action: runCycle,
		Commands: []*cli.Command{
			runCommand(),
			statsCommand(),
			dumpCommand(),
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run one refresh cycle (default)",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Ids per pricing request, overrides BATCH_SIZE",
			},
			&cli.DurationFlag{
				Name:  "delay",
				Usage: "Pause between requests, overrides BATCH_DELAY",
			},
			&cli.StringFlag{
				Name:  "order",
				Usage: "Plan order (priority, shuffle), overrides PLAN_ORDER",
			},
		},
		Action: runCycle,
	}
}

// loadConfig reads the environment and applies command line overrides.
func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("batch-size") {
		cfg.Refresh.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("delay") {
		cfg.Refresh.BatchDelay = c.Duration("delay")
	}
	if c.IsSet("order") {
		cfg.Refresh.Order = c.String("order")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg.LogLevel), nil
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*storage.SQL, error) {
	if cfg.Database.Driver == "sqlite" {
		if dir := filepath.Dir(cfg.Database.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create data directory %s: %w", dir, err)
			}
		}
	}
	store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.Path, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	log.Debug("database opened", "driver", cfg.Database.Driver)
	return store, nil
}

func runCycle(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	client := fetcher.New(http.DefaultClient, fetcher.Options{
		CatalogURL: cfg.Upstream.CatalogURL,
		PricingURL: cfg.Upstream.PricingURL,
		UserAgent:  cfg.Upstream.UserAgent,
		Timeout:    cfg.Upstream.Timeout,
	})

	var catalog scheduler.CatalogSource = client
	if cfg.Cache.Enabled() {
		rc, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err != nil {
			log.Warn("catalog cache disabled", "addr", cfg.Cache.RedisAddr, "error", err)
		} else {
			defer func() { _ = rc.Close() }()
			catalog = cache.NewCachedCatalog(client, rc, cfg.Cache.CatalogTTL, log)
		}
	}

	unpriced, rejected := cfg.Refresh.Policies()
	rec := reconciler.New(store, reconciler.Options{
		Unpriced: unpriced,
		Rejected: rejected,
		History:  cfg.Refresh.PriceHistory,
	}, log)

	sched := scheduler.New(catalog, client, store, rec, scheduler.Options{
		BatchSize:       cfg.Refresh.BatchSize,
		BatchDelay:      cfg.Refresh.BatchDelay,
		SkipOffset:      cfg.Refresh.SkipOffset,
		FreshnessWindow: cfg.Refresh.FreshnessWindow,
		Order:           cfg.Refresh.PlanOrder(),
	}, log)

	if cfg.Telegram.Enabled() {
		tg, err := notify.NewTelegram(cfg.Telegram.BotToken, log)
		if err != nil {
			log.Warn("price drop notifications disabled", "error", err)
		} else {
			sched.SetNotifier(notify.New(tg, cfg.Telegram.ChatID, log))
		}
	}

	log.Info("starting cycle",
		"driver", cfg.Database.Driver,
		"batch_size", cfg.Refresh.BatchSize,
		"order", cfg.Refresh.PlanOrder(),
		"unpriced_policy", unpriced,
		"rejected_policy", rejected,
	)

	_, err = sched.RunCycle(ctx)
	switch {
	case errors.Is(err, scheduler.ErrCatalogUnavailable):
		return cli.Exit("catalog snapshot unavailable", 1)
	case err != nil:
		log.Error("cycle failed", "error", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
