package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/maubot/rss/internal/bot"
	"github.com/maubot/rss/internal/config"
	"github.com/maubot/rss/internal/fetcher"
	"github.com/maubot/rss/internal/registry"
	"github.com/maubot/rss/internal/scheduler"
	"github.com/maubot/rss/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	f := fetcher.New(&http.Client{Timeout: 30 * time.Second})
	reg := registry.New(store, f, cfg.DefaultTemplate, log)

	b, err := bot.New(cfg.TelegramBotToken, reg, cfg, log)
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(reg, f, b, log)
	sched.SetTickInterval(time.Duration(cfg.PollIntervalMinutes) * time.Minute)
	sched.SetMaxConcurrent(cfg.MaxConcurrentFetch)
	b.SetBackfiller(sched)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting bot",
		"poll_interval_min", cfg.PollIntervalMinutes,
		"max_concurrent_fetch", cfg.MaxConcurrentFetch,
	)

	go sched.Run(ctx)

	b.Run(ctx)

	log.Info("bot stopped")
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
