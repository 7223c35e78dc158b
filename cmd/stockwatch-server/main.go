package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"stockwatch/internal/config"
	"stockwatch/internal/httpapi"
	"stockwatch/internal/news"
	"stockwatch/internal/store"
	"stockwatch/internal/util"
)

func main() {
	// Load config.
	cfgPath := "config/stockwatch.yaml"
	if p := os.Getenv("STOCKWATCH_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		log.Fatal("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required")
	}

	// Watchlist repository.
	var repo store.WatchlistRepo
	switch cfg.Storage.Driver {
	case store.DriverPostgres:
		repo, err = store.NewSQLStore(store.DriverPostgres, cfg.Storage.DatabaseURL)
	case "memory":
		repo = store.NewMemoryRepo()
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
			log.Fatalf("creating data dir: %v", err)
		}
		repo, err = store.NewSQLiteStore(cfg.Storage.SQLitePath)
	}
	if err != nil {
		log.Fatalf("opening watchlist store: %v", err)
	}
	defer repo.Close()

	// Quote cache: Redis when configured and reachable, in-process otherwise.
	var cache httpapi.QuoteCache = httpapi.NewMemoryCache(nil)
	if cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.Cache.RedisAddr,
			DB:   cfg.Cache.RedisDB,
		})
		rc := httpapi.NewRedisCache(rdb)
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rc.Ping(pingCtx); err != nil {
			logger.Warn("redis unavailable, using in-process quote cache", "addr", cfg.Cache.RedisAddr, "error", err)
			rdb.Close()
		} else {
			logger.Info("redis quote cache connected", "addr", cfg.Cache.RedisAddr)
			cache = rc
			defer rdb.Close()
		}
		pingCancel()
	}

	alpaca := httpapi.NewAlpacaSource(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, cfg.Alpaca.DataURL, cfg.Alpaca.Feed)
	srv := httpapi.NewServer(httpapi.Options{
		Repo:            repo,
		Quotes:          alpaca,
		Charts:          alpaca,
		News:            news.NewFetcher(alpaca.MarketData(), logger),
		Cache:           cache,
		CacheTTL:        cfg.Cache.QuoteTTL,
		RateLimitPerMin: cfg.Server.RateLimitPerMin,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
		Logger:          logger,
	})

	// Start HTTP server.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		logger.Info("stockwatch server listening", "addr", httpServer.Addr, "driver", cfg.Storage.Driver)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down stockwatch server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
