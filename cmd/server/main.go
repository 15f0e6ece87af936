package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-engine/internal/catalog"
	"github.com/atmx/paper-engine/internal/config"
	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/feed"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/notify"
	"github.com/atmx/paper-engine/internal/relay"
	"github.com/atmx/paper-engine/internal/store"
	"github.com/atmx/paper-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}
	logger := cfg.Logger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	local, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		slog.Error("failed to open local store", "err", err, "path", cfg.Storage.SQLitePath)
		os.Exit(1)
	}
	cleanup = append(cleanup, func() { local.Close() })

	var remote store.Store
	if cfg.Storage.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		remote = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Storage.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Storage.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			remote = store.NewCachedStore(pg, rdb, cfg.Storage.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Storage.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, ledgers are kept in the local store only", "path", cfg.Storage.SQLitePath)
	}
	st := store.NewTieredStore(remote, local, logger)

	// --- Notifications ---
	hub := trade.NewWSHub(logger)
	notifiers := notify.Multi{notify.NewLogNotifier(logger), hub}
	if cfg.NATS.URL != "" {
		nc, err := notify.DialNATS(cfg.NATS.URL, logger)
		if err != nil {
			slog.Error("NATS connection failed, continuing without event publishing", "err", err)
		} else {
			cleanup = append(cleanup, func() { nc.Drain() })
			notifiers = append(notifiers, notify.NewNATSNotifier(nc, cfg.NATS.Prefix))
			slog.Info("NATS publishing enabled", "prefix", cfg.NATS.Prefix)
		}
	}

	// --- Market feed ---
	normalizer := feed.NewNormalizer(logger)
	subs := feed.NewSubscriptions(cfg.Feed.CustomFeatures, logger)
	history := feed.NewHistory(cfg.Feed.HistorySize)
	feedClient := feed.NewClient(feed.ClientConfig{
		URL:            cfg.Feed.URL,
		PingInterval:   cfg.Feed.PingInterval,
		ReconnectDelay: cfg.Feed.ReconnectDelay,
	}, normalizer, subs, logger)

	// --- Sessions ---
	mgr := engine.NewManager(engine.Config{
		LeverageLevels:  cfg.Trading.LeverageLevels,
		StartingBalance: cfg.StartingBalance(),
		FlushInterval:   cfg.Trading.FlushInterval,
	}, st, notifiers, subs, normalizer, history, logger)

	go hub.Run(ctx)
	go func() {
		if err := feedClient.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("market feed stopped", "err", err)
		}
	}()
	go mgr.Run(ctx, feedClient.Ticks())
	go mgr.ReportStatus(ctx, feedClient.StatusChanges())

	// --- HTTP services ---
	tradeSvc := trade.NewService(mgr, normalizer, history, feedClient, hub, logger)
	proxy := catalog.NewProxy(catalog.NewClient(cfg.Catalog.BaseURL, logger), cfg.Catalog.CacheTTL, logger)
	feedRelay := relay.New(relay.Config{
		UpstreamURL:    cfg.Feed.URL,
		PingInterval:   cfg.Feed.PingInterval,
		ReconnectDelay: cfg.Feed.ReconnectDelay,
	}, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+trade.ScopeHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"paper-engine","feed":%q}`, feedClient.Status())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// Long-lived WebSocket routes stay outside the request timeout.
	r.Handle("/ws", feedRelay)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(middleware.Timeout(30 * time.Second))
		proxy.Routes(r)
		tradeSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("paper-engine listening", "port", cfg.Server.Port, "feed", cfg.Feed.URL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down paper-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	mgr.Close()
	fmt.Println("paper-engine stopped")
}
