package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/opacore/opacore/internal/api"
	"github.com/opacore/opacore/internal/esplora"
	"github.com/opacore/opacore/internal/events"
	"github.com/opacore/opacore/internal/metrics"
	"github.com/opacore/opacore/internal/prices"
	"github.com/opacore/opacore/internal/store"
	"github.com/opacore/opacore/internal/watcher"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis store cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price oracle ---
	var oracle prices.Oracle = prices.NewCoinGecko(os.Getenv("COINGECKO_API_URL"))
	if rdb != nil {
		oracle = prices.NewCachedOracle(oracle, rdb, time.Minute)
		slog.Info("Redis price cache enabled")
	}

	// --- Chain client ---
	esploraURL := os.Getenv("ESPLORA_URL")
	if esploraURL == "" {
		esploraURL = esplora.DefaultURL
	}
	chain := esplora.NewClient(esploraURL)

	// --- WebSocket hub ---
	hub := events.NewHub()
	go hub.Run()

	// --- Payment watcher ---
	w := watcher.New(st, chain, oracle, hub, watcher.Config{
		Interval:   envDuration("WATCHER_INTERVAL", time.Minute),
		CheckDelay: envDuration("WATCHER_CHECK_DELAY", 500*time.Millisecond),
		BatchSize:  envInt("WATCHER_BATCH_SIZE", 10),
	})
	watcherCtx, stopWatcher := context.WithCancel(context.Background())
	go w.Run(watcherCtx)

	// --- API service ---
	svc := api.NewService(st, oracle, w)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"opacore"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time payment events.
		r.Get("/ws", hub.HandleWS)

		// Portfolio ledger and reports.
		r.Post("/portfolios/{portfolioID}/transactions", svc.CreateTransaction)
		r.Get("/portfolios/{portfolioID}/transactions", svc.ListTransactions)
		r.Get("/portfolios/{portfolioID}/costbasis", svc.GetCostBasis)
		r.Get("/portfolios/{portfolioID}/summary", svc.GetSummary)
		r.Get("/portfolios/{portfolioID}/tax/{year}", svc.GetTaxReport)
		r.Get("/portfolios/{portfolioID}/tax/{year}/export", svc.ExportTaxReport)

		// Invoice lifecycle.
		r.Post("/invoices", svc.CreateInvoice)
		r.Get("/invoices", svc.ListInvoices)
		r.Get("/invoices/{invoiceID}", svc.GetInvoice)
		r.Post("/invoices/{invoiceID}/send", svc.SendInvoice)
		r.Post("/invoices/{invoiceID}/cancel", svc.CancelInvoice)
		r.Post("/invoices/{invoiceID}/check", svc.CheckInvoice)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("opacore listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopWatcher()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down opacore...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("opacore stopped")
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}
