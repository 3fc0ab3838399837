package main

import (
	"context"
	"encoding/json"
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

	"github.com/atmx/pnl-engine/internal/api"
	"github.com/atmx/pnl-engine/internal/config"
	"github.com/atmx/pnl-engine/internal/metrics"
	"github.com/atmx/pnl-engine/internal/model"
	"github.com/atmx/pnl-engine/internal/pipeline"
	"github.com/atmx/pnl-engine/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	seedPath := flag.String("seed", "", "JSON snapshot of trades, resolutions and quotes to load at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	level, _ := cfg.LogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if *seedPath != "" {
		if err := seed(ctx, st, *seedPath); err != nil {
			slog.Error("seed failed", "path", *seedPath, "err", err)
			os.Exit(1)
		}
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Rebuild engine ---
	opts, _ := cfg.PipelineOptions()
	engine := pipeline.NewEngine(st, opts, wsHub)
	go engine.Run(ctx, cfg.Rebuild.Interval)
	slog.Info("rebuild loop started",
		"interval", cfg.Rebuild.Interval,
		"workers", opts.Workers,
		"default_policy", opts.DefaultPolicy,
		"cash_check", opts.CashCheck,
		"alignment", opts.Alignment,
	)

	svc := api.NewService(st, engine)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"pnl-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream of rebuild events; not subject to the timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(2 * time.Minute))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3 * time.Minute, // POST /rebuild is synchronous
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("pnl-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down pnl-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("pnl-engine stopped")
}

// seed loads a snapshot file into the input tables.
func seed(ctx context.Context, st store.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	// Feeds name the raw id condition_id; normalization happens per rebuild.
	for i := range snap.Resolutions {
		if snap.Resolutions[i].ConditionIDRaw == "" {
			snap.Resolutions[i].ConditionIDRaw = snap.Resolutions[i].ConditionID
		}
	}
	for i := range snap.Quotes {
		if snap.Quotes[i].ConditionIDRaw == "" {
			snap.Quotes[i].ConditionIDRaw = snap.Quotes[i].ConditionID
		}
	}
	if err := st.InsertTrades(ctx, snap.Trades); err != nil {
		return err
	}
	if err := st.InsertResolutions(ctx, snap.Resolutions); err != nil {
		return err
	}
	if err := st.InsertQuotes(ctx, snap.Quotes); err != nil {
		return err
	}
	slog.Info("seeded inputs",
		"trades", len(snap.Trades),
		"resolutions", len(snap.Resolutions),
		"quotes", len(snap.Quotes),
	)
	return nil
}

// openStore selects Postgres (optionally behind Redis), SQLite, or memory.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, []func(), error) {
	var cleanup []func()

	switch {
	case cfg.Storage.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Storage.RedisURL == "" {
			return pg, cleanup, nil
		}
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis cache enabled", "ttl", cfg.Storage.CacheTTL)
		return store.NewCachedStore(pg, rdb, cfg.Storage.CacheTTL), cleanup, nil

	case cfg.Storage.SQLitePath != "":
		lite, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		slog.Info("opened SQLite store", "path", cfg.Storage.SQLitePath)
		return lite, cleanup, nil

	default:
		slog.Warn("no storage configured, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}
}
