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
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/opensouk/marketplace-engine/internal/engine"
	"github.com/opensouk/marketplace-engine/internal/market"
	"github.com/opensouk/marketplace-engine/internal/metrics"
	"github.com/opensouk/marketplace-engine/internal/store"
)

func main() {
	// Local development convenience; production supplies real env vars.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	owner := os.Getenv("OWNER_ID")
	if owner == "" {
		slog.Error("OWNER_ID is required")
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
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

	// --- Engine ---
	eng := engine.New(st, owner)
	if err := bootstrapConfig(eng, owner); err != nil {
		slog.Error("config bootstrap failed", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := market.NewWSHub()
	go wsHub.Run()

	// --- Market service ---
	svc := market.NewService(eng, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"marketplace-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc.Routes(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("marketplace-engine listening", "port", port, "owner", owner)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down marketplace-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("marketplace-engine stopped")
}

// bootstrapConfig applies FEE_BPS and FEE_RECIPIENT from the environment when
// they differ from the persisted configuration. Restarting with unchanged env
// is a no-op, so the event log carries no spurious admin events.
func bootstrapConfig(eng *engine.Engine, owner string) error {
	cfg, err := eng.Config(context.Background())
	if err != nil {
		return err
	}

	if v := os.Getenv("FEE_BPS"); v != "" {
		bps, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid FEE_BPS %q: %w", v, err)
		}
		if uint32(bps) != cfg.FeeBps {
			if err := eng.SetPlatformFee(context.Background(), owner, uint32(bps)); err != nil {
				return err
			}
			slog.Info("platform fee configured", "fee_bps", bps)
		}
	}
	if v := os.Getenv("FEE_RECIPIENT"); v != "" && v != cfg.FeeRecipient {
		if err := eng.SetFeeRecipient(context.Background(), owner, v); err != nil {
			return err
		}
		slog.Info("fee recipient configured", "recipient", v)
	}
	return nil
}
