package main

import (
	"context"
	"errors"
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
	"golang.org/x/sync/errgroup"

	"github.com/atmx/position-ledger/internal/cache"
	"github.com/atmx/position-ledger/internal/config"
	"github.com/atmx/position-ledger/internal/contract"
	"github.com/atmx/position-ledger/internal/history"
	"github.com/atmx/position-ledger/internal/idempotency"
	"github.com/atmx/position-ledger/internal/ingest"
	"github.com/atmx/position-ledger/internal/ledger"
	"github.com/atmx/position-ledger/internal/lock"
	"github.com/atmx/position-ledger/internal/metrics"
	"github.com/atmx/position-ledger/internal/publish"
	"github.com/atmx/position-ledger/internal/store"
	"github.com/atmx/position-ledger/internal/trade"
	"github.com/atmx/position-ledger/internal/validate"
)

func main() {
	if err := run(); err != nil {
		slog.Error("position-ledger failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("position-ledger stopped")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache and lock backends) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis configured")
	}

	// --- Cache ---
	c, err := cache.New(cache.Config{
		Backend:     cfg.Cache.Backend,
		Redis:       rdb,
		Prefix:      "ledger:",
		LocalMaxTTL: cfg.Idempotency.TTL,
		LocalMaxMB:  cfg.Cache.LocalMaxMB,
	})
	if err != nil {
		return err
	}
	cleanup = append(cleanup, func() { c.Close() })
	slog.Info("cache enabled", "backend", cfg.Cache.Backend)

	// --- Initialize store ---
	var st store.Store
	var source contract.Source

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		slog.Info("connected to PostgreSQL")

		// Snapshot reads go through the cache.
		st = store.NewCachedStore(pg, c, cfg.Cache.SnapshotTTL, logger)
		source = contract.NewPostgresSource(pool)
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
		static, err := cfg.StaticContracts()
		if err != nil {
			return err
		}
		source = static
	}

	// --- Contract rules ---
	// Loaded by the refresher started below; defaults apply until then.
	contracts := contract.NewProvider(cfg.DefaultRules(), source, logger)

	// --- Locking ---
	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Lock.Backend == "redis" {
		locker = lock.NewRedisLocker(rdb, cfg.Lock.TTL, cfg.Lock.Wait, logger)
	}

	// --- Publication: broker plus WebSocket hub ---
	wsHub := trade.NewWSHub(logger)
	broker, err := publish.New(ctx, publish.Config{
		Backend:      cfg.Publish.Backend,
		KafkaBrokers: cfg.Kafka.Brokers,
		KafkaTopic:   cfg.Kafka.Topic,
		NATSURL:      cfg.NATS.URL,
	}, logger)
	if err != nil {
		return err
	}
	publisher := publish.Multi{broker, wsHub}
	cleanup = append(cleanup, func() {
		if err := publisher.Close(); err != nil {
			slog.Error("publisher close failed", "err", err)
		}
	})

	// --- Ledger ---
	engine := ledger.NewEngine(ledger.Deps{
		Store:     st,
		Guard:     idempotency.New(c, st, cfg.Idempotency.TTL, logger),
		Validator: validate.New(nil),
		Contracts: contracts,
		Recorder:  history.NewRecorder(st, logger),
		Locker:    locker,
		Publisher: publisher,
		Logger:    logger,
	}, ledger.Config{
		MaxAttempts:          cfg.Ledger.MaxAttempts,
		TerminationTolerance: cfg.TerminationTolerance,
	})
	svc := trade.NewService(engine, ledger.NewArchiver(engine), st, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for browser clients.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"position-ledger"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live position updates.
		r.Get("/ws", wsHub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("position-ledger listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down position-ledger...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return wsHub.Run(gctx) })
	g.Go(func() error { return contracts.Run(gctx, cfg.Contract.RefreshInterval) })

	if cfg.Kafka.IngestTopic != "" {
		consumer := ingest.NewKafkaConsumer(ingest.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.IngestTopic,
			GroupID: cfg.Kafka.GroupID,
		}, engine, logger)
		cleanup = append(cleanup, func() { consumer.Close() })
		g.Go(func() error { return consumer.Run(gctx) })
		slog.Info("Kafka ingest enabled", "topic", cfg.Kafka.IngestTopic)
	}

	return g.Wait()
}
