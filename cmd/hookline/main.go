package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"hookline/internal/admin"
	"hookline/internal/audit"
	"hookline/internal/config"
	"hookline/internal/db"
	"hookline/internal/dispatch"
	"hookline/internal/logging"
	"hookline/internal/metrics"
	"hookline/internal/migrate"
	"hookline/internal/proxy"
	"hookline/internal/redisrl"
	"hookline/internal/replay"
	"hookline/internal/routecache"
	"hookline/internal/store"
	"hookline/internal/worker"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", zap.String("role", cfg.Role), zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	database, err := db.Connect(ctx, cfg.DatabaseURL, 0)
	if err != nil {
		return err
	}
	defer database.Close()

	n, err := migrate.Apply(ctx, database.Pool)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	logger.Info("migrations_applied", zap.Int("count", n))
	if cfg.Role == "migrate" {
		return nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	pg := store.NewPostgres(database.Pool)

	switch cfg.Role {
	case "api":
		var rdb *redis.Client
		if cfg.RedisURL != "" {
			rdb, err = connectRedis(ctx, cfg.RedisURL)
			if err != nil {
				return err
			}
			defer rdb.Close()
		}
		return runAPI(ctx, cfg, logger, m, pg, rdb)
	case "worker":
		mux := http.NewServeMux()
		mountOps(mux, m)
		wk := worker.New(pg, cfg.RetentionDays, logger, m)
		errc := make(chan error, 1)
		go func() { errc <- serve(ctx, cfg, logger, mux) }()
		logger.Info("worker_start", zap.Int("retention_days", cfg.RetentionDays))
		if err := wk.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("worker: %w", err)
		}
		return <-errc
	}
	return fmt.Errorf("unknown ROLE %q", cfg.Role)
}

func runAPI(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics, pg *store.Postgres, rdb *redis.Client) error {
	var routes store.RouteStore = pg
	var cache *routecache.Store
	if rdb != nil && cfg.RouteCacheTTL > 0 {
		cache = routecache.New(pg, rdb, cfg.RouteCacheTTL, logger)
		routes = cache
	}

	var breakers *dispatch.Breakers
	if cfg.BreakerEnabled {
		breakers = dispatch.NewBreakers(dispatch.BreakerSettings{
			FailureRatio: cfg.BreakerFailureRatio,
			MinRequests:  cfg.BreakerMinRequests,
			Cooldown:     cfg.BreakerCooldown,
		}, logger, m)
	}
	dispatcher := dispatch.New(dispatch.Options{
		Timeout:          cfg.OutboundTimeout,
		ConnectTimeout:   cfg.ConnectTimeout,
		MaxResponseBytes: cfg.MaxBodyBytes,
		VerifyTLS:        cfg.VerifyTLS,
		BlockPrivate:     cfg.BlockPrivateDestinations,
		Breakers:         breakers,
		Logger:           logger,
		Metrics:          m,
	})

	recorder := audit.NewRecorder(pg, audit.Options{
		Async:   cfg.AuditMode == config.AuditModeAsync,
		Timeout: cfg.AuditTimeout,
		Logger:  logger,
		Metrics: m,
	})

	opts := proxy.Options{MaxBodyBytes: cfg.MaxBodyBytes, Logger: logger, Metrics: m}
	if rdb != nil && cfg.RateLimitRPS > 0 {
		opts.Limiter = redisrl.New(rdb, cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	handler := proxy.New(routes, dispatcher, recorder, opts)

	replayer := replay.New(replay.Options{
		Timeout:          cfg.OutboundTimeout,
		MaxResponseBytes: cfg.MaxBodyBytes,
		Transport: dispatch.NewTransport(dispatch.TransportOptions{
			ConnectTimeout: cfg.ConnectTimeout,
			VerifyTLS:      cfg.VerifyTLS,
			BlockPrivate:   cfg.BlockPrivateDestinations,
		}),
		Logger:  logger,
		Metrics: m,
	})
	adm := admin.NewServer(pg, replayer, cfg.AdminToken, logger)
	if cache != nil {
		adm.Cache = cache
	}

	mux := http.NewServeMux()
	mountOps(mux, m)
	adm.Routes(mux)

	logger.Info("api_config",
		zap.String("audit_mode", cfg.AuditMode),
		zap.Bool("admin_enabled", cfg.AdminToken != ""),
		zap.Bool("route_cache", cache != nil),
		zap.Bool("rate_limit", opts.Limiter != nil),
		zap.Bool("breaker", breakers != nil),
		zap.Bool("block_private", cfg.BlockPrivateDestinations),
	)
	err := serve(ctx, cfg, logger, handler.Mount(mux))

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if cerr := recorder.Close(drainCtx); cerr != nil {
		logger.Warn("audit_drain_incomplete", zap.Error(cerr))
	}
	return err
}

func mountOps(mux *http.ServeMux, m *metrics.Metrics) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", m.Handler())
}

// serve runs the HTTP server until ctx is done, then shuts it down
// gracefully within cfg.ShutdownTimeout.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, h http.Handler) error {
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("api_listen", zap.String("addr", addr), zap.String("role", cfg.Role))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	logger.Info("api_shutdown")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}
