package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	planner "github.com/thenew-programer/tams-taqa-sub001"
	"github.com/thenew-programer/tams-taqa-sub001/internal/api"
	"github.com/thenew-programer/tams-taqa-sub001/internal/bus"
	"github.com/thenew-programer/tams-taqa-sub001/internal/config"
	"github.com/thenew-programer/tams-taqa-sub001/internal/lock"
	"github.com/thenew-programer/tams-taqa-sub001/internal/logging"
	"github.com/thenew-programer/tams-taqa-sub001/internal/metrics"
	"github.com/thenew-programer/tams-taqa-sub001/internal/service"
	"github.com/thenew-programer/tams-taqa-sub001/internal/sqlstore"
	"github.com/thenew-programer/tams-taqa-sub001/internal/storage"
	"github.com/thenew-programer/tams-taqa-sub001/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.JSON)

	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to db", slog.String("driver", cfg.Database.Driver), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		logger.Error("failed to register metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}
	recorder := metrics.Recorder{}

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.Addr != "" {
		redisLocker, err := lock.NewRedisLocker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("failed to connect to redis", slog.String("addr", cfg.Redis.Addr), slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer redisLocker.Close()
		locker = redisLocker
	}

	svc := &service.Service{
		Store:             store,
		Planner:           planner.New(planner.WithPolicy(cfg.Policy())),
		Locker:            locker,
		Metrics:           recorder,
		Logger:            logger,
		AutoCreateWindows: cfg.Planning.AutoCreateWindows,
		LockTTL:           cfg.Redis.LockTTL,
		DefaultSession:    cfg.Planning.DefaultSession,
	}

	var subscriber *bus.Subscriber
	if cfg.NATS.Enabled {
		publisher, err := bus.NewPublisher(cfg.NATS.URL, logger)
		if err != nil {
			logger.Error("failed to connect to nats", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer publisher.Close()
		svc.Bus = publisher

		subscriber, err = bus.NewSubscriber(cfg.NATS.URL, logger)
		if err != nil {
			logger.Error("failed to connect to nats", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer subscriber.Close()
	}

	pool := worker.NewPool(func(ctx context.Context, session string) error {
		_, err := svc.RunPass(ctx, service.PassRequest{SessionID: session})
		return err
	}, worker.Options{
		Workers:    cfg.Worker.Count,
		QueueSize:  cfg.Worker.QueueSize,
		JobTimeout: cfg.Worker.JobTimeout,
		Cooldown:   cfg.Worker.Cooldown,
		Logger:     logger,
		Metrics:    recorder,
	})
	defer pool.Stop()
	if cfg.Worker.Interval > 0 {
		pool.Schedule(svc.Session(""), cfg.Worker.Interval)
	}

	if subscriber != nil {
		trigger := func(ev bus.Event) {
			pool.Enqueue(svc.Session(ev.SessionID))
		}
		for _, subject := range []string{bus.SubjectAnomalyTreated, bus.SubjectWindowUpdated} {
			if _, err := subscriber.Subscribe(subject, trigger); err != nil {
				logger.Error("failed to subscribe", slog.String("subject", subject), slog.String("error", err.Error()))
				os.Exit(1)
			}
		}
	}

	handler := &api.Handler{
		Scheduler: svc,
		Queue:     pool,
		Timeout:   cfg.Server.RequestTimeout,
		Logger:    logger,
	}
	limiter := api.NewIPRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	defer limiter.Close()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout + 5*time.Second))
		r.Use(api.RateLimit(limiter))
		handler.RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 10*time.Second,
		IdleTimeout:  30 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	logger.Info("planner-service listening",
		slog.String("port", cfg.Server.Port),
		slog.String("driver", cfg.Database.Driver),
		slog.Bool("nats", cfg.NATS.Enabled),
		slog.Bool("redis_lock", cfg.Redis.Addr != ""),
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.String("error", err.Error()))
	}
}

// openStore returns the pgx repository for the pgx driver and the
// database/sql store for the others.
func openStore(ctx context.Context, db config.DatabaseConfig) (service.Store, func(), error) {
	if db.Driver == "pgx" {
		store, err := storage.NewStore(ctx, db.URL, db.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewRepository(store), store.Close, nil
	}

	conn := sqlstore.ConnectionConfig{
		Driver:   db.Driver,
		Host:     db.Host,
		Port:     db.Port,
		User:     db.User,
		Password: db.Password,
		Database: db.Name,
		SSLMode:  db.SSLMode,
		Schema:   db.Schema,
		MaxConns: int(db.MaxConns),
	}
	if db.Driver == "postgres" {
		conn.URL = db.URL
	}
	store, err := sqlstore.Open(conn)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}
