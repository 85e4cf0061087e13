package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/lab-booking/internal/backend"
	"github.com/jwalitptl/lab-booking/internal/catalog"
	"github.com/jwalitptl/lab-booking/internal/config"
	"github.com/jwalitptl/lab-booking/internal/geo"
	"github.com/jwalitptl/lab-booking/internal/handler/booking"
	"github.com/jwalitptl/lab-booking/internal/handler/health"
	promhandler "github.com/jwalitptl/lab-booking/internal/handler/prometheus"
	"github.com/jwalitptl/lab-booking/internal/middleware"
	"github.com/jwalitptl/lab-booking/internal/payment"
	"github.com/jwalitptl/lab-booking/internal/router"
	"github.com/jwalitptl/lab-booking/internal/session"
	"github.com/jwalitptl/lab-booking/internal/slot"
	"github.com/jwalitptl/lab-booking/pkg/auth"
	"github.com/jwalitptl/lab-booking/pkg/event"
	"github.com/jwalitptl/lab-booking/pkg/logger"
	"github.com/jwalitptl/lab-booking/pkg/messaging/redis"
	"github.com/jwalitptl/lab-booking/pkg/metrics"
	"github.com/jwalitptl/lab-booking/pkg/validator"
	"github.com/jwalitptl/lab-booking/pkg/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config.yml")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLog := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		JSON:       cfg.Log.JSON,
	})
	log.Logger = *appLog.Zerolog()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.New(cfg.Metrics.Namespace, "bff", registry)
	httpMetrics := promhandler.New(registry, cfg.Metrics.Namespace)

	// Backend and catalog
	client, err := backend.NewClient(backend.Config{
		BaseURL:         cfg.Backend.BaseURL,
		Token:           cfg.Backend.Token,
		Timeout:         cfg.Backend.Timeout,
		RequestsPerSec:  cfg.Backend.RequestsPerSec,
		Burst:           cfg.Backend.Burst,
		BreakerFailures: cfg.Backend.BreakerFailures,
		BreakerTimeout:  cfg.Backend.BreakerTimeout,
	}, appLog, appMetrics)
	if err != nil {
		appLog.Fatal(err, "failed to create backend client")
	}
	labs := catalog.NewLoader(client, cfg.Catalog.CacheTTL, appLog)

	grid, err := slot.NewGrid(cfg.Slots.ToGridConfig())
	if err != nil {
		appLog.Fatal(err, "invalid slot grid")
	}
	zone := cfg.Slots.Location()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checks := map[string]health.Check{"backend": client.Ready}

	// Events go through the outbox to redis when it is enabled and are
	// only logged otherwise.
	var emitter *event.Service
	processorDone := make(chan struct{})
	if cfg.Redis.Enabled {
		broker, err := redis.NewRedisBroker(cfg.Redis.ToBrokerConfig(), appLog)
		if err != nil {
			appLog.Fatal(err, "failed to connect to Redis")
		}
		defer broker.Close()
		if p, ok := broker.(interface{ Ping(context.Context) error }); ok {
			checks["redis"] = p.Ping
		}

		outbox := event.NewMemoryOutbox(cfg.Events.Capacity, cfg.Events.MaxAttempts)
		emitter = event.NewService(outbox, appLog)
		processor := worker.NewOutboxProcessor(outbox, broker, cfg.Events.ToWorkerConfig(), appLog, appMetrics)
		go func() {
			defer close(processorDone)
			processor.Start(ctx)
		}()
	} else {
		emitter = event.NewService(nil, appLog)
		close(processorDone)
	}

	sessions := session.NewRegistry(session.Config{
		TTL:          cfg.Session.TTL,
		MaxSessions:  cfg.Session.MaxSessions,
		NearestCount: cfg.Geo.NearestCount,
		Payment: payment.Config{
			Currency: cfg.Payment.Currency,
			KeyID:    cfg.Payment.KeyID,
		},
	}, session.Components{
		Catalog:   labs,
		Ranker:    geo.NewRanker(cfg.Geo.ToRankerConfig(), appLog),
		Grid:      grid,
		Extractor: client,
		Validator: validator.New(),
		Bookings:  client,
		Emitter:   emitter,
		Logger:    appLog,
		Metrics:   appMetrics,
		Now:       func() time.Time { return time.Now().In(zone) },
	})

	if err := middleware.RegisterValidation(); err != nil {
		appLog.Fatal(err, "failed to register validators")
	}

	var jwt auth.JWTService
	if cfg.Auth.JWTSecret != "" {
		jwt = auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	} else {
		appLog.Warn("no jwt secret configured, sessions are anonymous")
	}

	var metricsRoute gin.HandlerFunc
	if cfg.Metrics.Enabled {
		metricsRoute = httpMetrics.Handler()
	}

	routerCfg := router.RouterConfig{
		CORSConfig: middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins...),
		Timeout:    cfg.Server.WriteTimeout,
	}
	if cfg.RateLimit.Enabled {
		routerCfg.RateLimit = cfg.RateLimit.RequestsPerSecond
		routerCfg.RateBurst = cfg.RateLimit.Burst
	}

	// Setup router
	r := router.NewRouter(
		middleware.NewAuthMiddleware(jwt),
		health.NewHandler(checks, metricsRoute),
		booking.NewHandler(sessions, client, appLog),
		httpMetrics,
		routerCfg,
	)
	r.Setup()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		appLog.Info("starting server", "addr", srv.Addr, "backend", cfg.Backend.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal(err, "failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error(err, "server forced to shutdown")
	}

	// Stop the processor after the last request so queued events get their
	// final flush.
	cancel()
	select {
	case <-processorDone:
	case <-shutdownCtx.Done():
		appLog.Warn("outbox processor did not stop in time")
	}

	appLog.Info("server exited properly", "open_sessions", sessions.Len())
}
