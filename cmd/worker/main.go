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

	"github.com/jwalitptl/lab-booking/internal/config"
	"github.com/jwalitptl/lab-booking/internal/handler/health"
	promhandler "github.com/jwalitptl/lab-booking/internal/handler/prometheus"
	"github.com/jwalitptl/lab-booking/pkg/event"
	"github.com/jwalitptl/lab-booking/pkg/logger"
	"github.com/jwalitptl/lab-booking/pkg/messaging"
	"github.com/jwalitptl/lab-booking/pkg/messaging/redis"
	"github.com/jwalitptl/lab-booking/pkg/metrics"
	"github.com/jwalitptl/lab-booking/pkg/worker"
)

// reconcile flags events that leave a booking needing staff attention and
// republishes them on the alerts topic.
func reconcile(alerts messaging.Publisher, log *logger.Logger) func(event.Event) {
	return func(e event.Event) {
		switch e.Type {
		case event.PaymentAbandoned, event.SettlementFailed, event.WorkflowAbandoned:
		default:
			return
		}
		id, ok := e.Data["booking_id"]
		if !ok || id == "" {
			return
		}
		log.Warn("booking left pending", "booking_id", id, "event_type", string(e.Type), "session_id", e.SessionID)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := alerts.Publish(ctx, "booking_needs_reconciliation", e); err != nil {
			log.Error(err, "failed to publish reconciliation alert", "booking_id", id)
		}
	}
}

func setupHealthCheck(port int, checks map[string]health.Check, m *promhandler.Handler, log *logger.Logger) *http.Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), m.Middleware())
	health.NewHandler(checks, m.Handler()).RegisterRoutes(engine.Group(""))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: engine,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "health check server failed")
			os.Exit(1)
		}
	}()
	return srv
}

func main() {
	configPath := flag.String("config", "", "path to config.yml")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	appLog := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		JSON:       cfg.Log.JSON,
	}).WithFields(map[string]interface{}{"component": "event-worker"})
	log.Logger = *appLog.Zerolog()

	if !cfg.Redis.Enabled {
		appLog.Fatal(fmt.Errorf("redis.enabled is false"), "the event worker needs redis")
	}

	gin.SetMode(gin.ReleaseMode)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	workerMetrics := metrics.New(cfg.Metrics.Namespace, "worker", registry)
	httpMetrics := promhandler.New(registry, cfg.Metrics.Namespace)

	// Initialize Redis broker
	broker, err := redis.NewRedisBroker(cfg.Redis.ToBrokerConfig(), appLog)
	if err != nil {
		appLog.Fatal(err, "failed to create Redis broker")
	}
	defer broker.Close()

	checks := map[string]health.Check{}
	if p, ok := broker.(interface{ Ping(context.Context) error }); ok {
		checks["redis"] = p.Ping
	}
	srv := setupHealthCheck(cfg.Metrics.Port, checks, httpMetrics, appLog)

	consumer := worker.NewEventConsumer(messaging.NewBrokerAdapter(broker, appLog), cfg.Events.Channel, appLog, workerMetrics)
	alerts := messaging.NewTopicPublisher(broker, cfg.Events.Channel+".alerts")
	consumer.OnEvent(reconcile(alerts, appLog))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLog.Info("shutting down")
		cancel()
	}()

	if err := consumer.Run(ctx); err != nil && err != context.Canceled {
		appLog.Error(err, "event consumer stopped")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
