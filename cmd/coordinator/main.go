package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"chat-escalation-service/pkg/bus"
	"chat-escalation-service/pkg/config"
	"chat-escalation-service/pkg/coordinator"
	"chat-escalation-service/pkg/metrics"
	redisClient "chat-escalation-service/pkg/redis"
	"chat-escalation-service/pkg/responder"
	"chat-escalation-service/pkg/scheduler"
	"chat-escalation-service/pkg/server"
	"chat-escalation-service/pkg/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logger
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithField("instance_id", cfg.InstanceID).Info("Starting chat escalation coordinator")

	// Initialize metrics
	m := metrics.NewMetrics()

	// Connect to Redis
	redisConfig := redisClient.DefaultConnectionConfig()
	redisConfig.URL = cfg.RedisURL

	redis, err := redisClient.NewClient(redisConfig, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	rdb := redis.GetRedisClient()

	// Wire the coordinator and its collaborators
	st := store.NewRedis(rdb, logger, m)
	eventBus := bus.NewRedis(rdb, cfg.EventStreamMaxLen, logger, m)
	answerer := responder.NewKeyword(rdb, logger)

	escalationTimers := scheduler.New("escalations", st.SetEscalationDeadline, logger, m)
	helpRequestTimers := scheduler.New("help-requests", st.SetHelpRequestDeadline, logger, m)

	coord := coordinator.New(st, eventBus, answerer, escalationTimers, helpRequestTimers, cfg, logger, m)

	// Re-arm timers that were pending when the process last stopped
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coord.Restore(ctx)

	// Start HTTP server
	srv := server.NewHTTPServer(cfg, coord, eventBus, escalationTimers, helpRequestTimers, logger)
	go func() {
		logger.WithField("port", cfg.Port).Info("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Received shutdown signal")

	// Graceful shutdown: stop accepting requests, then cancel live timers
	// without firing them.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
	}

	escalationTimers.Stop()
	helpRequestTimers.Stop()

	logger.Info("Coordinator shutdown complete")
}
