package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ledgerline/gate/internal/admission"
	"github.com/ledgerline/gate/internal/breaker"
	"github.com/ledgerline/gate/internal/downstream"
	httpx "github.com/ledgerline/gate/internal/http"
	"github.com/ledgerline/gate/internal/monitor"
	"github.com/ledgerline/gate/internal/ratelimit"
	"github.com/ledgerline/gate/internal/ws"
	"github.com/ledgerline/gate/pkg/config"
	"github.com/ledgerline/gate/pkg/logger"
)

func main() {
	cfg := config.LoadGateConfig()
	log := logger.New("gate", slog.LevelInfo)

	if err := cfg.Validate(); err != nil {
		log.Error("refusing to start", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	classifier, err := admission.ParseClassifier(cfg.PriorityRoutes)
	if err != nil {
		log.Error("invalid priority routes", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(cfg.MaxRequestsPerMin, cfg.MaxRequestsPerHour)
	gate := admission.NewGate(cfg.MaxConcurrent, cfg.MaxQueueSize, cfg.QueueTimeout)
	throttler := admission.NewThrottler(admission.Options{
		Limiter:            limiter,
		Gate:               gate,
		Classifier:         classifier,
		Logger:             log,
		ResponseSampleSize: cfg.ResponseSampleSize,
	})

	br := breaker.New(cfg.BreakerThreshold, cfg.BreakerTimeout, nil, log)
	upstream, err := downstream.New(cfg.UpstreamName, cfg.UpstreamURL, br, log)
	if err != nil {
		log.Error("invalid upstream", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub()
	mon := monitor.New(monitor.Options{
		Source:         throttler,
		Circuits:       br,
		Hub:            hub,
		Interval:       cfg.MonitorInterval,
		QueueWarn:      cfg.QueueWarnRatio,
		ConcurrentWarn: cfg.ConcurrentWarnRatio,
		Logger:         log,
	})
	go mon.Run(ctx)

	router := httpx.NewRouter(log, throttler, mon, upstream, hub)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("gateway starting", "addr", cfg.Addr, "upstream", cfg.UpstreamURL,
			"max_concurrent", cfg.MaxConcurrent, "max_queue", cfg.MaxQueueSize)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		// Queued waiters are rejected first so nothing sits in the queue
		// while the server drains in-flight handlers.
		throttler.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		hub.Shutdown()
		log.Info("gateway stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
