// Command centralhub runs the pub/sub coordination hub: the single
// websocket endpoint every robot subsystem and UI connects to.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/littlebee/basic-bot/internal/auth"
	"github.com/littlebee/basic-bot/internal/config"
	"github.com/littlebee/basic-bot/internal/logging"
	"github.com/littlebee/basic-bot/internal/metrics"
	"github.com/littlebee/basic-bot/internal/server"
	"github.com/littlebee/basic-bot/internal/telemetry"
	"github.com/littlebee/basic-bot/pkg/hub"
	"github.com/littlebee/basic-bot/pkg/peer"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Environment, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	m := metrics.New()
	verifier := auth.NewVerifier(cfg.PeerAuth.AcceptedTokens, cfg.PeerAuth.JWTSecret)

	var bridge *telemetry.Bridge
	if cfg.Telemetry.Enabled {
		bridge, err = telemetry.Connect(cfg.Telemetry.NatsURL, cfg.Telemetry.Subject, m, logger)
		if err != nil {
			logger.Warn("telemetry bridge unavailable, continuing without it", zap.Error(err))
			bridge = nil
		}
	}

	h := hub.New(hub.Options{
		Metrics:        m,
		Logger:         logger,
		Verifier:       verifier,
		Bridge:         bridge,
		LogAllMessages: cfg.Logging.LogAllMessages,
		SendQueueSize:  cfg.Hub.SendQueueSize,
		WriteTimeout:   cfg.Hub.WriteTimeout,
		PongWait:       cfg.Hub.PongWait,
		PingPeriod:     cfg.Hub.PingPeriod,
	})

	var pool *peer.Pool
	if len(cfg.OutboundClients) > 0 {
		pool = peer.NewPool(cfg.OutboundClients, h, m, logger)
	}

	srv := server.New(cfg, h, pool, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if bridge != nil {
		bridge.Close()
	}

	logger.Info("shutdown complete")
}
