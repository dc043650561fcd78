package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"veilnet/cmd/internal/passphrase"
	"veilnet/config"
	"veilnet/observability/logging"
	telemetry "veilnet/observability/otel"
	"veilnet/p2p"
)

const shutdownGrace = 10 * time.Second

func main() {
	configFile := flag.String("config", "./veil.toml", "Path to the configuration file")
	dataDir := flag.String("datadir", "", "Override Node.DataDir")
	flag.Parse()

	if err := run(*configFile, *dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "veild: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, dataDir string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dataDir != "" {
		cfg.Node.DataDir = dataDir
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	env := strings.TrimSpace(cfg.Log.Env)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("VEIL_ENV"))
	}
	logger, logCloser := logging.SetupWithOptions("veild", env, logging.Options{
		Level:      level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pass, err := passphrase.NewSource(cfg.Node.IdentityPassphraseEnv).Get()
	if err != nil {
		return fmt.Errorf("identity passphrase: %w", err)
	}
	identity, created, err := p2p.LoadOrCreateIdentity(cfg.Node.IdentityPath, pass)
	if err != nil {
		return err
	}
	if created {
		logger.Info("Created node identity", slog.String("path", cfg.Node.IdentityPath))
	}

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "veild",
		Environment: env,
		NodeID:      identity.NodeID.String(),
		Endpoint:    cfg.Metrics.OTLPEndpoint,
		Insecure:    cfg.Metrics.OTLPInsecure,
		Headers:     telemetry.ParseHeaders(cfg.Metrics.OTLPHeaders),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	node, err := buildNode(cfg, identity, logger)
	if err != nil {
		return err
	}
	defer node.Close()

	if err := node.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	logger.Info("Node ready",
		slog.String("node_id", identity.NodeID.String()),
		slog.Any("addresses", node.engine.BaseNode().Addresses))

	var srv *http.Server
	if addr := strings.TrimSpace(cfg.Metrics.Address); addr != "" {
		srv = &http.Server{
			Addr:              addr,
			Handler:           otelhttp.NewHandler(newRouter(node.engine, promhttp.Handler()), "veild"),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Status server stopped", slog.Any("error", err))
			}
		}()
		logger.Info("Status server listening", slog.String("address", addr))
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	if srv != nil {
		httpCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			logger.Warn("Status server shutdown failed", slog.Any("error", err))
		}
	}
	return nil
}
