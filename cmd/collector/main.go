// Command collector is the dashboard/ingestion server binary. It loads a
// YAML configuration file, opens a PostgreSQL connection pool, starts the
// mTLS FindingService gRPC server, exposes a REST API and /healthz over
// HTTP, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/traceforge/cryptoscan/internal/collector/grpc"
	"github.com/traceforge/cryptoscan/internal/collector/rest"
	"github.com/traceforge/cryptoscan/internal/collector/storage"
	"github.com/traceforge/cryptoscan/internal/collector/websocket"
	"github.com/traceforge/cryptoscan/internal/config"
)

func main() {
	configPath := flag.String("config", "/etc/cryptoscan/collector.yaml", "path to the collector YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadCollectorConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "collector: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("collector starting",
		slog.String("grpc_addr", cfg.GRPCAddr),
		slog.String("http_addr", cfg.HTTPAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(ctx, cfg.DSN, storage.DefaultBatchSize, storage.DefaultFlushInterval)
	if err != nil {
		logger.Error("failed to open storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close(context.Background())
	logger.Info("PostgreSQL storage connected")

	broadcaster := websocket.NewBroadcaster(logger, 0)
	defer broadcaster.Close()

	svc := grpc.NewService(store, broadcaster, logger)
	grpcSrv, err := grpc.New(grpc.Config{
		Addr:     cfg.GRPCAddr,
		CertPath: cfg.TLS.CertPath,
		KeyPath:  cfg.TLS.KeyPath,
		CAPath:   cfg.TLS.CAPath,
	}, logger, svc)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pemBytes, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to read JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = rest.ParseRSAPublicKey(pemBytes)
		if err != nil {
			logger.Error("failed to parse JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("jwt_pubkey not configured; REST API authentication disabled (dev mode)")
	}

	restSrv := rest.NewServer(store)
	httpHandler := rest.NewRouter(restSrv, pubKey)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcErrCh := make(chan error, 1)
	go func() {
		if err := grpcSrv.Serve(ctx); err != nil {
			grpcErrCh <- fmt.Errorf("gRPC server: %w", err)
			return
		}
		grpcErrCh <- nil
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP REST server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		httpErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-grpcErrCh:
		if err != nil {
			logger.Error("gRPC server error", slog.Any("error", err))
		}
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	select {
	case err := <-grpcErrCh:
		if err != nil {
			logger.Warn("gRPC server drain error", slog.Any("error", err))
		}
	case <-shutdownCtx.Done():
		logger.Warn("gRPC graceful stop timed out; forcing stop")
		grpcSrv.Stop()
	}

	logger.Info("collector exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
