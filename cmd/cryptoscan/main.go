// Command cryptoscan is the scanner binary. It loads a YAML configuration
// file, runs the detector pipeline over a directory of trace dumps (once, or
// continuously in -watch mode), persists findings to the local audit log and
// at-least-once queue, forwards them to a collector over mTLS gRPC when
// configured, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/traceforge/cryptoscan/internal/audit"
	"github.com/traceforge/cryptoscan/internal/config"
	"github.com/traceforge/cryptoscan/internal/queue"
	"github.com/traceforge/cryptoscan/internal/scan"
	"github.com/traceforge/cryptoscan/internal/trace"
	"github.com/traceforge/cryptoscan/internal/transport"
	"github.com/traceforge/cryptoscan/internal/watchdir"
)

func main() {
	configPath := flag.String("config", "/etc/cryptoscan/config.yaml", "path to the cryptoscan YAML configuration file (optional — a usable configuration is synthesized from flags/env when absent)")
	healthAddr := flag.String("health-addr", "127.0.0.1:9090", "listen address for the /healthz endpoint")
	dumpDirFlag := flag.String("dump-dir", "", "directory of *.dump/*.log trace files (required when -config is not found)")
	collectorAddrFlag := flag.String("collector-addr", "", "gRPC endpoint of the collector service")
	logLevelFlag := flag.String("log-level", "", "minimum log severity: debug, info, warn, error")
	workersFlag := flag.Int("workers", 0, "number of dump files processed concurrently (0 means runtime.NumCPU())")
	watchFlag := flag.Bool("watch", false, "watch dump-dir continuously instead of scanning it once")
	queuePathFlag := flag.String("queue-path", "", "SQLite file backing the at-least-once finding queue")
	auditPathFlag := flag.String("audit-path", "", "append-only hash-chained finding log path")
	flag.Parse()

	flagSet := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { flagSet[f.Name] = true })

	cfg, err := loadOrSynthesizeConfig(*configPath, configOverrides{
		dumpDir:       *dumpDirFlag,
		collectorAddr: *collectorAddrFlag,
		logLevel:      *logLevelFlag,
		workers:       *workersFlag,
		watch:         *watchFlag,
		queuePath:     *queuePathFlag,
		auditPath:     *auditPathFlag,
	}, flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cryptoscan: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("dump_dir", cfg.DumpDir),
		slog.String("collector_addr", cfg.CollectorAddr),
		slog.Bool("watch", cfg.Watch),
	)

	q, err := queue.New(cfg.QueuePath)
	if err != nil {
		logger.Error("failed to open finding queue", slog.String("path", cfg.QueuePath), slog.Any("error", err))
		os.Exit(1)
	}
	defer q.Close()
	logger.Info("finding queue opened", slog.String("path", cfg.QueuePath), slog.Int("pending", q.Depth()))

	auditLogger, err := audit.Open(cfg.AuditPath)
	if err != nil {
		logger.Error("failed to open audit log", slog.String("path", cfg.AuditPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer auditLogger.Close()

	var sinks []scan.FindingSink
	sinks = append(sinks, scan.FindingSinkFunc(func(sourceFile string, f trace.Finding) {
		logger.Info("finding", slog.String("source_file", sourceFile), slog.String("line", f.String()))
	}))
	sinks = append(sinks, scan.FindingSinkFunc(func(sourceFile string, f trace.Finding) {
		if _, err := auditLogger.AppendFinding(f); err != nil {
			logger.Error("failed to append finding to audit log", slog.String("source_file", sourceFile), slog.Any("error", err))
		}
	}))
	sinks = append(sinks, scan.FindingSinkFunc(func(sourceFile string, f trace.Finding) {
		if err := q.Enqueue(context.Background(), sourceFile, f); err != nil {
			logger.Error("failed to enqueue finding", slog.String("source_file", sourceFile), slog.Any("error", err))
		}
	}))

	var grpcTransport *transport.Client
	if cfg.CollectorAddr != "" {
		grpcTransport = transport.New(
			transport.ClientConfig{
				Addr:           cfg.CollectorAddr,
				CertPath:       cfg.TLS.CertPath,
				KeyPath:        cfg.TLS.KeyPath,
				CAPath:         cfg.TLS.CAPath,
				Hostname:       hostnameOrUnknown(),
				Platform:       runtime.GOOS,
				ScannerVersion: cfg.ScannerVersion,
			},
			q,
			logger,
		)
		sinks = append(sinks, scan.FindingSinkFunc(func(sourceFile string, f trace.Finding) {
			if err := grpcTransport.Send(context.Background(), sourceFile, f); err != nil {
				logger.Error("failed to hand finding to transport", slog.String("source_file", sourceFile), slog.Any("error", err))
			}
		}))
	}

	driver := scan.New(cfg.DumpDir,
		scan.WithSinks(sinks...),
		scan.WithLogger(logger),
		scan.WithWorkers(cfg.Workers),
		scan.WithDetectorConfig(scan.DetectorConfig{
			SymmetricMinTotal:        cfg.Detectors.SymmetricMinTotal,
			SymmetricRatioThreshold:  cfg.Detectors.SymmetricRatioThreshold,
			AsymmetricMinTotal:       cfg.Detectors.AsymmetricMinTotal,
			AsymmetricRatioThreshold: cfg.Detectors.AsymmetricRatioThreshold,
			EntropyDiffThreshold:     cfg.Detectors.EntropyDiffThreshold,
			EntropyMinSamples:        cfg.Detectors.EntropyMinSamples,
			TaintThreshold:           cfg.Detectors.TaintThreshold,
			TaintNeighborhood:        cfg.Detectors.TaintNeighborhood,
			TaintNeededEdges:         cfg.Detectors.TaintNeededEdges,
			TaintMinBlockSize:        cfg.Detectors.TaintMinBlockSize,
			TaintEmitBlockSize:       cfg.Detectors.TaintEmitBlockSize,
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if grpcTransport != nil {
		grpcTransport.Start(ctx)
	}

	healthServer := startHealthServer(*healthAddr, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	runErrCh := make(chan error, 1)
	if cfg.Watch {
		go runWatchMode(ctx, driver, cfg.DumpDir, logger, runErrCh)
	} else {
		go func() {
			runErrCh <- driver.Run(ctx)
		}()
	}

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	case err := <-runErrCh:
		if err != nil && err != context.Canceled {
			logger.Error("scan run failed", slog.Any("error", err))
		}
		logger.Info("scan run complete, shutting down")
	}

	if grpcTransport != nil {
		grpcTransport.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	logger.Info("cryptoscan exited cleanly")
}

// configOverrides carries the flag values that can either seed a synthesized
// Config (when -config is absent) or override a loaded one (when explicitly
// set alongside -config).
type configOverrides struct {
	dumpDir       string
	collectorAddr string
	logLevel      string
	workers       int
	watch         bool
	queuePath     string
	auditPath     string
}

// loadOrSynthesizeConfig loads a YAML configuration from path. If no file
// exists there, it synthesizes a Config directly from flags and the
// corresponding CRYPTOSCAN_* environment variables, applying the same
// defaulting and validation LoadConfig does (§6: "-config is optional — a
// fully usable default configuration is synthesized from flags/env if
// absent"). If a file does exist, -watch/-queue-path/-audit-path are applied
// as overrides on top of it when explicitly passed on the command line.
func loadOrSynthesizeConfig(path string, ov configOverrides, flagSet map[string]bool) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: cannot stat %q: %w", path, err)
		}

		cfg := &config.Config{
			DumpDir:       firstNonEmpty(ov.dumpDir, os.Getenv("CRYPTOSCAN_DUMP_DIR")),
			CollectorAddr: firstNonEmpty(ov.collectorAddr, os.Getenv("CRYPTOSCAN_COLLECTOR_ADDR")),
			LogLevel:      firstNonEmpty(ov.logLevel, os.Getenv("CRYPTOSCAN_LOG_LEVEL")),
			QueuePath:     ov.queuePath,
			AuditPath:     ov.auditPath,
			Watch:         ov.watch,
			Workers:       ov.workers,
		}
		config.ApplyDefaults(cfg)
		if err := config.Validate(cfg); err != nil {
			return nil, fmt.Errorf("config: no file at %q, and the flags/env-synthesized configuration is invalid: %w", path, err)
		}
		return cfg, nil
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if flagSet["watch"] {
		cfg.Watch = ov.watch
	}
	if flagSet["queue-path"] {
		cfg.QueuePath = ov.queuePath
	}
	if flagSet["audit-path"] {
		cfg.AuditPath = ov.auditPath
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// runWatchMode runs an initial full pass over dumpDir, then keeps rerunning
// the driver each time watchdir reports a new or modified file, until ctx is
// cancelled.
func runWatchMode(ctx context.Context, driver *scan.Driver, dumpDir string, logger *slog.Logger, done chan<- error) {
	if err := driver.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("initial scan pass failed", slog.Any("error", err))
	}

	w, err := watchdir.New(watchdir.Config{Paths: []string{dumpDir}})
	if err != nil {
		done <- fmt.Errorf("watchdir: %w", err)
		return
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			done <- ctx.Err()
			return
		case evt, ok := <-w.Events():
			if !ok {
				done <- nil
				return
			}
			logger.Info("watchdir event, rescanning", slog.String("path", evt.Path), slog.String("type", string(evt.Type)))
			if err := driver.Run(ctx); err != nil && err != context.Canceled {
				logger.Error("rescan failed", slog.Any("error", err))
			}
		}
	}
}

func startHealthServer(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("healthz server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()
	return srv
}

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
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
