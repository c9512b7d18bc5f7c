// Command tarnfsd runs the TarnFS server: the metadata and content
// stores behind the HTTP/2 protocol adapter, plus the blob release
// collector and the optional metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tarnfs/tarnfs/internal/logger"
	"github.com/tarnfs/tarnfs/pkg/adapter/httpapi"
	"github.com/tarnfs/tarnfs/pkg/config"
	"github.com/tarnfs/tarnfs/pkg/gc"
	"github.com/tarnfs/tarnfs/pkg/metrics"
	"github.com/tarnfs/tarnfs/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (default: ./tarnfs.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.SetLevel(cfg.Logging.Level)
	if err := configureLogOutput(cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to configure log output: %v", err)
	}

	fmt.Println("TarnFS - Network Filesystem Server")
	logger.Info("Log level set to: %s", cfg.Logging.Level)

	// Metrics must be initialized before any component constructs its
	// instruments, otherwise they get the no-op implementations.
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		go serveMetrics(cfg.Metrics.ListenAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	meta, err := config.CreateMetadataStore(cfg)
	if err != nil {
		log.Fatalf("Failed to create metadata store: %v", err)
	}
	defer meta.Close()

	blobs, err := config.CreateContentStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create content store: %v", err)
	}
	defer blobs.Close()

	srv := server.New(meta, blobs)

	srv.SetCollector(gc.NewCollector(meta, blobs, gc.Config{
		Enabled:   cfg.GC.Enabled,
		Interval:  cfg.GC.Interval,
		BatchSize: cfg.GC.BatchSize,
	}))

	api := httpapi.New(httpapi.Config{
		ListenAddr:        cfg.Adapters.HTTP.ListenAddr,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		RequestsPerSecond: cfg.Adapters.HTTP.RequestsPerSecond,
		Burst:             cfg.Adapters.HTTP.Burst,
	})
	if err := srv.AddAdapter(api); err != nil {
		log.Fatalf("Failed to register HTTP adapter: %v", err)
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running on %s. Press Ctrl+C to stop.", cfg.Adapters.HTTP.ListenAddr)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error: %v", err)
			os.Exit(1)
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		if err != nil {
			logger.Error("Server error: %v", err)
			os.Exit(1)
		}
		logger.Info("Server stopped")
	}
}

// configureLogOutput points the logger at stdout, stderr, or a file.
func configureLogOutput(output string) error {
	switch output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file %s: %w", output, err)
		}
		logger.SetOutput(f)
	}
	return nil
}

// serveMetrics exposes the Prometheus registry on its own listener so
// scrapes never contend with protocol traffic.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Metrics endpoint listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics endpoint failed: %v", err)
	}
}
