package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alxayo/go-rtmp/internal/logger"
	"github.com/alxayo/go-rtmp/internal/metrics"
	srv "github.com/alxayo/go-rtmp/internal/rtmp/server"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		// Flag parse errors were already printed with usage by the flag
		// package; validation errors from parseFlags exit without a message.
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	// Initialize global logger and set level based on flag
	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	server := srv.New(srv.Config{
		ListenAddr:           cfg.listenAddr,
		ChunkSize:            uint32(cfg.chunkSize),
		WindowAckSize:        2_500_000, // matches control burst constant
		LogLevel:             cfg.logLevel,
		ExpectedStreamKey:    cfg.expectedStreamKey,
		StreamKeyJWTSecret:   cfg.streamKeyJWTSecret,
		MaxIngestBytesPerSec: cfg.maxIngestBytesPerSec,
		HandshakeTimeout:     cfg.handshakeTimeout,
		IdleTimeout:          cfg.idleTimeout,
		Metrics:              m,
		HookScripts:          cfg.hookScripts,
		HookWebhooks:         cfg.hookWebhooks,
		HookStdioFormat:      cfg.hookStdioFormat,
		HookTimeout:          cfg.hookTimeout,
		HookConcurrency:      cfg.hookConcurrency,
		HookScriptDir:        cfg.hookScriptDir,
	})

	if err := server.Start(); err != nil {
		log.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	log.Info("server started", "addr", server.Addr().String(), "version", version)

	var metricsServer *http.Server
	if cfg.metricsAddr != "" {
		metricsServer = startMetricsServer(cfg.metricsAddr, reg, server, log)
	}

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Perform shutdown in a separate goroutine in case it blocks; we just wait or force exit on timeout.
	done := make(chan struct{})
	go func() {
		if err := server.Stop(); err != nil {
			log.Error("server stop error", "error", err)
		}
		if metricsServer != nil {
			_ = metricsServer.Shutdown(context.Background())
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}

// startMetricsServer exposes Prometheus metrics and a JSON stream-status
// endpoint on a separate listener, so scraping it never competes with the
// RTMP port for accept() attention.
func startMetricsServer(addr string, reg *prometheus.Registry, server *srv.Server, log interface {
	Error(msg string, args ...any)
}) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/streams", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(server.Streams())
	})

	httpSrv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()
	return httpSrv
}
