package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/quicdrop/internal/config"
	"github.com/sheerbytes/quicdrop/internal/identity"
	"github.com/sheerbytes/quicdrop/internal/logging"
	"github.com/sheerbytes/quicdrop/internal/metrics"
	"github.com/sheerbytes/quicdrop/internal/server"
	"github.com/sheerbytes/quicdrop/internal/sink"
)

const serverVersion = "v0.1.0"

func main() {
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(os.Stdout, serverVersion)
		return
	}
	cfg, err := config.ParseServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dropserv: %v\n", err)
		os.Exit(2)
	}
	logger := logging.NewWithWriter("dropserv", cfg.LogLevel, cfg.LogFormat, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	id, err := identity.Generate(cfg.ServerName)
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}
	if err := id.WriteCertificatePEM(cfg.CertOut); err != nil {
		return err
	}
	logger.Info("certificate written", "path", cfg.CertOut, "server_name", cfg.ServerName)

	store, err := sink.NewFileSink(cfg.OutDir)
	if err != nil {
		return err
	}

	var rec *metrics.Recorder
	if cfg.MetricsAddr != "" {
		rec = metrics.New()
		go serveMetrics(cfg.MetricsAddr, rec, logger)
	}

	ep, err := server.Bind(server.Options{
		Identity:             id,
		Addr:                 cfg.Addr,
		MaxConcurrentStreams: cfg.MaxStreams,
		MaxPayload:           cfg.MaxPayload,
		StreamTimeout:        cfg.StreamTimeout,
		ConnWindow:           cfg.ConnWindow,
		StreamWindow:         cfg.StreamWindow,
		UDPBuffer:            cfg.UDPBuffer,
		Sink:                 store,
		Logger:               logger,
		Metrics:              rec,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := ep.Serve(ctx)
	logger.Info("shutting down")
	ep.Wait()
	if err := ep.Close(); err != nil {
		logger.Warn("close failed", "error", err)
	}
	return serveErr
}

func serveMetrics(addr string, rec *metrics.Recorder, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
