package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/quicdrop/internal/client"
	"github.com/sheerbytes/quicdrop/internal/config"
	"github.com/sheerbytes/quicdrop/internal/identity"
	"github.com/sheerbytes/quicdrop/internal/logging"
	"github.com/sheerbytes/quicdrop/internal/transport"
)

const clientVersion = "v0.1.0"

func main() {
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(os.Stdout, clientVersion)
		return
	}
	cfg, err := config.ParseClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "drop: %v\n", err)
		os.Exit(2)
	}
	if len(cfg.Paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: drop [-addr host:port] [-ca cert.pem] FILE...")
		os.Exit(2)
	}
	logger := logging.NewWithWriter("drop", cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("transfer failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) error {
	roots, err := identity.LoadTrustAnchor(cfg.CAFile)
	if err != nil {
		return err
	}

	session, err := client.Connect(ctx, client.Options{
		Addr:        cfg.Addr,
		ServerName:  cfg.ServerName,
		TrustAnchor: roots,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer session.Close(context.Background())

	results, sendErr := session.SendPaths(ctx, cfg.Paths)
	for i, res := range results {
		if res.Duration == 0 {
			continue
		}
		logger.Info("sent", "path", cfg.Paths[i], "stream_id", res.StreamID, "bytes", res.Size, "duration", res.Duration)
	}

	stats := session.Stats()
	logger.Info("transfer summary",
		"files", stats.StreamsDone,
		"failed", stats.StreamsFailed,
		"bytes", transport.FormatBytes(stats.BytesDone),
		"elapsed_ms", stats.Elapsed.Milliseconds(),
		"rate", transport.FormatRate(stats.AvgBps),
	)

	if err := session.Close(ctx); err != nil {
		logger.Warn("close failed", "error", err)
	}
	return sendErr
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
