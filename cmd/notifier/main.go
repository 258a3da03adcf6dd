// Command notifier watches one account's address activity and delivers every
// event to the local WebSocket hub and, when configured, to NATS and Kafka.
//
// Events arrive over the provider's Socket.IO stream, through webhook
// deliveries posted to /webhooks/events, or both.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/marko911/pulse-notify/internal/config"
)

func main() {
	configPath := flag.String("config", envOrDefault("PULSE_CONFIG", ""), "path to configuration file")
	logLevel := flag.String("log-level", envOrDefault("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	account := flag.String("account", "", "account address to watch (overrides config)")
	chainID := flag.String("chain-id", "", "chain id, hex or decimal (overrides config)")
	cleanup := flag.Bool("cleanup", false, "delete the remote webhook on shutdown")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(*logLevel)}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Server.ListenAddr = *listen
	}
	if *account != "" {
		cfg.Account.Address = *account
	}
	if *chainID != "" {
		cfg.Account.ChainID = *chainID
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	a.cleanupOnExit = *cleanup

	if err := a.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("notifier exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("notifier shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
