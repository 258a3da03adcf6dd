// Command pulse is the operator CLI for the notifier.
//
// Usage:
//
//	pulse webhooks create [--delivery-url <url>]
//	pulse webhooks delete [<protocol/network>]
//	pulse webhooks get [<protocol/network>]
//	pulse webhooks list
//	pulse events simulate [--from <addr>] [--to <addr>] [--value <wei>]
//	pulse events list|drain|clear
//	pulse events tail [--all]
//	pulse stream
//	pulse chains
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marko911/pulse-notify/internal/config"
	"github.com/marko911/pulse-notify/internal/delivery/polling"
	"github.com/marko911/pulse-notify/internal/platform/kv"
	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

var (
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pulse",
		Short:         "Manage address-activity webhooks, stored events and streams",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(logLevel)}))
			slog.SetDefault(logger)

			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", envOrDefault("PULSE_CONFIG", ""), "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOrDefault("LOG_LEVEL", "warn"), "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newWebhooksCmd(),
		newEventsCmd(),
		newStreamCmd(),
		newChainsCmd(),
	)
	return rootCmd
}

// openEvents opens the configured storage and the event store on top of it.
func openEvents(ctx context.Context) (kv.Store, *polling.Store, error) {
	store, err := kv.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return store, polling.NewStore(store, cfg.Polling, logger), nil
}

// chainArg resolves an optional "protocol/network" argument, falling back to
// the configured account's chain.
func chainArg(args []string) (protov1.ChainKey, error) {
	if len(args) > 0 {
		return protov1.ParseChainKey(args[0])
	}
	return cfg.ChainKey()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEvents(w io.Writer, events []protov1.StreamEvent) error {
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
