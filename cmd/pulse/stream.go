package main

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/marko911/pulse-notify/internal/adapter/stream"
	"github.com/marko911/pulse-notify/internal/processor"
	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

func newStreamCmd() *cobra.Command {
	var account, chainID string
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Subscribe to address activity and print events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if account != "" {
				cfg.Account.Address = account
			}
			if chainID != "" {
				cfg.Account.ChainID = chainID
			}

			conn, err := cfg.ConnectionConfig()
			if err != nil {
				return err
			}

			terminal := make(chan error, 1)
			client := stream.NewClient(stream.ClientConfig{
				URL:                cfg.Stream.URL,
				Path:               cfg.Stream.Path,
				HandshakeTimeout:   cfg.Stream.HandshakeTimeout,
				Reconnect:          cfg.ReconnectPolicy(),
				IsInstant:          cfg.Stream.IsInstant,
				InsecureSkipVerify: cfg.Stream.InsecureSkipVerify,
				Normalizer:         processor.NewNormalizer(logger),
				OnTerminal: func(err error) {
					select {
					case terminal <- err:
					default:
					}
				},
				Logger: logger,
			})

			var mu sync.Mutex
			enc := json.NewEncoder(cmd.OutOrStdout())
			onEvent := func(ev protov1.StreamEvent) {
				mu.Lock()
				defer mu.Unlock()
				if err := enc.Encode(ev); err != nil {
					logger.Warn("failed to print event", "error", err)
				}
			}

			ctx := cmd.Context()
			if err := client.Connect(ctx, conn, onEvent); err != nil {
				return err
			}
			defer client.Disconnect()

			fmt.Fprintf(cmd.ErrOrStderr(), "Subscribed to %s on %s (message id %s)\n",
				conn.Account, conn.ChainKey(), client.Identity().MessageID)

			select {
			case <-ctx.Done():
				return nil
			case err := <-terminal:
				return err
			}
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account address (overrides config)")
	cmd.Flags().StringVar(&chainID, "chain-id", "", "chain id, hex or decimal (overrides config)")
	return cmd
}
