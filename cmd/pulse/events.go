package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marko911/pulse-notify/internal/delivery/consumer"
	pnats "github.com/marko911/pulse-notify/internal/platform/nats"
	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and manage stored webhook events",
	}

	var from, to, value string
	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Store a random well-formed event as if a webhook delivered it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" {
				from = cfg.Account.Address
			}
			if from == "" {
				return fmt.Errorf("--from is required when no account is configured")
			}

			store, events, err := openEvents(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			ev, err := events.Simulate(cmd.Context(), from, to, value)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ev)
		},
	}
	simulateCmd.Flags().StringVar(&from, "from", "", "sender address (defaults to the configured account)")
	simulateCmd.Flags().StringVar(&to, "to", "0x000000000000000000000000000000000000dEaD", "recipient address")
	simulateCmd.Flags().StringVar(&value, "value", "1000000000000000", "value in the chain's smallest unit")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print every stored event, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, events, err := openEvents(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := events.Events(cmd.Context())
			if err != nil {
				return err
			}
			return printEvents(cmd.OutOrStdout(), list)
		},
	}

	drainCmd := &cobra.Command{
		Use:   "drain",
		Short: "Print events newer than the last check and advance the watermark",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, events, err := openEvents(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			fresh, err := events.DrainNew(cmd.Context())
			if err != nil {
				return err
			}
			return printEvents(cmd.OutOrStdout(), fresh)
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove stored events and reset the watermark",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, events, err := openEvents(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := events.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Stored events cleared")
			return nil
		},
	}

	var all bool
	var consumerName string
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow events published to NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return tailEvents(cmd, all, consumerName)
		},
	}
	tailCmd.Flags().BoolVar(&all, "all", false, "follow every chain instead of the configured one")
	tailCmd.Flags().StringVar(&consumerName, "consumer", "", "durable consumer name")

	cmd.AddCommand(simulateCmd, listCmd, drainCmd, clearCmd, tailCmd)
	return cmd
}

func tailEvents(cmd *cobra.Command, all bool, consumerName string) error {
	ctx := cmd.Context()

	client, err := pnats.Connect(ctx, cfg.NATS.Config, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	ccfg := consumer.DefaultNATSConsumerConfig()
	if consumerName != "" {
		ccfg.ConsumerName = consumerName
	}
	if !all {
		chain, err := cfg.ChainKey()
		if err != nil {
			return err
		}
		ccfg.FilterSubject = pnats.SubjectForChain(chain)
	}

	out := cmd.OutOrStdout()
	c, err := consumer.NewNATSConsumer(ctx, client.JetStream(), ccfg, func(_ context.Context, events []protov1.StreamEvent) error {
		return printEvents(out, events)
	}, logger)
	if err != nil {
		return err
	}

	return c.Run(ctx)
}
