package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marko911/pulse-notify/internal/adapter"
	"github.com/marko911/pulse-notify/internal/delivery/subscription"
	"github.com/marko911/pulse-notify/internal/platform/webhookapi"
)

func newWebhooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Manage remote webhook subscriptions",
	}

	var deliveryURL string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a webhook for the configured account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if deliveryURL != "" {
				cfg.Webhook.DeliveryURL = deliveryURL
			}
			if cfg.Webhook.DeliveryURL == "" {
				return fmt.Errorf("delivery url is required (--delivery-url or webhook.delivery_url)")
			}
			conn, err := cfg.ConnectionConfig()
			if err != nil {
				return err
			}
			if err := conn.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()

			mgr, closeFn, err := openManager(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			id, err := mgr.CreateForAccount(ctx, conn.Account, conn.ChainKey(), conn.Credential)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Webhook %s active for %s on %s\n", id, conn.Account, conn.ChainKey())
			return nil
		},
	}
	createCmd.Flags().StringVar(&deliveryURL, "delivery-url", "", "URL the provider posts events to")

	deleteCmd := &cobra.Command{
		Use:   "delete [protocol/network]",
		Short: "Remove the webhook for a chain",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := chainArg(args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()

			mgr, closeFn, err := openManager(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := mgr.DeleteForChain(ctx, chain, cfg.Credential); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Webhook for %s deleted\n", chain)
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get [protocol/network]",
		Short: "Show the provider's view of a chain's webhook",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := chainArg(args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()

			mgr, closeFn, err := openManager(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			rec, ok := mgr.Get(chain)
			if !ok {
				return fmt.Errorf("%w: %s", subscription.ErrNotFound, chain)
			}
			wh, err := newAPI().Get(ctx, chain, cfg.Credential, rec.SubscriptionID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), wh)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions in the local registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, closeFn, err := openManager(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			records := mgr.List()
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No webhook subscriptions")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHAIN\tSUBSCRIPTION\tACCOUNT\tINSTANT\tCREATED")
			fmt.Fprintln(w, "-----\t------------\t-------\t-------\t-------")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
					rec.ChainKey, rec.SubscriptionID, rec.Account, rec.IsInstant, rec.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(createCmd, deleteCmd, getCmd, listCmd)
	return cmd
}

func newAPI() *webhookapi.Client {
	return webhookapi.New(webhookapi.Config{BaseURL: cfg.Webhook.APIBaseURL, Timeout: cfg.Webhook.Timeout}, logger)
}

// openManager loads the persisted registry. The returned func stops polling
// and closes storage.
func openManager(cmd *cobra.Command) (*subscription.Manager, func(), error) {
	store, events, err := openEvents(cmd.Context())
	if err != nil {
		return nil, nil, err
	}

	mgr := subscription.NewManager(cfg.SubscriptionConfig(), newAPI(), store, events, nil, logger)
	if err := mgr.Load(cmd.Context()); err != nil {
		store.Close()
		return nil, nil, err
	}

	logger.Debug("registry loaded", "subscriptions", mgr.Count(), "credential", adapter.MaskCredential(cfg.Credential))

	return mgr, func() {
		mgr.Close()
		store.Close()
	}, nil
}
