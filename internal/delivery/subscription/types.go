// Package subscription keeps the per-chain registry of remote webhook
// subscriptions. The registry is persisted so it survives restarts, and the
// polling store's poll loop runs while at least one subscription is active.
package subscription

import (
	"context"
	"strings"
	"time"

	"github.com/marko911/pulse-notify/internal/delivery/polling"
	"github.com/marko911/pulse-notify/internal/platform/webhookapi"
	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

// Record is one active webhook subscription, keyed by its chain.
type Record struct {
	ChainKey       protov1.ChainKey    `json:"chainKey"`
	SubscriptionID string              `json:"subscriptionId"`
	Account        string              `json:"account"`
	Network        protov1.NetworkInfo `json:"network"`
	CreatedAt      time.Time           `json:"createdAt"`
	DeliveryTarget string              `json:"deliveryTarget"`
	IsInstant      bool                `json:"isInstant"`
}

// Matches reports whether ev involves the subscribed account.
func (r Record) Matches(ev protov1.StreamEvent) bool {
	return strings.EqualFold(ev.From, r.Account) || strings.EqualFold(ev.To, r.Account)
}

// Remote manages webhooks on the provider side.
type Remote interface {
	Create(ctx context.Context, chain protov1.ChainKey, apiKey string, req webhookapi.CreateRequest) (*webhookapi.Webhook, error)
	Delete(ctx context.Context, chain protov1.ChainKey, apiKey, subscriptionID string) error
}

// Poller runs the delivery poll loop.
type Poller interface {
	StartPolling(interval time.Duration, cb polling.Callback) (*polling.PollHandle, error)
	StopPolling(h *polling.PollHandle)
}
