package stream

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/marko911/pulse-notify/internal/adapter"
	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

// Server events consumed by the client, besides the socketio lifecycle frames.
const (
	EventSubscriptionRegistered = "subscription_registered"
	EventSubscriptionConnected  = "subscription_connected"
	EventSubscriptionError      = "subscription_error"
	EventSubscriptionEvent      = "subscription_event"

	// EventSubscription is the only event the client emits.
	EventSubscription = "subscription"
)

// SubscriptionIdentity names a subscription to the server. A Client keeps the
// same identity across reconnects so resubscribing is idempotent server side.
type SubscriptionIdentity struct {
	MessageID string
	EventType protov1.EventType
}

func NewSubscriptionIdentity() SubscriptionIdentity {
	return SubscriptionIdentity{
		MessageID: "nodit_stream_" + uuid.NewString(),
		EventType: protov1.EventTypeAddressActivity,
	}
}

type subscriptionCondition struct {
	Addresses []string `json:"addresses"`
}

type subscriptionParams struct {
	Description string                `json:"description"`
	Condition   subscriptionCondition `json:"condition"`
	IsInstant   *bool                 `json:"isInstant,omitempty"`
}

// SubscriptionProtocol builds the subscription request for one connection config.
type SubscriptionProtocol struct {
	identity SubscriptionIdentity
	params   subscriptionParams
}

func NewSubscriptionProtocol(identity SubscriptionIdentity, cfg adapter.ConnectionConfig, isInstant bool) *SubscriptionProtocol {
	p := &SubscriptionProtocol{
		identity: identity,
		params: subscriptionParams{
			Description: cfg.Label(),
			Condition:   subscriptionCondition{Addresses: []string{cfg.Account}},
		},
	}
	if isInstant {
		p.params.IsInstant = &isInstant
	}
	return p
}

func (p *SubscriptionProtocol) Identity() SubscriptionIdentity {
	return p.identity
}

// Args returns the arguments of the subscription emit:
// messageId, eventType and the params object serialized as a JSON string.
func (p *SubscriptionProtocol) Args() ([]any, error) {
	params, err := json.Marshal(p.params)
	if err != nil {
		return nil, fmt.Errorf("encode subscription params: %w", err)
	}
	return []any{p.identity.MessageID, string(p.identity.EventType), string(params)}, nil
}
