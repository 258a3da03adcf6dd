package adapter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

var ErrInvalidConfig = errors.New("invalid connection config")

// EventHandler receives normalized events. Calls for one connection are
// sequential and in arrival order.
type EventHandler func(protov1.StreamEvent)

// ConnectionConfig is what a caller supplies to open an address-activity
// stream. It is not modified once handed to a client.
type ConnectionConfig struct {
	Account  string
	Protocol string
	Network  string

	Credential string

	// SubscriptionLabel is sent as the subscription description.
	SubscriptionLabel string
}

func (c ConnectionConfig) Validate() error {
	if !common.IsHexAddress(c.Account) {
		return fmt.Errorf("%w: account %q is not a hex address", ErrInvalidConfig, c.Account)
	}
	if c.Protocol == "" || c.Network == "" {
		return fmt.Errorf("%w: protocol and network are required", ErrInvalidConfig)
	}
	if c.Credential == "" {
		return fmt.Errorf("%w: credential is required", ErrInvalidConfig)
	}
	return nil
}

// Label returns the subscription description, defaulting to one naming the account.
func (c ConnectionConfig) Label() string {
	if c.SubscriptionLabel != "" {
		return c.SubscriptionLabel
	}
	return "Monitoring address activity for " + c.Account
}

func (c ConnectionConfig) ChainKey() protov1.ChainKey {
	return protov1.NewChainKey(c.Protocol, c.Network)
}

// MaskCredential shortens a secret for logging.
func MaskCredential(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:8] + "..."
}
