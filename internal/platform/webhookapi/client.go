// Package webhookapi calls the remote webhook REST API that manages
// address-activity subscriptions.
package webhookapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/marko911/pulse-notify/internal/adapter"
	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

const (
	DefaultBaseURL = "https://web3.nodit.io/v1"
	DefaultTimeout = 10 * time.Second

	headerAPIKey = "X-API-KEY"
)

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("webhook api: status %d: %s", e.StatusCode, e.Body)
}

type CreateRequest struct {
	URL                         string            `json:"url"`
	EventType                   protov1.EventType `json:"eventType"`
	Addresses                   []string          `json:"addresses"`
	IncludeTransactionReceipts  bool              `json:"includeTransactionReceipts"`
	IncludeInternalTransactions bool              `json:"includeInternalTransactions"`
	IncludeTokenTransfers       bool              `json:"includeTokenTransfers"`
	IncludeNftTransfers         bool              `json:"includeNftTransfers"`
	IsInstant                   bool              `json:"isInstant"`
}

type Webhook struct {
	SubscriptionID string   `json:"subscriptionId"`
	URL            string   `json:"url"`
	EventType      string   `json:"eventType"`
	Addresses      []string `json:"addresses"`
	Status         string   `json:"status"`
	CreatedAt      string   `json:"createdAt"`
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   http,
		logger: logger.With("component", "webhookapi"),
	}
}

func webhooksPath(chain protov1.ChainKey) string {
	return "/" + url.PathEscape(chain.Protocol()) + "/" + url.PathEscape(chain.Network()) + "/webhooks"
}

// Create registers a webhook for chain.
func (c *Client) Create(ctx context.Context, chain protov1.ChainKey, apiKey string, req CreateRequest) (*Webhook, error) {
	if req.EventType == "" {
		req.EventType = protov1.EventTypeAddressActivity
	}

	c.logger.Info("creating webhook",
		"chain", chain,
		"url", req.URL,
		"addresses", req.Addresses,
		"is_instant", req.IsInstant,
		"api_key", adapter.MaskCredential(apiKey),
	)

	var out Webhook
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(headerAPIKey, apiKey).
		SetBody(req).
		SetResult(&out).
		Post(webhooksPath(chain))
	if err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	c.logger.Info("webhook created", "chain", chain, "subscription_id", out.SubscriptionID, "status", out.Status)
	return &out, nil
}

// Delete removes a webhook. The API answers with an empty body on success.
func (c *Client) Delete(ctx context.Context, chain protov1.ChainKey, apiKey, subscriptionID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(headerAPIKey, apiKey).
		Delete(webhooksPath(chain) + "/" + url.PathEscape(subscriptionID))
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if resp.IsError() {
		return &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	c.logger.Info("webhook deleted", "chain", chain, "subscription_id", subscriptionID)
	return nil
}

func (c *Client) Get(ctx context.Context, chain protov1.ChainKey, apiKey, subscriptionID string) (*Webhook, error) {
	var out Webhook
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(headerAPIKey, apiKey).
		SetResult(&out).
		Get(webhooksPath(chain) + "/" + url.PathEscape(subscriptionID))
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return &out, nil
}
