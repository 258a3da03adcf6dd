// Package config loads the notifier configuration: defaults first, then the
// YAML file, then environment overrides. Command-line flags are applied by
// the mains on top of the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marko911/pulse-notify/internal/adapter"
	"github.com/marko911/pulse-notify/internal/adapter/stream"
	"github.com/marko911/pulse-notify/internal/delivery/polling"
	"github.com/marko911/pulse-notify/internal/delivery/receiver"
	"github.com/marko911/pulse-notify/internal/delivery/subscription"
	"github.com/marko911/pulse-notify/internal/platform/kafka"
	"github.com/marko911/pulse-notify/internal/platform/kv"
	pnats "github.com/marko911/pulse-notify/internal/platform/nats"
	"github.com/marko911/pulse-notify/internal/platform/webhookapi"
	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Account    AccountConfig `yaml:"account"`
	Credential string        `yaml:"credential"`

	Stream  StreamConfig   `yaml:"stream"`
	Webhook WebhookConfig  `yaml:"webhook"`
	Polling polling.Config `yaml:"polling"`
	Storage kv.Config      `yaml:"storage"`
	Server  ServerConfig   `yaml:"server"`
	NATS    NATSConfig     `yaml:"nats"`
	Kafka   KafkaConfig    `yaml:"kafka"`
}

// AccountConfig names the watched account and its chain, either by chain id
// ("0x1" or "1") or by protocol and network.
type AccountConfig struct {
	Address  string `yaml:"address"`
	ChainID  string `yaml:"chain_id"`
	Protocol string `yaml:"protocol"`
	Network  string `yaml:"network"`
	Label    string `yaml:"label"`
}

type StreamConfig struct {
	Enabled            bool            `yaml:"enabled"`
	URL                string          `yaml:"url"`
	Path               string          `yaml:"path"`
	HandshakeTimeout   time.Duration   `yaml:"handshake_timeout"`
	InsecureSkipVerify bool            `yaml:"insecure_skip_verify"`
	IsInstant          bool            `yaml:"is_instant"`
	Reconnect          ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type WebhookConfig struct {
	Enabled    bool          `yaml:"enabled"`
	APIBaseURL string        `yaml:"api_base_url"`
	Timeout    time.Duration `yaml:"timeout"`

	subscription.Config `yaml:",inline"`
}

type ServerConfig struct {
	receiver.Config `yaml:",inline"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

type NATSConfig struct {
	Enabled      bool `yaml:"enabled"`
	pnats.Config `yaml:",inline"`
}

type KafkaConfig struct {
	Enabled              bool `yaml:"enabled"`
	kafka.ProducerConfig `yaml:",inline"`
}

// Default returns a configuration that streams over Socket.IO and keeps
// state in memory.
func Default() *Config {
	return &Config{
		Stream: StreamConfig{
			Enabled:          true,
			URL:              stream.DefaultURL,
			Path:             stream.DefaultPath,
			HandshakeTimeout: stream.DefaultHandshakeTimeout,
			Reconnect: ReconnectConfig{
				BaseDelay:   stream.DefaultReconnectPolicy.BaseDelay,
				MaxDelay:    stream.DefaultReconnectPolicy.MaxDelay,
				MaxAttempts: stream.DefaultReconnectPolicy.MaxAttempts,
			},
		},
		Webhook: WebhookConfig{
			APIBaseURL: webhookapi.DefaultBaseURL,
			Timeout:    webhookapi.DefaultTimeout,
			Config: subscription.Config{
				IsInstant:                  true,
				IncludeTransactionReceipts: true,
				IncludeTokenTransfers:      true,
			},
		},
		Polling: polling.Config{
			MaxEvents: polling.DefaultMaxEvents,
			Interval:  polling.DefaultInterval,
		},
		Storage: kv.Config{
			Driver:   kv.DriverMemory,
			Redis:    kv.RedisConfig{Addr: "localhost:6379", KeyPrefix: "pulse:kv:"},
			Bolt:     kv.BoltConfig{Path: "./data/notifier.db"},
			Postgres: kv.DefaultPostgresConfig(),
		},
		Server: ServerConfig{
			Config: receiver.Config{
				ListenAddr:   receiver.DefaultListenAddr,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
				MaxBodyBytes: receiver.DefaultMaxBodyBytes,
			},
		},
		NATS: NATSConfig{Config: pnats.DefaultConfig()},
		Kafka: KafkaConfig{
			ProducerConfig: kafka.ProducerConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   kafka.DefaultTopic,
			},
		},
	}
}

// Load reads path (optional) over the defaults and applies the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Credential = envOrDefault("NODIT_API_KEY", c.Credential)
	c.Account.Address = envOrDefault("PULSE_ACCOUNT", c.Account.Address)
	c.Account.ChainID = envOrDefault("PULSE_CHAIN_ID", c.Account.ChainID)
	c.Storage.Driver = envOrDefault("PULSE_STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.Redis.Addr = envOrDefault("REDIS_ADDR", c.Storage.Redis.Addr)
	c.Storage.Redis.Password = envOrDefault("REDIS_PASSWORD", c.Storage.Redis.Password)
	c.Storage.Redis.DB = envOrDefaultInt("REDIS_DB", c.Storage.Redis.DB)
	c.Storage.Postgres.DSN = envOrDefault("DATABASE_URL", c.Storage.Postgres.DSN)
	c.Server.ListenAddr = envOrDefault("PULSE_LISTEN_ADDR", c.Server.ListenAddr)
	c.Webhook.DeliveryURL = envOrDefault("PULSE_DELIVERY_URL", c.Webhook.DeliveryURL)
	c.NATS.URL = envOrDefault("NATS_URL", c.NATS.URL)
	c.NATS.Enabled = envOrDefaultBool("NATS_ENABLED", c.NATS.Enabled)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = kafka.ParseBrokers(v)
	}
	c.Kafka.Enabled = envOrDefaultBool("KAFKA_ENABLED", c.Kafka.Enabled)
}

// ChainKey resolves the account's chain. A chain id wins over protocol and network.
func (c *Config) ChainKey() (protov1.ChainKey, error) {
	if c.Account.ChainID != "" {
		id, err := protov1.ParseChainID(c.Account.ChainID)
		if err != nil {
			return "", err
		}
		info, err := protov1.NetworkByChainID(id)
		if err != nil {
			return "", err
		}
		return info.Key(), nil
	}
	if c.Account.Protocol == "" || c.Account.Network == "" {
		return "", fmt.Errorf("%w: account needs chain_id or protocol and network", ErrInvalid)
	}
	return protov1.NewChainKey(c.Account.Protocol, c.Account.Network), nil
}

// ConnectionConfig builds the stream connection settings for the account.
func (c *Config) ConnectionConfig() (adapter.ConnectionConfig, error) {
	chain, err := c.ChainKey()
	if err != nil {
		return adapter.ConnectionConfig{}, err
	}
	return adapter.ConnectionConfig{
		Account:           c.Account.Address,
		Protocol:          chain.Protocol(),
		Network:           chain.Network(),
		Credential:        c.Credential,
		SubscriptionLabel: c.Account.Label,
	}, nil
}

func (c *Config) ReconnectPolicy() stream.ReconnectPolicy {
	return stream.ReconnectPolicy{
		BaseDelay:   c.Stream.Reconnect.BaseDelay,
		MaxDelay:    c.Stream.Reconnect.MaxDelay,
		MaxAttempts: c.Stream.Reconnect.MaxAttempts,
	}
}

// SubscriptionConfig returns the webhook manager settings with the poll
// interval taken from the polling section.
func (c *Config) SubscriptionConfig() subscription.Config {
	sc := c.Webhook.Config
	sc.PollInterval = c.Polling.Interval
	return sc
}

// Validate checks what the notifier needs before it opens any connection.
func (c *Config) Validate() error {
	conn, err := c.ConnectionConfig()
	if err != nil {
		return err
	}
	if err := conn.Validate(); err != nil {
		return err
	}
	if !c.Stream.Enabled && !c.Webhook.Enabled {
		return fmt.Errorf("%w: enable stream, webhook or both", ErrInvalid)
	}
	if c.Webhook.Enabled && c.Webhook.DeliveryURL == "" {
		return fmt.Errorf("%w: webhook.delivery_url is required when webhooks are enabled", ErrInvalid)
	}
	switch c.Storage.Driver {
	case kv.DriverMemory, kv.DriverRedis, kv.DriverBolt:
	case kv.DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("%w: storage.postgres.dsn is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: storage driver %q", ErrInvalid, c.Storage.Driver)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: kafka.brokers is required when kafka is enabled", ErrInvalid)
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
