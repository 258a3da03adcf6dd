// Package consumer reads address events back out of JetStream, for tools that
// want the notifier's output without holding their own provider connection.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	pnats "github.com/marko911/pulse-notify/internal/platform/nats"
	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

var ErrAlreadyRunning = errors.New("consumer already running")

// Handler receives one fetched batch. Returning an error naks the batch.
type Handler func(ctx context.Context, events []protov1.StreamEvent) error

type NATSConsumerConfig struct {
	StreamName   string
	ConsumerName string
	// FilterSubject narrows the stream, e.g. pnats.SubjectForChain(chain).
	FilterSubject string
	BatchSize     int
	FetchTimeout  time.Duration
}

func DefaultNATSConsumerConfig() NATSConsumerConfig {
	return NATSConsumerConfig{
		StreamName:   pnats.DefaultAddressEventsStreamConfig().Name,
		ConsumerName: "pulse-tail",
		BatchSize:    100,
		FetchTimeout: 5 * time.Second,
	}
}

type NATSConsumer struct {
	cfg      NATSConsumerConfig
	consumer jetstream.Consumer
	handler  Handler
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewNATSConsumer ensures the stream and a durable consumer on an existing client.
func NewNATSConsumer(ctx context.Context, js jetstream.JetStream, cfg NATSConsumerConfig, handler Handler, logger *slog.Logger) (*NATSConsumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultNATSConsumerConfig()
	if cfg.StreamName == "" {
		cfg.StreamName = defaults.StreamName
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = defaults.ConsumerName
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaults.FetchTimeout
	}

	streamCfg := pnats.DefaultAddressEventsStreamConfig()
	streamCfg.Name = cfg.StreamName

	stream, err := pnats.EnsureStream(ctx, js, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	consumerCfg := pnats.DefaultTailConsumerConfig(cfg.ConsumerName)
	consumerCfg.FilterSubject = cfg.FilterSubject
	consumer, err := pnats.EnsureConsumer(ctx, stream, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}

	logger.Info("NATS consumer initialized",
		"stream", streamCfg.Name,
		"consumer", cfg.ConsumerName,
		"filter", cfg.FilterSubject,
	)

	return &NATSConsumer{
		cfg:      cfg,
		consumer: consumer,
		handler:  handler,
		logger:   logger.With("component", "nats-consumer"),
	}, nil
}

// Run fetches and hands out batches until ctx is done.
func (nc *NATSConsumer) Run(ctx context.Context) error {
	nc.mu.Lock()
	if nc.running {
		nc.mu.Unlock()
		return ErrAlreadyRunning
	}
	nc.running = true
	nc.mu.Unlock()

	defer func() {
		nc.mu.Lock()
		nc.running = false
		nc.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := nc.fetchAndHandle(ctx); err != nil {
			nc.logger.Error("fetch and handle failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func (nc *NATSConsumer) fetchAndHandle(ctx context.Context) error {
	msgs, err := nc.consumer.Fetch(nc.cfg.BatchSize, jetstream.FetchMaxWait(nc.cfg.FetchTimeout))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return fmt.Errorf("fetch messages: %w", err)
	}

	var events []protov1.StreamEvent
	var refs []jetstream.Msg

	for msg := range msgs.Messages() {
		ev, err := decodeEvent(msg.Data())
		if err != nil {
			nc.logger.Warn("dropping undecodable message", "subject", msg.Subject(), "error", err)
			msg.Term()
			continue
		}
		events = append(events, ev)
		refs = append(refs, msg)
	}
	if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
		nc.logger.Warn("message iteration error", "error", err)
	}

	if len(events) == 0 {
		return nil
	}

	if err := nc.handler(ctx, events); err != nil {
		for _, msg := range refs {
			msg.Nak()
		}
		return fmt.Errorf("handle batch of %d: %w", len(events), err)
	}

	for _, msg := range refs {
		if err := msg.Ack(); err != nil {
			nc.logger.Warn("ack failed", "error", err)
		}
	}
	return nil
}

func (nc *NATSConsumer) IsRunning() bool {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.running
}

func decodeEvent(data []byte) (protov1.StreamEvent, error) {
	var ev protov1.StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return protov1.StreamEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return ev, nil
}
