package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"

	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

const headerChain = "chain"

type ProducerConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

// Producer is a fan-out sink writing one record per event, keyed by the
// event's primary address so one account's events stay ordered.
type Producer struct {
	client *kgo.Client
	topic  string
	chain  protov1.ChainKey
	logger *slog.Logger
}

func NewProducer(cfg ProducerConfig, chain protov1.ChainKey, logger *slog.Logger) (*Producer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "pulse-notifier"
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		topic:  cfg.Topic,
		chain:  chain,
		logger: logger.With("component", "kafka-producer"),
	}, nil
}

func (p *Producer) Name() string { return "kafka" }

func (p *Producer) Send(ctx context.Context, ev protov1.StreamEvent) error {
	rec, err := buildRecord(p.topic, p.chain, ev)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", p.topic, err)
	}
	p.logger.Debug("event produced", "topic", p.topic, "partition", rec.Partition, "offset", rec.Offset)
	return nil
}

func (p *Producer) Close() {
	p.client.Close()
}

func buildRecord(topic string, chain protov1.ChainKey, ev protov1.StreamEvent) (*kgo.Record, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(strings.ToLower(ev.PrimaryAddress())),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: headerChain, Value: []byte(chain.String())},
		},
	}, nil
}
