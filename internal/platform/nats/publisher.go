package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

// Publisher is a fan-out sink that writes each event to the chain's subject.
type Publisher struct {
	js      jetstream.JetStream
	subject string
	logger  *slog.Logger
}

func NewPublisher(js jetstream.JetStream, chain protov1.ChainKey, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		js:      js,
		subject: SubjectForChain(chain),
		logger:  logger.With("component", "nats-publisher"),
	}
}

func (p *Publisher) Name() string { return "nats" }

func (p *Publisher) Subject() string { return p.subject }

func (p *Publisher) Send(ctx context.Context, ev protov1.StreamEvent) error {
	data, opts, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	ack, err := p.js.Publish(ctx, p.subject, data, opts...)
	if err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}

	p.logger.Debug("event published", "subject", p.subject, "seq", ack.Sequence, "duplicate", ack.Duplicate)
	return nil
}

// encodeEvent marshals ev and, when it has a hash, sets the message id so
// JetStream drops redeliveries of the same transaction.
func encodeEvent(ev protov1.StreamEvent) ([]byte, []jetstream.PublishOpt, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal event: %w", err)
	}
	var opts []jetstream.PublishOpt
	if ev.Hash != "" {
		opts = append(opts, jetstream.WithMsgID(ev.Hash))
	}
	return data, opts, nil
}
