//go:build integration

package nats_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pnats "github.com/marko911/pulse-notify/internal/platform/nats"
	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

func TestPublisherIntegration(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := pnats.DefaultConfig()
	cfg.URL = url
	cfg.Name = "integration-test"

	client, err := pnats.Connect(ctx, cfg, nil)
	require.NoError(t, err)
	defer client.Close()

	stream, err := pnats.EnsureStream(ctx, client.JetStream(), pnats.DefaultAddressEventsStreamConfig())
	require.NoError(t, err)

	chain := protov1.NewChainKey("ethereum", "sepolia")
	consumerCfg := pnats.DefaultTailConsumerConfig("integration-tail")
	consumerCfg.FilterSubject = pnats.SubjectForChain(chain)
	consumer, err := pnats.EnsureConsumer(ctx, stream, consumerCfg)
	require.NoError(t, err)

	hash := "0x" + time.Now().Format("20060102150405.000000000")
	pub := pnats.NewPublisher(client.JetStream(), chain, nil)
	require.NoError(t, pub.Send(ctx, protov1.StreamEvent{Hash: hash, From: "0x1"}))

	msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
	require.NoError(t, err)

	count := 0
	for msg := range msgs.Messages() {
		var ev protov1.StreamEvent
		if assert.NoError(t, json.Unmarshal(msg.Data(), &ev)) {
			assert.Equal(t, hash, ev.Hash)
		}
		msg.Ack()
		count++
	}
	assert.Equal(t, 1, count)
}
