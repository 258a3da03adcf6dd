package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marko911/pulse-notify/internal/adapter"
	"github.com/marko911/pulse-notify/internal/adapter/stream"
	"github.com/marko911/pulse-notify/internal/config"
	"github.com/marko911/pulse-notify/internal/delivery/fanout"
	"github.com/marko911/pulse-notify/internal/delivery/polling"
	"github.com/marko911/pulse-notify/internal/delivery/receiver"
	"github.com/marko911/pulse-notify/internal/delivery/subscription"
	"github.com/marko911/pulse-notify/internal/delivery/websocket"
	"github.com/marko911/pulse-notify/internal/platform/kafka"
	"github.com/marko911/pulse-notify/internal/platform/kv"
	pnats "github.com/marko911/pulse-notify/internal/platform/nats"
	"github.com/marko911/pulse-notify/internal/platform/webhookapi"
	"github.com/marko911/pulse-notify/internal/processor"
	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

const cleanupTimeout = 10 * time.Second

type app struct {
	cfg    *config.Config
	logger *slog.Logger

	conn  adapter.ConnectionConfig
	chain protov1.ChainKey

	store  kv.Store
	events *polling.Store
	hub    *websocket.Manager
	fan    *fanout.Fanout
	client *stream.Client
	subs   *subscription.Manager
	server *receiver.Server

	terminal      chan error
	closers       []func()
	cleanupOnExit bool
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	conn, err := cfg.ConnectionConfig()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		conn:     conn,
		chain:    conn.ChainKey(),
		terminal: make(chan error, 1),
	}

	store, err := kv.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() { store.Close() })

	a.hub = websocket.NewManager(websocket.ManagerConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})
	sinks := []fanout.Sink{a.hub}

	if cfg.NATS.Enabled {
		sink, err := a.openNATS(ctx)
		if err != nil {
			a.close()
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.Kafka.Enabled {
		sink, err := a.openKafka(ctx)
		if err != nil {
			a.close()
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	a.fan = fanout.New(logger, sinks)

	a.events = polling.NewStore(store, cfg.Polling, logger)

	if cfg.Stream.Enabled {
		a.client = stream.NewClient(stream.ClientConfig{
			URL:                cfg.Stream.URL,
			Path:               cfg.Stream.Path,
			HandshakeTimeout:   cfg.Stream.HandshakeTimeout,
			Reconnect:          cfg.ReconnectPolicy(),
			IsInstant:          cfg.Stream.IsInstant,
			InsecureSkipVerify: cfg.Stream.InsecureSkipVerify,
			Normalizer:         processor.NewNormalizer(logger),
			OnTerminal:         a.onTerminal,
			Logger:             logger,
		})
	}

	if cfg.Webhook.Enabled {
		api := webhookapi.New(webhookapi.Config{BaseURL: cfg.Webhook.APIBaseURL, Timeout: cfg.Webhook.Timeout}, logger)
		a.subs = subscription.NewManager(cfg.SubscriptionConfig(), api, store, a.events, a.fan.HandleBatch, logger)
	}

	// dispatcher payloads wrap the transaction under "event"
	inbound := processor.NewNormalizer(logger,
		processor.WithLevels(slices.Concat(processor.DefaultLevels, []processor.Level{processor.Nested("event")})...))

	var registry receiver.Registry
	if a.subs != nil {
		registry = a.subs
	}
	a.server = receiver.NewServer(cfg.Server.Config, inbound, a.events, registry, a.hub, logger)

	return a, nil
}

func (a *app) openNATS(ctx context.Context) (fanout.Sink, error) {
	client, err := pnats.Connect(ctx, a.cfg.NATS.Config, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { client.Close() })

	if _, err := pnats.EnsureStream(ctx, client.JetStream(), pnats.DefaultAddressEventsStreamConfig()); err != nil {
		return nil, err
	}

	pub := pnats.NewPublisher(client.JetStream(), a.chain, a.logger)
	a.logger.Info("NATS sink enabled", "url", a.cfg.NATS.URL, "subject", pub.Subject())
	return pub, nil
}

func (a *app) openKafka(ctx context.Context) (fanout.Sink, error) {
	topics, err := kafka.NewTopicManager(a.cfg.Kafka.Brokers)
	if err != nil {
		return nil, err
	}
	defer topics.Close()

	if err := topics.EnsureTopics(ctx, kafka.DefaultTopicConfig(a.cfg.Kafka.Topic)); err != nil {
		return nil, fmt.Errorf("ensure kafka topic: %w", err)
	}

	producer, err := kafka.NewProducer(a.cfg.Kafka.ProducerConfig, a.chain, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, producer.Close)

	a.logger.Info("Kafka sink enabled", "brokers", a.cfg.Kafka.Brokers, "topic", a.cfg.Kafka.Topic)
	return producer, nil
}

func (a *app) onTerminal(err error) {
	select {
	case a.terminal <- err:
	default:
	}
}

func (a *app) run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Run(gctx)
	})

	g.Go(func() error {
		a.hub.Shutdown(gctx)
		return nil
	})

	if a.client != nil {
		g.Go(func() error {
			return a.runStream(gctx)
		})
	}

	if a.subs != nil {
		g.Go(func() error {
			return a.runWebhook(gctx)
		})
	}

	return g.Wait()
}

func (a *app) runStream(ctx context.Context) error {
	if err := a.client.Connect(ctx, a.conn, a.fan.Handle); err != nil {
		return fmt.Errorf("stream connect: %w", err)
	}
	a.logger.Info("stream subscribed",
		"chain", a.chain,
		"account", a.conn.Account,
		"message_id", a.client.Identity().MessageID,
	)

	select {
	case <-ctx.Done():
		a.client.Disconnect()
		return nil
	case err := <-a.terminal:
		a.client.Disconnect()
		return fmt.Errorf("stream stopped: %w", err)
	}
}

func (a *app) runWebhook(ctx context.Context) error {
	if err := a.subs.Load(ctx); err != nil {
		return err
	}
	if err := a.subs.Watch(ctx); err != nil {
		return fmt.Errorf("watch registry: %w", err)
	}

	id, err := a.subs.CreateForAccount(ctx, a.conn.Account, a.chain, a.conn.Credential)
	if err != nil {
		return err
	}
	a.logger.Info("webhook active", "chain", a.chain, "subscription_id", id)

	<-ctx.Done()

	if a.cleanupOnExit {
		cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := a.subs.DeleteForChain(cctx, a.chain, a.conn.Credential); err != nil {
			a.logger.Warn("webhook cleanup failed", "chain", a.chain, "error", err)
		}
	}
	a.subs.Close()
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
