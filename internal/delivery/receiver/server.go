// Package receiver is the inbound HTTP side of webhook delivery. The webhook
// dispatcher posts address events here; they are normalized and appended to
// the polling store, where the poll loop picks them up.
package receiver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marko911/pulse-notify/internal/delivery/subscription"
	"github.com/marko911/pulse-notify/internal/processor"
	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

const (
	DefaultListenAddr   = ":8080"
	DefaultMaxBodyBytes = 1 << 20

	shutdownTimeout = 10 * time.Second
)

type EventStore interface {
	AppendFor(ctx context.Context, subscriptionID string, ev protov1.StreamEvent) error
	Events(ctx context.Context) ([]protov1.StreamEvent, error)
}

type Registry interface {
	Match(ev protov1.StreamEvent) []subscription.Record
	List() []subscription.Record
}

type Config struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// Server wires the HTTP routes. Hub may be nil, in which case /ws is not served.
type Server struct {
	cfg        Config
	normalizer *processor.Normalizer
	store      EventStore
	registry   Registry
	hub        http.Handler
	logger     *slog.Logger
}

func NewServer(cfg Config, normalizer *processor.Normalizer, store EventStore, registry Registry, hub http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{
		cfg:        cfg,
		normalizer: normalizer,
		store:      store,
		registry:   registry,
		hub:        hub,
		logger:     logger.With("component", "receiver"),
	}
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.loggingMiddleware())

	r.GET("/healthz", s.handleHealth)
	r.POST("/webhooks/events", s.handleEvents)
	r.GET("/events", s.handleListEvents)
	r.GET("/subscriptions", s.handleListSubscriptions)
	if s.hub != nil {
		r.GET("/ws", gin.WrapH(s.hub))
	}
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// deliveryEnvelope picks the subscription id out of a dispatcher payload.
type deliveryEnvelope struct {
	SubscriptionID string `json:"subscriptionId"`
}

func (s *Server) handleEvents(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}

	payloads, err := splitPayloads(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	accepted, rejected := 0, 0
	for _, raw := range payloads {
		ev, err := s.normalizer.Normalize(raw)
		if err != nil {
			rejected++
			s.logger.Debug("payload rejected", "error", err)
			continue
		}

		if err := s.store.AppendFor(ctx, s.subscriptionFor(raw, ev), ev); err != nil {
			s.logger.Error("append failed", "hash", ev.Hash, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
			return
		}
		accepted++
	}

	if accepted == 0 && rejected > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"accepted": 0, "rejected": rejected})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted, "rejected": rejected})
}

// subscriptionFor prefers the id the dispatcher sent, then the registry entry
// watching one of the event's addresses.
func (s *Server) subscriptionFor(raw json.RawMessage, ev protov1.StreamEvent) string {
	var env deliveryEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.SubscriptionID != "" {
		return env.SubscriptionID
	}
	if s.registry != nil {
		if matches := s.registry.Match(ev); len(matches) > 0 {
			return matches[0].SubscriptionID
		}
	}
	return ""
}

func splitPayloads(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] != '[' {
		return []json.RawMessage{body}, nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode payload list: %w", err)
	}
	return list, nil
}

func (s *Server) handleListEvents(c *gin.Context) {
	events, err := s.store.Events(c.Request.Context())
	if err != nil {
		s.logger.Error("list events failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	if events == nil {
		events = []protov1.StreamEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (s *Server) handleListSubscriptions(c *gin.Context) {
	records := []subscription.Record{}
	if s.registry != nil {
		records = append(records, s.registry.List()...)
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": records, "count": len(records)})
}
