package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

// ErrNoDelivery is returned by Send when every connected client failed.
var ErrNoDelivery = errors.New("event not delivered to any client")

// Manager tracks connected clients and broadcasts events to them.
type Manager struct {
	mu             sync.RWMutex
	destinations   map[string]*Destination
	allowedOrigins []string
	upgrader       websocket.Upgrader
	logger         *slog.Logger

	totalConnections  int64
	messagesDelivered int64
	deliveryErrors    int64
}

type ManagerConfig struct {
	// AllowedOrigins limits browser origins; empty allows all.
	AllowedOrigins []string

	Logger *slog.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		destinations:   make(map[string]*Destination),
		allowedOrigins: cfg.AllowedOrigins,
		logger:         cfg.Logger.With("component", "websocket-manager"),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	if len(m.allowedOrigins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range m.allowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
		// "*.example.com"
		if strings.HasPrefix(allowed, "*.") &&
			strings.HasSuffix(strings.ToLower(origin), strings.ToLower(allowed[1:])) {
			return true
		}
	}

	m.logger.Warn("websocket connection rejected: origin not allowed",
		"origin", origin,
		"allowed_origins", m.allowedOrigins,
	)
	return false
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	clientID := uuid.NewString()
	dest := m.HandleConnection(clientID, conn, map[string]string{
		"user_agent": r.UserAgent(),
	})
	dest.sendControlMessage(MessageConnected, map[string]string{"client_id": clientID})
	dest.Run(r.Context())
}

// HandleConnection registers conn under clientID. The caller runs the returned
// destination's pumps.
func (m *Manager) HandleConnection(clientID string, conn *websocket.Conn, metadata map[string]string) *Destination {
	dest := NewDestination(DestinationConfig{
		ID:             clientID,
		Conn:           conn,
		SendBufferSize: 256,
		Metadata:       metadata,
		OnClose:        m.handleDisconnect,
	})

	m.Register(dest)

	m.logger.Info("client connected",
		"client_id", clientID,
		"remote_addr", conn.RemoteAddr().String(),
	)

	return dest
}

// handleDisconnect runs from Destination.Close, which may be called while the
// manager lock is held.
func (m *Manager) handleDisconnect(clientID string) {
	go func() {
		m.mu.Lock()
		delete(m.destinations, clientID)
		m.mu.Unlock()

		m.logger.Info("client disconnected", "client_id", clientID)
	}()
}

func (m *Manager) Get(clientID string) (*Destination, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dest, ok := m.destinations[clientID]
	if !ok || dest.IsClosed() {
		return nil, false
	}
	return dest, true
}

// Register adds dest, replacing and closing any destination with the same id.
func (m *Manager) Register(dest *Destination) {
	m.mu.Lock()
	existing, hasExisting := m.destinations[dest.ID()]
	m.destinations[dest.ID()] = dest
	m.totalConnections++
	m.mu.Unlock()

	if hasExisting && existing != dest {
		existing.detach()
		existing.Close()
	}
}

func (m *Manager) Unregister(clientID string) {
	m.mu.Lock()
	dest, ok := m.destinations[clientID]
	if ok {
		delete(m.destinations, clientID)
	}
	m.mu.Unlock()

	if ok {
		dest.Close()
	}
}

func (m *Manager) All() map[string]*Destination {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*Destination, len(m.destinations))
	for k, v := range m.destinations {
		if !v.IsClosed() {
			result[k] = v
		}
	}
	return result
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.destinations)
}

type ManagerStats struct {
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	MessagesDelivered int64 `json:"messages_delivered"`
	DeliveryErrors    int64 `json:"delivery_errors"`
}

func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		TotalConnections:  m.totalConnections,
		ActiveConnections: int64(len(m.destinations)),
		MessagesDelivered: m.messagesDelivered,
		DeliveryErrors:    m.deliveryErrors,
	}
}

// BroadcastResult counts per-client outcomes of one broadcast.
type BroadcastResult struct {
	Delivered int
	Failed    int
}

// Broadcast queues ev for every connected client.
func (m *Manager) Broadcast(ctx context.Context, ev protov1.StreamEvent) BroadcastResult {
	var res BroadcastResult
	for id, dest := range m.All() {
		if err := dest.Send(ctx, ev); err != nil {
			res.Failed++
			m.logger.Debug("client delivery failed", "client_id", id, "error", err)
			continue
		}
		res.Delivered++
	}

	m.mu.Lock()
	m.messagesDelivered += int64(res.Delivered)
	m.deliveryErrors += int64(res.Failed)
	m.mu.Unlock()

	if res.Delivered+res.Failed > 0 {
		m.logger.Debug("event broadcast",
			"hash", ev.Hash,
			"successful", res.Delivered,
			"failed", res.Failed,
		)
	}
	return res
}

// Name identifies the hub as a fan-out sink.
func (m *Manager) Name() string { return "websocket" }

// Send broadcasts ev. Having no clients is not an error.
func (m *Manager) Send(ctx context.Context, ev protov1.StreamEvent) error {
	res := m.Broadcast(ctx, ev)
	if res.Delivered == 0 && res.Failed > 0 {
		return ErrNoDelivery
	}
	return nil
}

// Close disconnects every client.
func (m *Manager) Close() error {
	m.mu.Lock()
	dests := make([]*Destination, 0, len(m.destinations))
	for _, dest := range m.destinations {
		dests = append(dests, dest)
	}
	m.destinations = make(map[string]*Destination)
	m.mu.Unlock()

	for _, dest := range dests {
		dest.Close()
	}
	return nil
}

// shutdownTimeout bounds how long Shutdown waits for clients to drain.
const shutdownTimeout = 5 * time.Second

// Shutdown closes every client once ctx is done.
func (m *Manager) Shutdown(ctx context.Context) {
	<-ctx.Done()
	deadline, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-deadline.Done():
		m.logger.Warn("websocket shutdown timed out")
	}
}
