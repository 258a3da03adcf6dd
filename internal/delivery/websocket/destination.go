// Package websocket pushes normalized address events to locally connected
// WebSocket clients. Every client receives every event.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

const (
	MessageEvent     = "event"
	MessageConnected = "connected"
	MessagePong      = "pong"
	MessageError     = "error"
)

var (
	ErrDestinationClosed = errors.New("destination closed")
	ErrSendBufferFull    = errors.New("send buffer full")
)

// Destination wraps one client connection.
type Destination struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	mu       sync.RWMutex
	closed   bool
	metadata map[string]string

	onClose func(id string)
}

type DestinationConfig struct {
	ID   string
	Conn *websocket.Conn

	// SendBufferSize is the channel buffer size for outgoing messages.
	SendBufferSize int

	Metadata map[string]string

	// OnClose is called once when the connection closes.
	OnClose func(id string)
}

func NewDestination(cfg DestinationConfig) *Destination {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}

	return &Destination{
		id:       cfg.ID,
		conn:     cfg.Conn,
		send:     make(chan []byte, cfg.SendBufferSize),
		done:     make(chan struct{}),
		metadata: cfg.Metadata,
		onClose:  cfg.OnClose,
	}
}

func (d *Destination) ID() string {
	return d.id
}

func (d *Destination) Metadata() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.metadata
}

// Send queues an event for the client. It never blocks on a slow client: a
// full buffer drops the message and returns ErrSendBufferFull.
func (d *Destination) Send(ctx context.Context, event protov1.StreamEvent) error {
	msg, err := marshalEvent(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return d.enqueue(ctx, msg)
}

func (d *Destination) enqueue(ctx context.Context, msg []byte) error {
	if d.IsClosed() {
		return ErrDestinationClosed
	}

	select {
	case d.send <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrDestinationClosed
	default:
		return fmt.Errorf("%w for client %s", ErrSendBufferFull, d.id)
	}
}

// Close releases the connection. Only the first call has any effect.
func (d *Destination) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	onClose := d.onClose
	d.mu.Unlock()

	close(d.done)

	if onClose != nil {
		onClose(d.id)
	}

	return d.conn.Close()
}

// detach drops the close callback so a replaced destination does not
// unregister its successor.
func (d *Destination) detach() {
	d.mu.Lock()
	d.onClose = nil
	d.mu.Unlock()
}

func (d *Destination) IsClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// Run starts the write pump and blocks in the read pump until the client goes away.
func (d *Destination) Run(ctx context.Context) {
	go d.writePump(ctx)
	d.readPump(ctx)
}

func (d *Destination) readPump(ctx context.Context) {
	defer d.Close()

	d.conn.SetReadLimit(maxMessageSize)
	d.conn.SetReadDeadline(time.Now().Add(pongWait))
	d.conn.SetPongHandler(func(string) error {
		d.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		default:
		}

		_, message, err := d.conn.ReadMessage()
		if err != nil {
			return
		}

		d.handleMessage(message)
	}
}

func (d *Destination) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		d.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return

		case message := <-d.send:
			d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := d.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := d.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (d *Destination) handleMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		d.sendControlMessage(MessageError, map[string]string{"code": "invalid_message"})
		return
	}

	switch msg.Type {
	case "ping":
		d.sendControlMessage(MessagePong, nil)
	case "heartbeat":
	}
}

func (d *Destination) sendControlMessage(msgType string, data any) {
	msg := ServerMessage{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if b, err := json.Marshal(msg); err == nil {
		select {
		case d.send <- b:
		default:
		}
	}
}

func marshalEvent(event protov1.StreamEvent) ([]byte, error) {
	return json.Marshal(ServerMessage{
		Type:      MessageEvent,
		Timestamp: time.Now().UTC(),
		Data:      event,
	})
}

// ClientMessage is an inbound message from a client.
type ClientMessage struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is an outbound message to a client.
type ServerMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}
