package socketio

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Names of the lifecycle frames a Conn synthesizes from transport packets.
const (
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventDisconnect   = "disconnect"
)

// Disconnect reasons, matching the ones reported by the reference clients.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
)

const writeWait = 10 * time.Second

// Frame is one inbound event on the connection's namespace. Lifecycle
// transitions are delivered as frames named EventConnect, EventConnectError
// and EventDisconnect; the disconnect frame carries the reason as its only
// argument and is always the last frame before Frames is closed.
type Frame struct {
	Name string
	Args []json.RawMessage
}

// Conn is a Socket.IO connection bound to a single namespace.
type Conn struct {
	ws        *websocket.Conn
	namespace string
	sid       string
	readWait  time.Duration
	logger    *slog.Logger

	writeMu sync.Mutex

	frames    chan Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, namespace string, open openPayload, logger *slog.Logger) *Conn {
	readWait := time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
	if readWait <= 0 {
		readWait = 45 * time.Second
	}
	return &Conn{
		ws:        ws,
		namespace: namespace,
		sid:       open.SID,
		readWait:  readWait,
		logger:    logger,
		frames:    make(chan Frame, 16),
		closed:    make(chan struct{}),
	}
}

// SID returns the Engine.IO session id.
func (c *Conn) SID() string {
	return c.sid
}

func (c *Conn) Namespace() string {
	return c.namespace
}

// Frames returns the inbound frame stream. It is closed when the connection ends.
func (c *Conn) Frames() <-chan Frame {
	return c.frames
}

// Emit sends an event with JSON-encodable arguments.
func (c *Conn) Emit(event string, args ...any) error {
	if c.isClosed() {
		return ErrClosed
	}
	data, err := EncodeEvent(event, args...)
	if err != nil {
		return err
	}
	return c.writePacket(Packet{Type: PacketEvent, Namespace: c.namespace, Data: data})
}

// Close leaves the namespace and closes the transport. No disconnect frame is
// delivered for a locally closed connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.writePacket(Packet{Type: PacketDisconnect, Namespace: c.namespace})
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) writePacket(p Packet) error {
	return c.writeEngine(engineMessage, p.Encode())
}

func (c *Conn) writeEngine(typ byte, payload string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, append([]byte{typ}, payload...))
}

// connect sends the namespace CONNECT packet carrying the auth payload.
func (c *Conn) connect(auth any) error {
	var data json.RawMessage
	if auth != nil {
		raw, err := json.Marshal(auth)
		if err != nil {
			return err
		}
		data = raw
	}
	return c.writePacket(Packet{Type: PacketConnect, Namespace: c.namespace, Data: data})
}

func (c *Conn) readLoop() {
	defer close(c.frames)

	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readWait))
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			reason := ReasonTransportError
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				reason = ReasonPingTimeout
			} else if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = ReasonTransportClose
			}
			c.logger.Debug("socket read ended", "reason", reason, "error", err)
			c.deliverDisconnect(reason)
			return
		}

		if reason, done := c.handleEngine(msg); done {
			c.deliverDisconnect(reason)
			c.ws.Close()
			return
		}
	}
}

// handleEngine processes one Engine.IO message and reports whether the
// connection ended.
func (c *Conn) handleEngine(msg []byte) (string, bool) {
	if len(msg) == 0 {
		return "", false
	}

	switch msg[0] {
	case enginePing:
		if err := c.writeEngine(enginePong, string(msg[1:])); err != nil {
			c.logger.Warn("failed to answer ping", "error", err)
		}
	case engineClose:
		return ReasonTransportClose, true
	case engineMessage:
		return c.handlePacket(string(msg[1:]))
	case enginePong, engineNoop, engineUpgrade, engineOpen:
	default:
		c.logger.Debug("unknown engine packet", "type", string(msg[0]))
	}
	return "", false
}

func (c *Conn) handlePacket(raw string) (string, bool) {
	p, err := DecodePacket(raw)
	if err != nil {
		c.logger.Warn("dropping packet", "error", err)
		return "", false
	}
	if p.Namespace != c.namespace {
		return "", false
	}

	switch p.Type {
	case PacketConnect:
		c.deliver(Frame{Name: EventConnect, Args: optionalArg(p.Data)})
	case PacketConnectError:
		c.deliver(Frame{Name: EventConnectError, Args: optionalArg(p.Data)})
	case PacketDisconnect:
		return ReasonServerDisconnect, true
	case PacketEvent:
		name, args, err := DecodeEvent(p.Data)
		if err != nil {
			c.logger.Warn("dropping event", "error", err)
			return "", false
		}
		c.deliver(Frame{Name: name, Args: args})
	case PacketAck:
		c.logger.Debug("ignoring ack packet")
	}
	return "", false
}

func (c *Conn) deliver(f Frame) {
	select {
	case c.frames <- f:
	case <-c.closed:
	}
}

func (c *Conn) deliverDisconnect(reason string) {
	arg, _ := json.Marshal(reason)
	c.deliver(Frame{Name: EventDisconnect, Args: []json.RawMessage{arg}})
}

func optionalArg(data json.RawMessage) []json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	return []json.RawMessage{data}
}
