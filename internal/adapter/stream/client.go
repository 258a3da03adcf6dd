// Package stream keeps a live address-activity subscription over Socket.IO.
//
// A Client walks Connecting -> AwaitingSubscriptionAck -> Subscribed. The
// subscription request is emitted only after the server acknowledges the
// connection with subscription_connected. Transport loss once the socket is
// connected is retried with exponential backoff, during the handshake as well
// as after it; a server-side subscription_error is never retried.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/marko911/pulse-notify/internal/adapter"
	"github.com/marko911/pulse-notify/internal/adapter/socketio"
	"github.com/marko911/pulse-notify/internal/processor"
)

const (
	DefaultURL              = "wss://web3.nodit.io/v1/websocket"
	DefaultPath             = "/v1/websocket/"
	DefaultHandshakeTimeout = 10 * time.Second
)

var errTransportClosed = errors.New("transport closed")

// Transport is one open Socket.IO connection.
type Transport interface {
	Frames() <-chan socketio.Frame
	Emit(event string, args ...any) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, req socketio.DialRequest) (Transport, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context, req socketio.DialRequest) (Transport, error)

func (f DialFunc) Dial(ctx context.Context, req socketio.DialRequest) (Transport, error) {
	return f(ctx, req)
}

// SocketIODialer returns a Dialer backed by a socketio.Dialer.
func SocketIODialer(d *socketio.Dialer) Dialer {
	return DialFunc(func(ctx context.Context, req socketio.DialRequest) (Transport, error) {
		conn, err := d.Dial(ctx, req)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

type ClientConfig struct {
	URL  string
	Path string

	// HandshakeTimeout bounds dial through the emitted subscription, for the
	// initial connect and for every reconnect attempt.
	HandshakeTimeout time.Duration

	Reconnect ReconnectPolicy

	// IsInstant is forwarded in the subscription params when set.
	IsInstant bool

	InsecureSkipVerify bool

	// Dialer overrides the Socket.IO dialer, mainly for tests.
	Dialer Dialer

	Normalizer *processor.Normalizer

	// OnTerminal is called once the client gives up: after the reconnect
	// budget is spent or when the server rejects the subscription after
	// Connect has returned.
	OnTerminal func(error)

	Logger *slog.Logger
}

// Info is a snapshot of the client state.
type Info struct {
	Connected bool   `json:"connected"`
	MessageID string `json:"messageId"`
	State     State  `json:"state"`
	Attempts  int    `json:"attempts"`
}

// Client owns one stream connection. It is safe for concurrent use.
type Client struct {
	cfg      ClientConfig
	identity SubscriptionIdentity
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	attempts int
	conn     adapter.ConnectionConfig
	protocol *SubscriptionProtocol
	onEvent  adapter.EventHandler

	// gen increments whenever a session starts or the client is
	// disconnected; timers and frames from older generations are ignored.
	gen            uint64
	sess           *session
	reconnectTimer *time.Timer

	// waiter is the Connect call still waiting for the first subscription.
	waiter *connectWaiter
}

type session struct {
	gen       uint64
	transport Transport
	cancel    context.CancelFunc
	timer     *time.Timer
}

// connectWaiter carries the result of one Connect call. Its deadline runs from
// the first dial and spans any reconnects made during the handshake.
type connectWaiter struct {
	done  chan error
	timer *time.Timer
}

func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	cfg.Reconnect = cfg.Reconnect.withDefaults()
	if cfg.Normalizer == nil {
		cfg.Normalizer = processor.NewNormalizer(logger)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = SocketIODialer(&socketio.Dialer{
			HandshakeTimeout:   cfg.HandshakeTimeout,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Logger:             logger,
		})
	}

	identity := NewSubscriptionIdentity()
	return &Client{
		cfg:      cfg,
		identity: identity,
		logger:   logger.With("component", "stream", "message_id", identity.MessageID),
	}
}

// Connect opens the stream and blocks until the subscription request has been
// emitted, the server rejects it, the handshake times out, the reconnect
// budget runs out or ctx is done. A failed first dial returns at once.
// Calling Connect on a subscribed client is a no-op.
func (c *Client) Connect(ctx context.Context, cfg adapter.ConnectionConfig, onEvent adapter.EventHandler) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if onEvent == nil {
		return ErrNoHandler
	}

	c.mu.Lock()
	switch c.state {
	case StateSubscribed:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateAwaitingSubscriptionAck, StateReconnecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	}

	c.conn = cfg
	c.onEvent = onEvent
	c.protocol = NewSubscriptionProtocol(c.identity, cfg, c.cfg.IsInstant)
	c.attempts = 0

	c.logger.Info("connecting",
		"url", c.cfg.URL,
		"protocol", cfg.Protocol,
		"network", cfg.Network,
		"account", cfg.Account,
		"credential", adapter.MaskCredential(cfg.Credential),
	)

	w := &connectWaiter{done: make(chan error, 1)}
	w.timer = time.AfterFunc(c.cfg.HandshakeTimeout, func() { c.connectExpired(w) })
	c.waiter = w
	c.startSessionLocked()
	c.mu.Unlock()

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
	}

	c.mu.Lock()
	if c.waiter == w {
		c.releaseWaiterLocked()
		t := c.stopLocked()
		c.mu.Unlock()
		c.closeTransport(t)
		return ctx.Err()
	}
	c.mu.Unlock()

	// The handshake settled concurrently with cancellation.
	return <-w.done
}

// Disconnect closes the stream and cancels any pending reconnect. It is
// idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	w := c.releaseWaiterLocked()
	wasState := c.state
	t := c.stopLocked()
	c.mu.Unlock()

	c.closeTransport(t)
	if w != nil {
		w.done <- ErrDisconnected
	}
	if wasState != StateDisconnected {
		c.logger.Info("disconnected", "previous_state", wasState)
	}
}

// IsConnected reports whether the subscription is active.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateSubscribed
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Identity() SubscriptionIdentity {
	return c.identity
}

func (c *Client) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		Connected: c.state == StateSubscribed,
		MessageID: c.identity.MessageID,
		State:     c.state,
		Attempts:  c.attempts,
	}
}

func (c *Client) dialRequestLocked() socketio.DialRequest {
	return socketio.DialRequest{
		URL:  c.cfg.URL,
		Path: c.cfg.Path,
		Query: url.Values{
			"protocol": {c.conn.Protocol},
			"network":  {c.conn.Network},
		},
		Auth: map[string]string{"apiKey": c.conn.Credential},
	}
}

func (c *Client) startSessionLocked() {
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{gen: c.gen, cancel: cancel}
	c.sess = s
	c.state = StateConnecting
	s.timer = time.AfterFunc(c.cfg.HandshakeTimeout, func() { c.handshakeExpired(s) })

	go c.run(ctx, s, c.dialRequestLocked())
}

// teardownLocked detaches the current session and returns its transport, which
// the caller closes after releasing c.mu. It does not touch the state.
func (c *Client) teardownLocked() Transport {
	s := c.sess
	if s == nil {
		return nil
	}
	c.sess = nil
	s.timer.Stop()
	s.cancel()
	return s.transport
}

// stopLocked ends the session and any pending reconnect.
func (c *Client) stopLocked() Transport {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.gen++
	t := c.teardownLocked()
	c.state = StateDisconnected
	c.attempts = 0
	return t
}

func (c *Client) releaseWaiterLocked() *connectWaiter {
	w := c.waiter
	if w != nil {
		c.waiter = nil
		w.timer.Stop()
	}
	return w
}

func (c *Client) closeTransport(t Transport) {
	if t == nil {
		return
	}
	if err := t.Close(); err != nil {
		c.logger.Debug("transport close", "error", err)
	}
}

func (c *Client) run(ctx context.Context, s *session, req socketio.DialRequest) {
	t, err := c.cfg.Dialer.Dial(ctx, req)
	if err != nil {
		c.sessionLost(s, &ConnectError{Kind: KindTransport, Cause: err})
		return
	}

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		t.Close()
		return
	}
	s.transport = t
	c.mu.Unlock()

	for frame := range t.Frames() {
		c.handleFrame(s, frame)
	}
	c.sessionLost(s, &ConnectError{Kind: KindTransport, Cause: errTransportClosed})
}

func (c *Client) handleFrame(s *session, f socketio.Frame) {
	switch f.Name {
	case socketio.EventConnect:
		c.mu.Lock()
		if c.sess == s && c.state == StateConnecting {
			c.state = StateAwaitingSubscriptionAck
			c.logger.Debug("socket connected, awaiting subscription ack")
		}
		c.mu.Unlock()

	case EventSubscriptionRegistered:
		c.logger.Debug("subscription registered", "payload", argString(f.Args))

	case EventSubscriptionConnected:
		c.onSubscriptionConnected(s)

	case EventSubscriptionError:
		c.onSubscriptionError(s, argString(f.Args))

	case EventSubscriptionEvent:
		c.onSubscriptionEvent(s, f.Args)

	case socketio.EventConnectError:
		c.sessionLost(s, &ConnectError{Kind: KindTransport, Message: argString(f.Args)})

	case socketio.EventDisconnect:
		reason := argString(f.Args)
		c.sessionLost(s, &ConnectError{Kind: KindTransport, Message: reason, Cause: errTransportClosed})

	default:
		c.logger.Debug("ignoring frame", "event", f.Name)
	}
}

func (c *Client) onSubscriptionConnected(s *session) {
	c.mu.Lock()
	if c.sess != s || c.state != StateAwaitingSubscriptionAck {
		c.mu.Unlock()
		c.logger.Debug("ignoring subscription ack outside handshake")
		return
	}

	args, err := c.protocol.Args()
	if err == nil {
		err = s.transport.Emit(EventSubscription, args...)
	}
	if err != nil {
		c.failSessionLocked(s, &ConnectError{Kind: KindTransport, Cause: err})
		return
	}

	s.timer.Stop()
	c.state = StateSubscribed
	reconnected := c.attempts > 0
	c.attempts = 0
	w := c.releaseWaiterLocked()
	c.mu.Unlock()

	if reconnected {
		c.logger.Info("resubscribed after reconnect")
	} else {
		c.logger.Info("subscribed")
	}
	if w != nil {
		w.done <- nil
	}
}

func (c *Client) onSubscriptionError(s *session, reason string) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	err := &ConnectError{Kind: KindRejected, Message: reason}
	w := c.releaseWaiterLocked()
	t := c.stopLocked()
	c.mu.Unlock()

	c.closeTransport(t)
	c.logger.Error("subscription rejected", "reason", reason)
	if w != nil {
		w.done <- err
		return
	}
	c.notifyTerminal(err)
}

func (c *Client) onSubscriptionEvent(s *session, args []json.RawMessage) {
	c.mu.Lock()
	if c.sess != s || c.state != StateSubscribed {
		c.mu.Unlock()
		return
	}
	handler := c.onEvent
	c.mu.Unlock()

	if len(args) == 0 {
		c.logger.Warn("subscription event without payload")
		return
	}
	ev, err := c.cfg.Normalizer.Normalize(args[0])
	if err != nil {
		// the normalizer already warned about address-less events
		if !errors.Is(err, processor.ErrNoAddress) {
			c.logger.Warn("dropping event", "error", err)
		}
		return
	}
	handler(ev)
}

// connectExpired fails a Connect call that saw no subscription ack within the
// handshake timeout, whatever reconnects happened in between.
func (c *Client) connectExpired(w *connectWaiter) {
	c.mu.Lock()
	if c.waiter != w {
		c.mu.Unlock()
		return
	}
	c.waiter = nil
	state := c.state
	t := c.stopLocked()
	c.mu.Unlock()

	c.closeTransport(t)
	c.logger.Warn("handshake timed out", "timeout", c.cfg.HandshakeTimeout, "state", state)
	w.done <- &ConnectError{Kind: KindTimeout, Cause: fmt.Errorf("no subscription ack within %s", c.cfg.HandshakeTimeout)}
}

func (c *Client) handshakeExpired(s *session) {
	c.mu.Lock()
	if c.sess != s || c.state == StateSubscribed {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("handshake timed out", "timeout", c.cfg.HandshakeTimeout, "state", c.state)
	c.failSessionLocked(s, &ConnectError{Kind: KindTimeout, Cause: fmt.Errorf("no subscription ack within %s", c.cfg.HandshakeTimeout)})
}

func (c *Client) sessionLost(s *session, err error) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("connection lost", "state", c.state, "error", err)
	c.failSessionLocked(s, err)
}

// failSessionLocked ends session s and schedules a reconnect. A waiting
// Connect fails instead when its first dial never reached the socket connect
// or when err is a handshake timeout. It releases c.mu.
func (c *Client) failSessionLocked(s *session, err error) {
	state := c.state
	t := c.teardownLocked()

	firstDial := state == StateConnecting && c.attempts == 0
	if c.waiter != nil && (firstDial || errors.Is(err, ErrHandshakeTimeout)) {
		w := c.releaseWaiterLocked()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.closeTransport(t)
		w.done <- err
		return
	}

	terminal := c.scheduleReconnectLocked()
	var w *connectWaiter
	if terminal != nil {
		w = c.releaseWaiterLocked()
	}
	c.mu.Unlock()
	c.closeTransport(t)

	switch {
	case terminal == nil:
	case w != nil:
		w.done <- terminal
	default:
		c.notifyTerminal(terminal)
	}
}

func (c *Client) scheduleReconnectLocked() error {
	policy := c.cfg.Reconnect
	if policy.Exhausted(c.attempts) {
		c.state = StateDisconnected
		c.gen++
		c.logger.Error("giving up reconnecting", "attempts", c.attempts)
		return &ConnectError{Kind: KindMaxRetries, Cause: fmt.Errorf("%d reconnect attempts failed", c.attempts)}
	}

	c.attempts++
	delay := policy.Delay(c.attempts)
	c.state = StateReconnecting
	gen := c.gen
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(gen) })

	c.logger.Info("scheduling reconnect",
		"attempt", c.attempts,
		"max_attempts", policy.MaxAttempts,
		"delay", delay,
	)
	return nil
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen || c.state != StateReconnecting {
		return
	}
	c.reconnectTimer = nil
	c.startSessionLocked()
}

func (c *Client) notifyTerminal(err error) {
	if c.cfg.OnTerminal != nil {
		c.cfg.OnTerminal(err)
	}
}

// argString renders the first frame argument: JSON strings are unquoted,
// objects with a "message" field yield that field, anything else is returned raw.
func argString(args []json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(args[0], &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(args[0], &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(args[0])
}
