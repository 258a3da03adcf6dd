package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marko911/pulse-notify/internal/adapter"
	"github.com/marko911/pulse-notify/internal/adapter/socketio"
	"github.com/marko911/pulse-notify/internal/processor"
	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

var testNow = time.Unix(1_700_000_000, 0)

var testConn = adapter.ConnectionConfig{
	Account:    "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
	Protocol:   "ethereum",
	Network:    "mainnet",
	Credential: "test-api-key-123",
}

type emitted struct {
	event string
	args  []any
}

type fakeTransport struct {
	mu      sync.Mutex
	frames  chan socketio.Frame
	emits   []emitted
	closed  bool
	emitErr error

	// blockClose, when set, holds Close until it is closed.
	blockClose chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan socketio.Frame, 16)}
}

func (f *fakeTransport) Frames() <-chan socketio.Frame { return f.frames }

func (f *fakeTransport) Emit(event string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emits = append(f.emits, emitted{event: event, args: args})
	return nil
}

func (f *fakeTransport) Close() error {
	if f.blockClose != nil {
		<-f.blockClose
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.frames)
	}
	return nil
}

func (f *fakeTransport) send(name string, args ...string) {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw[i] = json.RawMessage(a)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.frames <- socketio.Frame{Name: name, Args: raw}
}

func (f *fakeTransport) Emitted() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emits...)
}

func (f *fakeTransport) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu    sync.Mutex
	reqs  []socketio.DialRequest
	fail  error
	conns chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, req socketio.DialRequest) (Transport, error) {
	d.mu.Lock()
	d.reqs = append(d.reqs, req)
	fail := d.fail
	d.mu.Unlock()

	if fail != nil {
		return nil, fail
	}
	t := newFakeTransport()
	d.conns <- t
	return t, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reqs)
}

func (d *fakeDialer) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-d.conns:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("no dial happened")
		return nil
	}
}

func newTestClient(d Dialer, mutate func(*ClientConfig)) *Client {
	cfg := ClientConfig{
		Dialer:           d,
		HandshakeTimeout: time.Second,
		Reconnect:        ReconnectPolicy{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxAttempts: 5},
		Normalizer:       processor.NewNormalizer(nil, processor.WithClock(func() time.Time { return testNow })),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewClient(cfg)
}

// connectAsync starts Connect in the background and returns its result channel.
func connectAsync(c *Client, onEvent adapter.EventHandler) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background(), testConn, onEvent) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("connect did not return")
		return nil
	}
}

func subscribe(t *testing.T, c *Client, d *fakeDialer, onEvent adapter.EventHandler) *fakeTransport {
	t.Helper()
	errc := connectAsync(c, onEvent)
	tr := d.next(t)
	tr.send(socketio.EventConnect)
	tr.send(EventSubscriptionConnected)
	require.NoError(t, waitErr(t, errc))
	return tr
}

func TestClient_EndToEnd(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, nil)
	defer c.Disconnect()

	events := make(chan protov1.StreamEvent, 1)
	errc := connectAsync(c, func(ev protov1.StreamEvent) { events <- ev })

	tr := d.next(t)
	tr.send(socketio.EventConnect)
	tr.send(EventSubscriptionRegistered, `{"messageId":"x"}`)
	tr.send(EventSubscriptionConnected)
	require.NoError(t, waitErr(t, errc))
	assert.True(t, c.IsConnected())
	assert.Equal(t, StateSubscribed, c.State())

	req := d.reqs[0]
	assert.Equal(t, DefaultURL, req.URL)
	assert.Equal(t, DefaultPath, req.Path)
	assert.Equal(t, "ethereum", req.Query.Get("protocol"))
	assert.Equal(t, "mainnet", req.Query.Get("network"))
	assert.Equal(t, map[string]string{"apiKey": "test-api-key-123"}, req.Auth)

	emits := tr.Emitted()
	require.Len(t, emits, 1)
	assert.Equal(t, EventSubscription, emits[0].event)
	require.Len(t, emits[0].args, 3)
	assert.Equal(t, c.Identity().MessageID, emits[0].args[0])
	assert.Equal(t, "ADDRESS_ACTIVITY", emits[0].args[1])
	assert.JSONEq(t,
		`{"description":"Monitoring address activity for 0x742d35Cc6634C0532925a3b844Bc454e4438f44e","condition":{"addresses":["0x742d35Cc6634C0532925a3b844Bc454e4438f44e"]}}`,
		emits[0].args[2].(string))

	tr.send(EventSubscriptionEvent, `{"transaction":{"from":"0x1","to":"0x2","value":"100","hash":"0xabc"}}`)

	select {
	case ev := <-events:
		assert.Equal(t, protov1.StreamEvent{
			From:      "0x1",
			To:        "0x2",
			Value:     "100",
			Hash:      "0xabc",
			Status:    protov1.EventStatusConfirmed,
			Timestamp: testNow.Unix(),
		}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestClient_EmitGatedOnAck(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, nil)
	defer c.Disconnect()

	errc := connectAsync(c, func(protov1.StreamEvent) {})
	tr := d.next(t)

	// An ack before the socket connect is ignored.
	tr.send(EventSubscriptionConnected)
	tr.send(socketio.EventConnect)
	assert.Empty(t, tr.Emitted())

	tr.send(EventSubscriptionConnected)
	require.NoError(t, waitErr(t, errc))
	assert.Len(t, tr.Emitted(), 1)
}

func TestClient_IsConnectedOnlyWhenSubscribed(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, nil)
	defer c.Disconnect()

	errc := connectAsync(c, func(protov1.StreamEvent) {})
	tr := d.next(t)
	tr.send(socketio.EventConnect)

	require.Eventually(t, func() bool { return c.State() == StateAwaitingSubscriptionAck }, time.Second, 5*time.Millisecond)
	assert.False(t, c.IsConnected())

	tr.send(EventSubscriptionConnected)
	require.NoError(t, waitErr(t, errc))
	assert.True(t, c.IsConnected())
}

func TestClient_HandshakeTimeout(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, func(cfg *ClientConfig) { cfg.HandshakeTimeout = 50 * time.Millisecond })

	errc := connectAsync(c, func(protov1.StreamEvent) {})
	tr := d.next(t)
	tr.send(socketio.EventConnect)

	err := waitErr(t, errc)
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Equal(t, StateDisconnected, c.State())
	require.Eventually(t, tr.IsClosed, time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.Emitted())
}

func TestClient_SubscriptionRejected(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, nil)

	errc := connectAsync(c, func(protov1.StreamEvent) {})
	tr := d.next(t)
	tr.send(socketio.EventConnect)
	tr.send(EventSubscriptionError, `"invalid api key"`)

	err := waitErr(t, errc)
	require.ErrorIs(t, err, ErrSubscriptionRejected)
	var ce *ConnectError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "invalid api key", ce.Message)
	assert.Equal(t, StateDisconnected, c.State())

	// rejection is never retried
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
}

func TestClient_InitialDialFailure(t *testing.T) {
	d := newFakeDialer()
	d.setFail(errors.New("connection refused"))
	c := newTestClient(d, nil)

	err := c.Connect(context.Background(), testConn, func(protov1.StreamEvent) {})
	require.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 1, d.dials())
}

func TestClient_ConnectValidation(t *testing.T) {
	c := newTestClient(newFakeDialer(), nil)

	bad := testConn
	bad.Account = "not-an-address"
	assert.ErrorIs(t, c.Connect(context.Background(), bad, func(protov1.StreamEvent) {}), adapter.ErrInvalidConfig)
	assert.ErrorIs(t, c.Connect(context.Background(), testConn, nil), ErrNoHandler)
}

func TestClient_ConnectInProgressAndIdempotent(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, nil)
	defer c.Disconnect()

	errc := connectAsync(c, func(protov1.StreamEvent) {})
	tr := d.next(t)

	err := c.Connect(context.Background(), testConn, func(protov1.StreamEvent) {})
	assert.ErrorIs(t, err, ErrConnectInProgress)

	tr.send(socketio.EventConnect)
	tr.send(EventSubscriptionConnected)
	require.NoError(t, waitErr(t, errc))

	require.NoError(t, c.Connect(context.Background(), testConn, func(protov1.StreamEvent) {}))
	assert.Equal(t, 1, d.dials())
}

func TestClient_ContextCancelled(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Connect(ctx, testConn, func(protov1.StreamEvent) {}) }()

	tr := d.next(t)
	cancel()

	require.ErrorIs(t, waitErr(t, errc), context.Canceled)
	assert.Equal(t, StateDisconnected, c.State())
	require.Eventually(t, tr.IsClosed, time.Second, 5*time.Millisecond)
}

func TestClient_ReconnectResetsCounter(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, nil)
	defer c.Disconnect()

	tr := subscribe(t, c, d, func(protov1.StreamEvent) {})
	tr.send(socketio.EventDisconnect, `"transport close"`)

	tr2 := d.next(t)
	assert.Equal(t, 1, c.Info().Attempts)
	assert.False(t, c.IsConnected())

	tr2.send(socketio.EventConnect)
	tr2.send(EventSubscriptionConnected)

	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
	info := c.Info()
	assert.Equal(t, 0, info.Attempts)
	assert.Equal(t, StateSubscribed, info.State)

	// same identity on resubscription
	emits := tr2.Emitted()
	require.Len(t, emits, 1)
	assert.Equal(t, c.Identity().MessageID, emits[0].args[0])
	assert.Equal(t, tr.Emitted()[0].args, emits[0].args)
}

func TestClient_MaxRetriesExceeded(t *testing.T) {
	d := newFakeDialer()
	terminal := make(chan error, 1)
	c := newTestClient(d, func(cfg *ClientConfig) {
		cfg.OnTerminal = func(err error) { terminal <- err }
	})
	defer c.Disconnect()

	tr := subscribe(t, c, d, func(protov1.StreamEvent) {})
	d.setFail(errors.New("connection refused"))
	tr.send(socketio.EventDisconnect, `"transport close"`)

	select {
	case err := <-terminal:
		require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	case <-time.After(3 * time.Second):
		t.Fatal("no terminal error")
	}

	// one initial dial plus five reconnect attempts, and nothing after
	assert.Equal(t, 6, d.dials())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 6, d.dials())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_DisconnectCancelsPendingReconnect(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, func(cfg *ClientConfig) {
		cfg.Reconnect = ReconnectPolicy{BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 5}
	})

	tr := subscribe(t, c, d, func(protov1.StreamEvent) {})
	tr.send(socketio.EventDisconnect, `"transport close"`)

	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, time.Second, time.Millisecond)
	c.Disconnect()

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 0, c.Info().Attempts)
}

func TestClient_DisconnectIdempotent(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, nil)

	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	tr := subscribe(t, c, d, func(protov1.StreamEvent) {})
	c.Disconnect()
	c.Disconnect()
	assert.True(t, tr.IsClosed())
	assert.False(t, c.IsConnected())
}

func TestClient_RejectedAfterSubscribeIsTerminal(t *testing.T) {
	d := newFakeDialer()
	terminal := make(chan error, 1)
	c := newTestClient(d, func(cfg *ClientConfig) {
		cfg.OnTerminal = func(err error) { terminal <- err }
	})

	tr := subscribe(t, c, d, func(protov1.StreamEvent) {})
	tr.send(EventSubscriptionError, `{"message":"subscription expired"}`)

	select {
	case err := <-terminal:
		require.ErrorIs(t, err, ErrSubscriptionRejected)
		assert.Contains(t, err.Error(), "subscription expired")
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal error")
	}
	assert.Equal(t, 1, d.dials())
}

func TestClient_DropsUnnormalizableEvents(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, nil)
	defer c.Disconnect()

	events := make(chan protov1.StreamEvent, 2)
	tr := subscribe(t, c, d, func(ev protov1.StreamEvent) { events <- ev })

	tr.send(EventSubscriptionEvent, `{"value":"1"}`)
	tr.send(EventSubscriptionEvent, `{"from":"0x5","timestamp":1690000000}`)

	select {
	case ev := <-events:
		assert.Equal(t, "0x5", ev.From)
		assert.Equal(t, int64(1690000000), ev.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	assert.Empty(t, events)
}

func TestClient_DisconnectDuringHandshakeReconnects(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, nil)
	defer c.Disconnect()

	errc := connectAsync(c, func(protov1.StreamEvent) {})
	tr := d.next(t)
	tr.send(socketio.EventConnect)
	require.Eventually(t, func() bool { return c.State() == StateAwaitingSubscriptionAck }, time.Second, time.Millisecond)

	tr.send(socketio.EventDisconnect, `"transport close"`)

	tr2 := d.next(t)
	assert.Equal(t, 1, c.Info().Attempts)
	select {
	case err := <-errc:
		t.Fatalf("connect returned before the handshake settled: %v", err)
	default:
	}

	tr2.send(socketio.EventConnect)
	tr2.send(EventSubscriptionConnected)
	require.NoError(t, waitErr(t, errc))

	info := c.Info()
	assert.True(t, info.Connected)
	assert.Equal(t, 0, info.Attempts)
	assert.Len(t, tr2.Emitted(), 1)
	assert.Empty(t, tr.Emitted())
}

func TestClient_HandshakeDeadlineSpansReconnects(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, func(cfg *ClientConfig) { cfg.HandshakeTimeout = 100 * time.Millisecond })

	errc := connectAsync(c, func(protov1.StreamEvent) {})
	tr := d.next(t)
	tr.send(socketio.EventConnect)
	tr.send(socketio.EventDisconnect, `"transport close"`)

	// the reconnect never gets an ack
	tr2 := d.next(t)
	tr2.send(socketio.EventConnect)

	require.ErrorIs(t, waitErr(t, errc), ErrHandshakeTimeout)
	assert.Equal(t, StateDisconnected, c.State())
	require.Eventually(t, tr2.IsClosed, time.Second, 5*time.Millisecond)

	dials := d.dials()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, dials, d.dials())
}

func TestClient_ReconnectHandshakeTimeout(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, func(cfg *ClientConfig) { cfg.HandshakeTimeout = 100 * time.Millisecond })
	defer c.Disconnect()

	tr := subscribe(t, c, d, func(protov1.StreamEvent) {})
	tr.send(socketio.EventDisconnect, `"transport close"`)

	// first reconnect stalls after the socket connect
	tr2 := d.next(t)
	tr2.send(socketio.EventConnect)
	require.Eventually(t, func() bool { return c.State() == StateAwaitingSubscriptionAck }, time.Second, time.Millisecond)

	require.Eventually(t, tr2.IsClosed, time.Second, 5*time.Millisecond)
	tr3 := d.next(t)
	assert.Equal(t, 2, c.Info().Attempts)
	assert.Empty(t, tr2.Emitted())

	tr3.send(socketio.EventConnect)
	tr3.send(EventSubscriptionConnected)
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.Info().Attempts)
}

func TestClient_MaxRetriesAfterRepeatedDisconnects(t *testing.T) {
	d := newFakeDialer()
	terminal := make(chan error, 1)
	c := newTestClient(d, func(cfg *ClientConfig) {
		cfg.OnTerminal = func(err error) { terminal <- err }
	})
	defer c.Disconnect()

	tr := subscribe(t, c, d, func(protov1.StreamEvent) {})
	tr.send(socketio.EventDisconnect, `"transport close"`)

	// every reconnect reaches the socket connect and is dropped before the ack
	for i := 1; i <= 5; i++ {
		next := d.next(t)
		next.send(socketio.EventConnect)
		require.Eventually(t, func() bool { return c.State() == StateAwaitingSubscriptionAck }, time.Second, time.Millisecond)
		assert.Equal(t, i, c.Info().Attempts)
		next.send(socketio.EventDisconnect, `"transport close"`)
	}

	select {
	case err := <-terminal:
		require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	case <-time.After(3 * time.Second):
		t.Fatal("no terminal error")
	}

	assert.Equal(t, 6, d.dials())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 6, d.dials())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_StateReadableWhileTransportCloses(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, nil)

	tr := subscribe(t, c, d, func(protov1.StreamEvent) {})
	tr.blockClose = make(chan struct{})

	disconnected := make(chan struct{})
	go func() {
		c.Disconnect()
		close(disconnected)
	}()

	// Disconnect is parked inside Close; state reads must not wait for it.
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, time.Millisecond)
	assert.False(t, c.IsConnected())

	close(tr.blockClose)
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not return")
	}
	assert.True(t, tr.IsClosed())
}
