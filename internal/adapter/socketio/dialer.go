package socketio

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const defaultEnginePath = "/socket.io/"

// DialRequest describes one connection. The path of URL selects the
// namespace; Path is the Engine.IO endpoint on the server.
type DialRequest struct {
	URL   string
	Path  string
	Query url.Values
	Auth  any
}

// Dialer opens Socket.IO connections over websocket.
type Dialer struct {
	HandshakeTimeout time.Duration

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	Logger *slog.Logger
}

// Dial opens the transport, waits for the Engine.IO open packet and sends the
// namespace CONNECT packet. The namespace acknowledgement arrives later as an
// EventConnect (or EventConnectError) frame.
func (d *Dialer) Dial(ctx context.Context, req DialRequest) (*Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	endpoint, namespace, err := req.endpoint()
	if err != nil {
		return nil, err
	}

	wsDialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	if d.InsecureSkipVerify {
		wsDialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	ws, _, err := wsDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	open, err := readOpen(ws, timeout)
	stop()
	if err != nil {
		ws.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	conn := newConn(ws, namespace, open, logger.With("component", "socketio", "namespace", namespace))
	if err := conn.connect(req.Auth); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send connect packet: %w", err)
	}

	go conn.readLoop()

	return conn, nil
}

func readOpen(ws *websocket.Conn, timeout time.Duration) (openPayload, error) {
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	defer ws.SetReadDeadline(time.Time{})

	_, msg, err := ws.ReadMessage()
	if err != nil {
		return openPayload{}, fmt.Errorf("read open packet: %w", err)
	}
	if len(msg) == 0 || msg[0] != engineOpen {
		return openPayload{}, fmt.Errorf("%w: expected open packet, got %q", ErrMalformedPacket, msg)
	}

	var open openPayload
	if err := json.Unmarshal(msg[1:], &open); err != nil {
		return openPayload{}, fmt.Errorf("%w: open payload: %v", ErrMalformedPacket, err)
	}
	return open, nil
}

// endpoint returns the websocket URL of the Engine.IO endpoint and the namespace.
func (r DialRequest) endpoint() (string, string, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", "", fmt.Errorf("parse url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	namespace := strings.TrimSuffix(u.Path, "/")
	if namespace == "" {
		namespace = "/"
	}

	u.Path = r.Path
	if u.Path == "" {
		u.Path = defaultEnginePath
	}

	q := u.Query()
	for k, vs := range r.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()

	return u.String(), namespace, nil
}
