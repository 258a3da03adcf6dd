package stream

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a ConnectError.
type ErrorKind int

const (
	KindTransport ErrorKind = iota
	KindTimeout
	KindRejected
	KindMaxRetries
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "handshake timeout"
	case KindRejected:
		return "subscription rejected"
	case KindMaxRetries:
		return "max retries exceeded"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ConnectError is returned by Connect and passed to the terminal handler.
type ConnectError struct {
	Kind ErrorKind

	// Message is the server-supplied reason, if any.
	Message string
	Cause   error
}

func (e *ConnectError) Error() string {
	switch {
	case e.Message != "" && e.Cause != nil:
		return fmt.Sprintf("stream %s: %s: %v", e.Kind, e.Message, e.Cause)
	case e.Message != "":
		return fmt.Sprintf("stream %s: %s", e.Kind, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("stream %s: %v", e.Kind, e.Cause)
	default:
		return "stream " + e.Kind.String()
	}
}

func (e *ConnectError) Unwrap() error {
	return e.Cause
}

// Is matches any *ConnectError of the same kind, so the sentinels below work
// with errors.Is regardless of message or cause.
func (e *ConnectError) Is(target error) bool {
	t, ok := target.(*ConnectError)
	return ok && t.Kind == e.Kind
}

var (
	ErrHandshakeTimeout     = &ConnectError{Kind: KindTimeout}
	ErrSubscriptionRejected = &ConnectError{Kind: KindRejected}
	ErrTransport            = &ConnectError{Kind: KindTransport}
	ErrMaxRetriesExceeded   = &ConnectError{Kind: KindMaxRetries}

	ErrConnectInProgress = errors.New("connect already in progress")
	ErrDisconnected      = errors.New("client disconnected")
	ErrNoHandler         = errors.New("event handler is required")
)
