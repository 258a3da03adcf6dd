// Package fanout forwards every normalized event to all configured sinks.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

const DefaultSendTimeout = 5 * time.Second

// Sink receives events. Send must be safe for concurrent use.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev protov1.StreamEvent) error
}

// Summary is the outcome of one broadcast across sinks.
type Summary struct {
	Successful int
	Failed     int
}

type Fanout struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	totals Summary
}

type Option func(*Fanout)

func WithSendTimeout(d time.Duration) Option {
	return func(f *Fanout) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func New(logger *slog.Logger, sinks []Sink, opts ...Option) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{
		sinks:   sinks,
		timeout: DefaultSendTimeout,
		logger:  logger.With("component", "fanout"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Handle matches the stream client's event handler signature.
func (f *Fanout) Handle(ev protov1.StreamEvent) {
	f.Broadcast(context.Background(), ev)
}

// HandleBatch matches the polling callback signature.
func (f *Fanout) HandleBatch(events []protov1.StreamEvent) {
	for _, ev := range events {
		f.Broadcast(context.Background(), ev)
	}
}

// Broadcast sends ev to every sink concurrently and waits for all of them.
// A failing sink never stops the others.
func (f *Fanout) Broadcast(ctx context.Context, ev protov1.StreamEvent) Summary {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	errs := make([]error, len(f.sinks))
	var wg sync.WaitGroup
	for i, sink := range f.sinks {
		wg.Add(1)
		go func(i int, sink Sink) {
			defer wg.Done()
			errs[i] = sink.Send(ctx, ev)
		}(i, sink)
	}
	wg.Wait()

	var s Summary
	for i, err := range errs {
		if err != nil {
			s.Failed++
			f.logger.Warn("sink delivery failed",
				"sink", f.sinks[i].Name(),
				"hash", ev.Hash,
				"error", err,
			)
			continue
		}
		s.Successful++
	}

	f.mu.Lock()
	f.totals.Successful += s.Successful
	f.totals.Failed += s.Failed
	f.mu.Unlock()

	f.logger.Info("event broadcast",
		"hash", ev.Hash,
		"from", ev.From,
		"to", ev.To,
		"successful", s.Successful,
		"failed", s.Failed,
	)
	return s
}

// Totals returns the running counts since construction.
func (f *Fanout) Totals() Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totals
}
