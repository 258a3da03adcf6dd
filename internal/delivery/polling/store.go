// Package polling is a bounded, durable event log with a "last checked"
// watermark. Some other process appends events into shared storage and a
// single poll loop hands out the ones that are new since the previous poll.
package polling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marko911/pulse-notify/internal/platform/kv"
	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

const (
	StorageKey       = "webhookEvents"
	DefaultMaxEvents = 50
	DefaultInterval  = 5 * time.Second
)

var ErrAlreadyPolling = errors.New("poll loop already running")

// Callback receives the events found by one poll. It is never called with an
// empty slice.
type Callback func(events []protov1.StreamEvent)

// record is the persisted form. LastChecked is in unix milliseconds.
type record struct {
	SubscriptionID string        `json:"subscriptionId"`
	Events         []storedEvent `json:"events"`
	LastChecked    int64         `json:"lastChecked"`
}

// storedEvent is an event with the unix millisecond at which it was appended.
// The watermark is compared against StoredAt, never against the event's own
// timestamp, which is block time for webhook deliveries.
type storedEvent struct {
	protov1.StreamEvent
	StoredAt int64 `json:"storedAt"`
}

func unwrap(stored []storedEvent) []protov1.StreamEvent {
	out := make([]protov1.StreamEvent, len(stored))
	for i, se := range stored {
		out[i] = se.StreamEvent
	}
	return out
}

type Config struct {
	MaxEvents int           `yaml:"max_events"`
	Interval  time.Duration `yaml:"interval"`

	// Key overrides the storage key, mainly for tests sharing one store.
	Key string `yaml:"-"`
}

type Store struct {
	kv     kv.Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	// mu serializes read-modify-write cycles on the record and guards poll.
	mu   sync.Mutex
	poll *PollHandle
}

type Option func(*Store)

// WithClock overrides the clock used for insertion times and the watermark.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(store kv.Store, cfg Config, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Key == "" {
		cfg.Key = StorageKey
	}
	s := &Store{
		kv:     store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "polling-store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) load(ctx context.Context) (record, error) {
	var rec record
	if _, err := kv.GetJSON(ctx, s.kv, s.cfg.Key, &rec); err != nil {
		return record{}, fmt.Errorf("load events: %w", err)
	}
	return rec, nil
}

func (s *Store) save(ctx context.Context, rec record) error {
	if err := kv.SetJSON(ctx, s.kv, s.cfg.Key, rec); err != nil {
		return fmt.Errorf("save events: %w", err)
	}
	return nil
}

// Append stores ev as the newest event, evicting the oldest beyond MaxEvents.
func (s *Store) Append(ctx context.Context, ev protov1.StreamEvent) error {
	return s.AppendFor(ctx, "", ev)
}

// AppendFor is Append recording the subscription the event was delivered for.
func (s *Store) AppendFor(ctx context.Context, subscriptionID string, ev protov1.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(ctx)
	if err != nil {
		return err
	}

	// strictly after the watermark, so a drain in the same millisecond cannot hide it
	storedAt := max(s.now().UnixMilli(), rec.LastChecked+1)

	events := make([]storedEvent, 0, min(len(rec.Events)+1, s.cfg.MaxEvents))
	events = append(events, storedEvent{StreamEvent: ev, StoredAt: storedAt})
	events = append(events, rec.Events...)
	if len(events) > s.cfg.MaxEvents {
		events = events[:s.cfg.MaxEvents]
	}
	rec.Events = events
	if subscriptionID != "" {
		rec.SubscriptionID = subscriptionID
	}

	if err := s.save(ctx, rec); err != nil {
		return err
	}
	s.logger.Debug("event stored", "hash", ev.Hash, "address", ev.PrimaryAddress(), "stored", len(events))
	return nil
}

// DrainNew returns the events appended after the watermark and moves the
// watermark to now. A second call without an Append in between returns nothing.
func (s *Store) DrainNew(ctx context.Context) ([]protov1.StreamEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	var fresh []protov1.StreamEvent
	watermark := max(s.now().UnixMilli(), rec.LastChecked)
	for _, se := range rec.Events {
		if se.StoredAt > rec.LastChecked {
			fresh = append(fresh, se.StreamEvent)
			watermark = max(watermark, se.StoredAt)
		}
	}
	rec.LastChecked = watermark
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	return fresh, nil
}

// Events returns the stored events, newest first, without moving the watermark.
func (s *Store) Events(ctx context.Context) ([]protov1.StreamEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return unwrap(rec.Events), nil
}

// LastChecked returns the watermark; the zero time if nothing was drained yet.
func (s *Store) LastChecked(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if rec.LastChecked == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(rec.LastChecked), nil
}

// Clear removes the whole record, watermark included.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Remove(ctx, s.cfg.Key); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	s.logger.Info("events cleared")
	return nil
}

// PollHandle identifies a running poll loop.
type PollHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed once the loop has exited.
func (h *PollHandle) Done() <-chan struct{} {
	return h.done
}

// StartPolling drains immediately and then every interval, calling cb when
// there are new events. Only one loop may run per Store. A non-positive
// interval uses the configured one.
func (s *Store) StartPolling(interval time.Duration, cb Callback) (*PollHandle, error) {
	if interval <= 0 {
		interval = s.cfg.Interval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.poll != nil {
		return nil, ErrAlreadyPolling
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &PollHandle{cancel: cancel, done: make(chan struct{})}
	s.poll = h

	s.logger.Info("polling started", "interval", interval)
	go s.pollLoop(ctx, h, interval, cb)
	return h, nil
}

// StopPolling cancels the loop. It does not wait for an in-flight callback and
// is safe to call more than once.
func (s *Store) StopPolling(h *PollHandle) {
	if h == nil {
		return
	}
	h.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poll == h {
		s.poll = nil
		s.logger.Info("polling stopped")
	}
}

// Polling reports whether a poll loop is running.
func (s *Store) Polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poll != nil
}

func (s *Store) pollLoop(ctx context.Context, h *PollHandle, interval time.Duration, cb Callback) {
	defer close(h.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.pollOnce(ctx, cb)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, cb)
		}
	}
}

func (s *Store) pollOnce(ctx context.Context, cb Callback) {
	events, err := s.DrainNew(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("poll failed", "error", err)
		}
		return
	}
	if len(events) == 0 || ctx.Err() != nil {
		return
	}
	s.logger.Debug("delivering polled events", "count", len(events))
	cb(events)
}
