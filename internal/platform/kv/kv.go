// Package kv is the durable key-value storage used for the webhook registry
// and the polling event log. Values are opaque bytes; callers store JSON.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrClosed        = errors.New("store closed")
)

// ChangeHandler receives the keys touched by one write.
type ChangeHandler func(keys []string)

// Store is a flat key-value store with change notifications.
type Store interface {
	// Get returns the values present for keys. Missing keys are absent
	// from the result.
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)

	// Set writes all values atomically.
	Set(ctx context.Context, values map[string][]byte) error

	Remove(ctx context.Context, keys ...string) error

	// Watch registers fn for change notifications until ctx is done. It
	// returns once the registration is active.
	Watch(ctx context.Context, fn ChangeHandler) error

	Close() error
}

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver   string         `yaml:"driver"`
	Redis    RedisConfig    `yaml:"redis"`
	Bolt     BoltConfig     `yaml:"bolt"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kv", "driver", cfg.Driver)

	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverRedis:
		return NewRedisStore(ctx, cfg.Redis, logger)
	case DriverBolt:
		return NewBoltStore(cfg.Bolt)
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg.Postgres, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// GetJSON decodes the value at key into v. It reports false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	values, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	raw, ok := values[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, map[string][]byte{key: raw})
}

func keysOf(values map[string][]byte) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	return keys
}

// notifier fans in-process writes out to watchers.
type notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]ChangeHandler
}

func (n *notifier) watch(ctx context.Context, fn ChangeHandler) {
	n.mu.Lock()
	if n.subs == nil {
		n.subs = make(map[int]ChangeHandler)
	}
	id := n.next
	n.next++
	n.subs[id] = fn
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}()
}

func (n *notifier) notify(keys []string) {
	if len(keys) == 0 {
		return
	}
	n.mu.Lock()
	handlers := make([]ChangeHandler, 0, len(n.subs))
	for _, fn := range n.subs {
		handlers = append(handlers, fn)
	}
	n.mu.Unlock()

	for _, fn := range handlers {
		fn(keys)
	}
}
