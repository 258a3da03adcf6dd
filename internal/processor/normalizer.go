// Package processor turns raw address-activity payloads into canonical
// protov1.StreamEvent records.
package processor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

var (
	ErrNoAddress      = errors.New("event carries neither from nor to address")
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Level resolves the object a field is read from at one nesting level.
// It returns nil when the level does not exist on the message.
type Level struct {
	Name    string
	Resolve func(msg map[string]any) map[string]any
}

// Nested returns a Level reading fields from msg[key].
func Nested(key string) Level {
	return Level{
		Name: key,
		Resolve: func(msg map[string]any) map[string]any {
			obj, _ := msg[key].(map[string]any)
			return obj
		},
	}
}

// Direct reads fields from the top-level message.
var Direct = Level{
	Name:    "direct",
	Resolve: func(msg map[string]any) map[string]any { return msg },
}

// DefaultLevels is the resolution order used by the stream and webhook payloads.
var DefaultLevels = []Level{
	Direct,
	Nested("transaction"),
	Nested("block"),
	Nested("data"),
}

// Field names read per canonical field. The webhook dispatcher calls the
// transaction hash "transactionHash"; the stream calls it "hash".
var (
	keysFrom        = []string{"from"}
	keysTo          = []string{"to"}
	keysValue       = []string{"value"}
	keysHash        = []string{"hash", "transactionHash"}
	keysBlockNumber = []string{"blockNumber"}
	keysGasUsed     = []string{"gasUsed"}
	keysStatus      = []string{"status"}
	keysTimestamp   = []string{"timestamp"}
)

// millisThreshold separates unix-second timestamps from unix-millisecond ones.
const millisThreshold = 1_000_000_000_000

type Normalizer struct {
	levels []Level
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Normalizer)

// WithLevels replaces the nesting levels searched for each field.
func WithLevels(levels ...Level) Option {
	return func(n *Normalizer) {
		n.levels = levels
	}
}

// WithClock overrides the clock used for the timestamp fallback.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		n.now = now
	}
}

func NewNormalizer(logger *slog.Logger, opts ...Option) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Normalizer{
		levels: DefaultLevels,
		now:    time.Now,
		logger: logger.With("component", "normalizer"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize decodes a raw JSON payload and normalizes it. Payloads that arrive
// as a JSON string holding a JSON object are unwrapped once.
func (n *Normalizer) Normalize(raw []byte) (protov1.StreamEvent, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return protov1.StreamEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		raw = []byte(inner)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var msg map[string]any
	if err := dec.Decode(&msg); err != nil {
		return protov1.StreamEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if msg == nil {
		return protov1.StreamEvent{}, fmt.Errorf("%w: not an object", ErrInvalidPayload)
	}
	return n.NormalizeMap(msg)
}

// NormalizeMap resolves every canonical field independently across the
// configured levels; the first level holding a non-null value wins.
func (n *Normalizer) NormalizeMap(msg map[string]any) (protov1.StreamEvent, error) {
	var ev protov1.StreamEvent

	ev.From = n.stringField(msg, keysFrom)
	ev.To = n.stringField(msg, keysTo)
	if ev.From == "" && ev.To == "" {
		n.logger.Warn("dropping event without address", "keys", slices.Sorted(maps.Keys(msg)))
		return protov1.StreamEvent{}, ErrNoAddress
	}
	ev.Value = n.stringField(msg, keysValue)
	ev.Hash = n.stringField(msg, keysHash)
	ev.GasUsed = n.stringField(msg, keysGasUsed)

	if v, ok := n.lookup(msg, keysBlockNumber); ok {
		if num, err := parseUint(v); err == nil {
			ev.BlockNumber = &num
		} else {
			n.logger.Debug("unparseable block number", "value", v, "error", err)
		}
	}

	ev.Status = protov1.EventStatusConfirmed
	if v, ok := n.lookup(msg, keysStatus); ok {
		if status, known := parseStatus(v); known {
			ev.Status = status
		} else {
			n.logger.Debug("unknown status, using fallback", "value", v)
		}
	} else {
		n.logger.Debug("status absent, using fallback", "status", ev.Status)
	}

	ev.Timestamp = n.now().Unix()
	if v, ok := n.lookup(msg, keysTimestamp); ok {
		if ts, err := parseTimestamp(v); err == nil {
			ev.Timestamp = ts
		} else {
			n.logger.Debug("unparseable timestamp, using fallback", "value", v, "error", err)
		}
	} else {
		n.logger.Debug("timestamp absent, using fallback", "timestamp", ev.Timestamp)
	}

	return ev, nil
}

func (n *Normalizer) lookup(msg map[string]any, keys []string) (any, bool) {
	for _, level := range n.levels {
		obj := level.Resolve(msg)
		if obj == nil {
			continue
		}
		for _, key := range keys {
			if v, ok := obj[key]; ok && v != nil {
				return v, true
			}
		}
	}
	return nil, false
}

func (n *Normalizer) stringField(msg map[string]any, keys []string) string {
	v, ok := n.lookup(msg, keys)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func parseUint(v any) (uint64, error) {
	switch t := v.(type) {
	case json.Number:
		return strconv.ParseUint(t.String(), 10, 64)
	case float64:
		if t < 0 {
			return 0, fmt.Errorf("negative value %v", t)
		}
		return uint64(t), nil
	case string:
		if strings.HasPrefix(t, "0x") || strings.HasPrefix(t, "0X") {
			return hexutil.DecodeUint64("0x" + t[2:])
		}
		return strconv.ParseUint(t, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func parseTimestamp(v any) (int64, error) {
	n, err := parseUint(v)
	if err != nil {
		return 0, err
	}
	if n >= millisThreshold {
		n /= 1000
	}
	return int64(n), nil
}

func parseStatus(v any) (protov1.EventStatus, bool) {
	switch t := v.(type) {
	case string:
		switch strings.ToLower(t) {
		case "confirmed":
			return protov1.EventStatusConfirmed, true
		case "success", "0x1", "1":
			return protov1.EventStatusSuccess, true
		case "failed", "failure", "0x0", "0":
			return protov1.EventStatusFailed, true
		}
	case json.Number:
		switch t.String() {
		case "1":
			return protov1.EventStatusSuccess, true
		case "0":
			return protov1.EventStatusFailed, true
		}
	case bool:
		if t {
			return protov1.EventStatusSuccess, true
		}
		return protov1.EventStatusFailed, true
	}
	return "", false
}
