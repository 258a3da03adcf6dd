package processor

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func newTestNormalizer(opts ...Option) *Normalizer {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewNormalizer(nil, opts...)
}

func TestNormalizer_FieldsResolveIndependently(t *testing.T) {
	n := newTestNormalizer()

	ev, err := n.Normalize([]byte(`{"from":"0xA","block":{"to":"0xB","from":"0xC"}}`))
	require.NoError(t, err)

	assert.Equal(t, "0xA", ev.From)
	assert.Equal(t, "0xB", ev.To)
}

func TestNormalizer_TransactionPayload(t *testing.T) {
	n := newTestNormalizer()

	ev, err := n.Normalize([]byte(`{"transaction":{"from":"0x1","to":"0x2","value":"100","hash":"0xabc"}}`))
	require.NoError(t, err)

	assert.Equal(t, protov1.StreamEvent{
		From:      "0x1",
		To:        "0x2",
		Value:     "100",
		Hash:      "0xabc",
		Status:    protov1.EventStatusConfirmed,
		Timestamp: fixedNow.Unix(),
	}, ev)
	assert.Nil(t, ev.BlockNumber)
	assert.Empty(t, ev.GasUsed)
}

func TestNormalizer_ResolutionOrder(t *testing.T) {
	n := newTestNormalizer()

	tests := []struct {
		name     string
		payload  string
		wantHash string
	}{
		{"direct wins", `{"from":"0x1","hash":"direct","transaction":{"hash":"tx"},"block":{"hash":"blk"},"data":{"hash":"data"}}`, "direct"},
		{"transaction before block", `{"from":"0x1","transaction":{"hash":"tx"},"block":{"hash":"blk"},"data":{"hash":"data"}}`, "tx"},
		{"block before data", `{"from":"0x1","block":{"hash":"blk"},"data":{"hash":"data"}}`, "blk"},
		{"data last", `{"from":"0x1","data":{"hash":"data"}}`, "data"},
		{"null falls through", `{"from":"0x1","hash":null,"data":{"hash":"data"}}`, "data"},
		{"webhook alias", `{"from":"0x1","transactionHash":"0xfeed"}`, "0xfeed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := n.Normalize([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.wantHash, ev.Hash)
		})
	}
}

func TestNormalizer_NumericFields(t *testing.T) {
	n := newTestNormalizer()

	tests := []struct {
		name      string
		payload   string
		wantBlock uint64
		wantTS    int64
	}{
		{"decimal block, seconds", `{"to":"0x2","blockNumber":18000000,"timestamp":1690000000}`, 18000000, 1690000000},
		{"hex block", `{"to":"0x2","data":{"blockNumber":"0x112a880","timestamp":"0x64b4e580"}}`, 18000000, 0x64b4e580},
		{"millisecond timestamp", `{"to":"0x2","blockNumber":"42","timestamp":1690000000123}`, 42, 1690000000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := n.Normalize([]byte(tt.payload))
			require.NoError(t, err)
			require.NotNil(t, ev.BlockNumber)
			assert.Equal(t, tt.wantBlock, *ev.BlockNumber)
			assert.Equal(t, tt.wantTS, ev.Timestamp)
		})
	}
}

func TestNormalizer_Status(t *testing.T) {
	n := newTestNormalizer()

	tests := []struct {
		payload string
		want    protov1.EventStatus
	}{
		{`{"from":"0x1"}`, protov1.EventStatusConfirmed},
		{`{"from":"0x1","status":"success"}`, protov1.EventStatusSuccess},
		{`{"from":"0x1","transaction":{"status":"0x0"}}`, protov1.EventStatusFailed},
		{`{"from":"0x1","status":"pending"}`, protov1.EventStatusConfirmed},
	}

	for _, tt := range tests {
		ev, err := n.Normalize([]byte(tt.payload))
		require.NoError(t, err, tt.payload)
		assert.Equal(t, tt.want, ev.Status, tt.payload)
	}
}

func TestNormalizer_Errors(t *testing.T) {
	n := newTestNormalizer()

	_, err := n.Normalize([]byte(`{"value":"1"}`))
	assert.ErrorIs(t, err, ErrNoAddress)
	_, err = n.Normalize([]byte(`[1,2]`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
	_, err = n.Normalize([]byte(`null`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestNormalizer_WarnsOnAddresslessDrop(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	n := NewNormalizer(logger, WithClock(func() time.Time { return fixedNow }))

	_, err := n.Normalize([]byte(`{"value":"1","hash":"0xabc","block":{"number":7}}`))
	require.ErrorIs(t, err, ErrNoAddress)

	var entry struct {
		Level     string   `json:"level"`
		Msg       string   `json:"msg"`
		Component string   `json:"component"`
		Keys      []string `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry.Level)
	assert.Equal(t, "normalizer", entry.Component)
	assert.Equal(t, []string{"block", "hash", "value"}, entry.Keys)
}

func TestNormalizer_StringifiedPayload(t *testing.T) {
	n := newTestNormalizer()

	ev, err := n.Normalize([]byte(`"{\"from\":\"0x9\",\"value\":\"7\"}"`))
	require.NoError(t, err)
	assert.Equal(t, "0x9", ev.From)
	assert.Equal(t, "7", ev.Value)
}

func TestNormalizer_CustomLevels(t *testing.T) {
	n := newTestNormalizer(WithLevels(append(DefaultLevels, Nested("receipt"))...))

	ev, err := n.Normalize([]byte(`{"from":"0x1","receipt":{"gasUsed":"21000"}}`))
	require.NoError(t, err)
	assert.Equal(t, "21000", ev.GasUsed)
}
