package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marko911/pulse-notify/internal/delivery/subscription"
	"github.com/marko911/pulse-notify/internal/processor"
	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

type appended struct {
	subID string
	ev    protov1.StreamEvent
}

type fakeStore struct {
	mu   sync.Mutex
	got  []appended
	fail bool
}

func (f *fakeStore) AppendFor(_ context.Context, subID string, ev protov1.StreamEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("down")
	}
	f.got = append(f.got, appended{subID, ev})
	return nil
}

func (f *fakeStore) Events(context.Context) ([]protov1.StreamEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protov1.StreamEvent, 0, len(f.got))
	for _, a := range f.got {
		out = append(out, a.ev)
	}
	return out, nil
}

type fakeRegistry struct {
	records []subscription.Record
}

func (r *fakeRegistry) Match(ev protov1.StreamEvent) []subscription.Record {
	var out []subscription.Record
	for _, rec := range r.records {
		if rec.Matches(ev) {
			out = append(out, rec)
		}
	}
	return out
}

func (r *fakeRegistry) List() []subscription.Record { return r.records }

func newTestServer(store *fakeStore, reg Registry) *Server {
	return NewServer(Config{}, processor.NewNormalizer(nil), store, reg, nil, nil)
}

func post(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(&fakeStore{}, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)
}

func TestServer_SingleEvent(t *testing.T) {
	store := &fakeStore{}
	s := newTestServer(store, nil)

	w := post(t, s, `{"subscriptionId":"sub-7","from":"0x1","to":"0x2","hash":"0xabc","timestamp":1700000000}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Len(t, store.got, 1)
	assert.Equal(t, "sub-7", store.got[0].subID)
	assert.Equal(t, "0xabc", store.got[0].ev.Hash)
	assert.Equal(t, int64(1700000000), store.got[0].ev.Timestamp)
}

func TestServer_BatchWithRejects(t *testing.T) {
	store := &fakeStore{}
	reg := &fakeRegistry{records: []subscription.Record{{SubscriptionID: "sub-reg", Account: "0xAA"}}}
	s := newTestServer(store, reg)

	w := post(t, s, `[
		{"from":"0xaa","hash":"0x1","timestamp":1},
		{"value":"5"},
		{"transaction":{"from":"0xbb","hash":"0x2"},"timestamp":2}
	]`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp["accepted"])
	assert.Equal(t, 1, resp["rejected"])

	require.Len(t, store.got, 2)
	assert.Equal(t, "sub-reg", store.got[0].subID)
	assert.Equal(t, "", store.got[1].subID)
	assert.Equal(t, "0xbb", store.got[1].ev.From)
}

func TestServer_RejectsBadPayloads(t *testing.T) {
	s := newTestServer(&fakeStore{}, nil)

	assert.Equal(t, http.StatusBadRequest, post(t, s, ``).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, s, `[{"from":`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, s, `{"value":"1"}`).Code)
}

func TestServer_StorageFailure(t *testing.T) {
	s := newTestServer(&fakeStore{fail: true}, nil)
	w := post(t, s, `{"from":"0x1","timestamp":1}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestServer_ListEndpoints(t *testing.T) {
	store := &fakeStore{}
	reg := &fakeRegistry{records: []subscription.Record{{SubscriptionID: "sub-1", ChainKey: protov1.NewChainKey("ethereum", "mainnet")}}}
	s := newTestServer(store, reg)
	post(t, s, `{"from":"0x1","hash":"0xh","timestamp":1}`)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"0xh"`)

	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/subscriptions", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sub-1"`)
	assert.Contains(t, w.Body.String(), `"ethereum/mainnet"`)
}

func TestServer_WebSocketRouteOnlyWithHub(t *testing.T) {
	s := newTestServer(&fakeStore{}, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	hub := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	s = NewServer(Config{}, processor.NewNormalizer(nil), &fakeStore{}, nil, hub, nil)
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestSplitPayloads(t *testing.T) {
	list, err := splitPayloads([]byte(`  {"a":1} `))
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = splitPayloads([]byte(`[{"a":1},{"b":2}]`))
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = splitPayloads([]byte(" "))
	assert.Error(t, err)
}
