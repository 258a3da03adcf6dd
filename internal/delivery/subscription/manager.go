package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/marko911/pulse-notify/internal/adapter"
	"github.com/marko911/pulse-notify/internal/delivery/polling"
	"github.com/marko911/pulse-notify/internal/platform/kv"
	"github.com/marko911/pulse-notify/internal/platform/webhookapi"
	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

// StorageKey holds the persisted registry.
const StorageKey = "webhookSubscriptions"

var (
	ErrNotFound       = errors.New("no subscription for chain")
	ErrMissingAccount = errors.New("account is required")
)

type Config struct {
	DeliveryURL string `yaml:"delivery_url"`
	IsInstant   bool   `yaml:"is_instant"`

	IncludeTransactionReceipts  bool `yaml:"include_transaction_receipts"`
	IncludeInternalTransactions bool `yaml:"include_internal_transactions"`
	IncludeTokenTransfers       bool `yaml:"include_token_transfers"`
	IncludeNftTransfers         bool `yaml:"include_nft_transfers"`

	PollInterval time.Duration `yaml:"-"`
}

// Manager owns the registry and the poll handle. Every mutation writes the
// persisted registry before the in-memory one is replaced, so both always agree.
type Manager struct {
	cfg      Config
	remote   Remote
	store    kv.Store
	poller   Poller
	onEvents polling.Callback
	logger   *slog.Logger

	mu      sync.Mutex
	records map[protov1.ChainKey]Record
	poll    *polling.PollHandle
	now     func() time.Time
}

func NewManager(cfg Config, remote Remote, store kv.Store, poller Poller, onEvents polling.Callback, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if onEvents == nil {
		onEvents = func([]protov1.StreamEvent) {}
	}
	return &Manager{
		cfg:      cfg,
		remote:   remote,
		store:    store,
		poller:   poller,
		onEvents: onEvents,
		logger:   logger.With("component", "subscription-manager"),
		records:  make(map[protov1.ChainKey]Record),
		now:      time.Now,
	}
}

// Load replaces the in-memory registry with the persisted one and starts or
// stops polling to match.
func (m *Manager) Load(ctx context.Context) error {
	records, err := m.loadPersisted(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = records
	m.syncPollingLocked()

	m.logger.Info("registry loaded", "subscriptions", len(records))
	return nil
}

// Watch reloads the registry whenever another writer changes it.
func (m *Manager) Watch(ctx context.Context) error {
	return m.store.Watch(ctx, func(keys []string) {
		if !slices.Contains(keys, StorageKey) {
			return
		}
		// notifications may arrive synchronously from inside our own write
		go func() {
			if err := m.reload(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("registry reload failed", "error", err)
			}
		}()
	})
}

func (m *Manager) reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.loadPersisted(ctx)
	if err != nil {
		return err
	}
	if sameRegistry(m.records, records) {
		return nil
	}
	m.records = records
	m.syncPollingLocked()
	m.logger.Info("registry changed externally", "subscriptions", len(records))
	return nil
}

// CreateForAccount creates a webhook for chain unless one is already recorded,
// in which case the existing subscription id is returned without a remote call.
func (m *Manager) CreateForAccount(ctx context.Context, account string, chain protov1.ChainKey, credential string) (string, error) {
	if account == "" {
		return "", ErrMissingAccount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[chain]; ok {
		m.logger.Debug("subscription already active", "chain", chain, "subscription_id", rec.SubscriptionID)
		return rec.SubscriptionID, nil
	}

	network, err := protov1.NetworkByKey(chain)
	if err != nil {
		network = protov1.NetworkInfo{Protocol: chain.Protocol(), Network: chain.Network(), Name: chain.String()}
	}

	wh, err := m.remote.Create(ctx, chain, credential, webhookapi.CreateRequest{
		URL:                         m.cfg.DeliveryURL,
		EventType:                   protov1.EventTypeAddressActivity,
		Addresses:                   []string{account},
		IncludeTransactionReceipts:  m.cfg.IncludeTransactionReceipts,
		IncludeInternalTransactions: m.cfg.IncludeInternalTransactions,
		IncludeTokenTransfers:       m.cfg.IncludeTokenTransfers,
		IncludeNftTransfers:         m.cfg.IncludeNftTransfers,
		IsInstant:                   m.cfg.IsInstant,
	})
	if err != nil {
		return "", fmt.Errorf("create webhook for %s: %w", chain, err)
	}

	rec := Record{
		ChainKey:       chain,
		SubscriptionID: wh.SubscriptionID,
		Account:        account,
		Network:        network,
		CreatedAt:      m.now().UTC(),
		DeliveryTarget: m.cfg.DeliveryURL,
		IsInstant:      m.cfg.IsInstant,
	}

	next := m.copyRecordsLocked()
	next[chain] = rec
	if err := m.persist(ctx, next); err != nil {
		if delErr := m.remote.Delete(ctx, chain, credential, wh.SubscriptionID); delErr != nil {
			m.logger.Error("orphaned remote webhook",
				"chain", chain,
				"subscription_id", wh.SubscriptionID,
				"error", delErr,
			)
		}
		return "", err
	}

	m.records = next
	m.syncPollingLocked()

	m.logger.Info("subscription created",
		"chain", chain,
		"subscription_id", rec.SubscriptionID,
		"account", account,
		"credential", adapter.MaskCredential(credential),
	)
	return rec.SubscriptionID, nil
}

// DeleteForChain deletes the webhook recorded for chain. The record is kept
// when the remote delete fails so the call can be retried; a 404 from the
// remote side counts as already deleted.
func (m *Manager) DeleteForChain(ctx context.Context, chain protov1.ChainKey, credential string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[chain]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, chain)
	}

	if err := m.remote.Delete(ctx, chain, credential, rec.SubscriptionID); err != nil {
		var apiErr *webhookapi.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
			return fmt.Errorf("delete webhook for %s: %w", chain, err)
		}
		m.logger.Warn("remote webhook already gone", "chain", chain, "subscription_id", rec.SubscriptionID)
	}

	next := m.copyRecordsLocked()
	delete(next, chain)
	if err := m.persist(ctx, next); err != nil {
		return err
	}

	m.records = next
	m.syncPollingLocked()

	m.logger.Info("subscription deleted", "chain", chain, "subscription_id", rec.SubscriptionID)
	return nil
}

func (m *Manager) Get(chain protov1.ChainKey) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[chain]
	return rec, ok
}

// List returns all records ordered by chain key.
func (m *Manager) List() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainKey < out[j].ChainKey })
	return out
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Match returns the records whose account appears in ev.
func (m *Manager) Match(ev protov1.StreamEvent) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, rec := range m.records {
		if rec.Matches(ev) {
			out = append(out, rec)
		}
	}
	return out
}

// Polling reports whether the manager currently runs the poll loop.
func (m *Manager) Polling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poll != nil
}

// Close stops the poll loop. Records are left in place.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.poll != nil {
		m.poller.StopPolling(m.poll)
		m.poll = nil
	}
}

func (m *Manager) syncPollingLocked() {
	switch {
	case len(m.records) > 0 && m.poll == nil:
		h, err := m.poller.StartPolling(m.cfg.PollInterval, m.onEvents)
		if err != nil {
			m.logger.Warn("could not start polling", "error", err)
			return
		}
		m.poll = h
	case len(m.records) == 0 && m.poll != nil:
		m.poller.StopPolling(m.poll)
		m.poll = nil
	}
}

func (m *Manager) copyRecordsLocked() map[protov1.ChainKey]Record {
	next := make(map[protov1.ChainKey]Record, len(m.records)+1)
	for k, v := range m.records {
		next[k] = v
	}
	return next
}

func (m *Manager) persist(ctx context.Context, records map[protov1.ChainKey]Record) error {
	if err := kv.SetJSON(ctx, m.store, StorageKey, records); err != nil {
		return fmt.Errorf("persist registry: %w", err)
	}
	return nil
}

func (m *Manager) loadPersisted(ctx context.Context) (map[protov1.ChainKey]Record, error) {
	records := make(map[protov1.ChainKey]Record)
	if _, err := kv.GetJSON(ctx, m.store, StorageKey, &records); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	return records, nil
}

func sameRegistry(a, b map[protov1.ChainKey]Record) bool {
	if len(a) != len(b) {
		return false
	}
	for k, ra := range a {
		rb, ok := b[k]
		if !ok || ra.SubscriptionID != rb.SubscriptionID {
			return false
		}
	}
	return true
}
