package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smartprice/price-watcher/internal/models"
)

// MemoryStore is an in-process implementation of HistoryStore, AlertStore,
// TargetRegistry, and OwnerDirectory. Suitable for tests and single-process
// hosts that do not need durability.
type MemoryStore struct {
	mu      sync.RWMutex
	history map[string][]models.PriceObservation
	alerts  []models.AlertRecord
	lastBy  map[string]time.Time // dedup key -> last delivered
	targets map[string]models.TrackedTarget
	owners  map[string]models.Owner
}

var (
	_ HistoryStore   = (*MemoryStore)(nil)
	_ AlertStore     = (*MemoryStore)(nil)
	_ TargetRegistry = (*MemoryStore)(nil)
	_ OwnerDirectory = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		history: make(map[string][]models.PriceObservation),
		lastBy:  make(map[string]time.Time),
		targets: make(map[string]models.TrackedTarget),
		owners:  make(map[string]models.Owner),
	}
}

// Append adds an observation, enforcing monotonic observed-at per target.
func (m *MemoryStore) Append(ctx context.Context, obs models.PriceObservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	series := m.history[obs.TargetID]
	if n := len(series); n > 0 && obs.ObservedAt.Before(series[n-1].ObservedAt) {
		return fmt.Errorf("out-of-order observation for target %s: %v before %v",
			obs.TargetID, obs.ObservedAt, series[n-1].ObservedAt)
	}
	m.history[obs.TargetID] = append(series, obs)
	return nil
}

// Latest returns the most recent observation, or nil when none exists.
func (m *MemoryStore) Latest(ctx context.Context, targetID string) (*models.PriceObservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.history[targetID]
	if len(series) == 0 {
		return nil, nil
	}
	obs := series[len(series)-1]
	return &obs, nil
}

// History returns observations at or after since, oldest first.
func (m *MemoryStore) History(ctx context.Context, targetID string, since time.Time) ([]models.PriceObservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.PriceObservation
	for _, obs := range m.history[targetID] {
		if !obs.ObservedAt.Before(since) {
			out = append(out, obs)
		}
	}
	return out, nil
}

// RecordAlert stores a delivery record and refreshes the dedup index.
func (m *MemoryStore) RecordAlert(ctx context.Context, rec models.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.alerts = append(m.alerts, rec)
	if rec.Status == models.DeliverySent {
		m.lastBy[rec.DedupKey] = rec.DeliveredAt
	}
	return nil
}

// LastDelivered reports when an alert with this dedup identity was last sent.
func (m *MemoryStore) LastDelivered(ctx context.Context, targetID string, kind models.DeltaKind, channel models.ChannelKind) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	at, ok := m.lastBy[DedupKey(targetID, kind, channel)]
	return at, ok, nil
}

// Alerts returns a copy of all recorded alerts, for tests and inspection.
func (m *MemoryStore) Alerts() []models.AlertRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.AlertRecord, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// PutTarget adds or replaces a tracked target.
func (m *MemoryStore) PutTarget(t models.TrackedTarget) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[t.ID] = t
}

// RemoveTarget deletes a target from the registry.
func (m *MemoryStore) RemoveTarget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, id)
}

// List returns all registered targets.
func (m *MemoryStore) List(ctx context.Context) ([]models.TrackedTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.TrackedTarget, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	return out, nil
}

// Get returns one target, or nil when unknown.
func (m *MemoryStore) Get(ctx context.Context, id string) (*models.TrackedTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.targets[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// PutOwner adds or replaces an owner's notification preferences.
func (m *MemoryStore) PutOwner(o models.Owner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[o.ID] = o
}

// Owner returns an owner's preferences, or nil when unknown.
func (m *MemoryStore) Owner(ctx context.Context, id string) (*models.Owner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.owners[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// DedupKey builds the alert dedup identity for (target, kind, channel).
func DedupKey(targetID string, kind models.DeltaKind, channel models.ChannelKind) string {
	return fmt.Sprintf("%s|%s|%s", targetID, kind, channel)
}
