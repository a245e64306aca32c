package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"geo-content-pipeline/internal/models"
)

// Memory is an in-process store with the same transition rules as Store.
// It backs tests and dry runs that have no Postgres available.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	seq       int64
	items     map[string]*memoryItem
	locations map[string]models.Location
	byKey     map[string]string
}

type memoryItem struct {
	seq  int64
	item models.WorkItem
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:       func() time.Time { return time.Now().UTC() },
		items:     map[string]*memoryItem{},
		locations: map[string]models.Location{},
		byKey:     map[string]string{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Add(_ context.Context, itemType models.ItemType, payload any, sourceKey string) (string, error) {
	if !itemType.Valid() {
		return "", fmt.Errorf("add item: unknown type %q", itemType)
	}
	p, err := models.EncodePayload(payload)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	now := m.now()
	id := uuid.New().String()
	m.items[id] = &memoryItem{seq: m.seq, item: models.WorkItem{
		ID:        id,
		Type:      itemType,
		SourceKey: sourceKey,
		Payload:   p,
		Status:    models.StatusPending,
		NextRunAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	return id, nil
}

func (m *Memory) HasItem(_ context.Context, sourceKey string, statuses ...string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mi := range m.items {
		if mi.item.SourceKey != sourceKey {
			continue
		}
		if len(statuses) == 0 {
			return true, nil
		}
		for _, st := range statuses {
			if mi.item.Status == st {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *Memory) Get(_ context.Context, id string) (models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.items[id]
	if !ok {
		return models.WorkItem{}, fmt.Errorf("get %s: %w", id, models.ErrItemNotFound)
	}
	return copyItem(mi.item), nil
}

func (m *Memory) GetPending(_ context.Context, itemType models.ItemType, limit int) ([]models.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var matched []*memoryItem
	for _, mi := range m.items {
		if mi.item.Type == itemType && mi.item.Status == models.StatusPending && !mi.item.NextRunAt.After(now) {
			matched = append(matched, mi)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].item.CreatedAt.Equal(matched[j].item.CreatedAt) {
			return matched[i].item.CreatedAt.Before(matched[j].item.CreatedAt)
		}
		return matched[i].seq < matched[j].seq
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]models.WorkItem, 0, len(matched))
	for _, mi := range matched {
		out = append(out, copyItem(mi.item))
	}
	return out, nil
}

func (m *Memory) MarkProcessing(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.items[id]
	if !ok || mi.item.Status != models.StatusPending {
		return false, nil
	}
	mi.item.Status = models.StatusProcessing
	mi.item.Attempts++
	mi.item.UpdatedAt = m.now()
	return true, nil
}

func (m *Memory) MarkDone(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.items[id]
	if !ok || mi.item.Status == models.StatusDone {
		return nil
	}
	mi.item.Status = models.StatusDone
	mi.item.LastError = nil
	mi.item.UpdatedAt = m.now()
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.items[id]
	if !ok || mi.item.Status == models.StatusDone {
		return nil
	}
	mi.item.Status = models.StatusError
	mi.item.LastError = &reason
	mi.item.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Release(_ context.Context, id string, payload any, delay time.Duration) error {
	p, err := models.EncodePayload(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.items[id]
	if !ok || mi.item.Status != models.StatusProcessing {
		return nil
	}
	now := m.now()
	mi.item.Status = models.StatusPending
	mi.item.Payload = p
	mi.item.LastError = nil
	mi.item.NextRunAt = now.Add(delay)
	mi.item.UpdatedAt = now
	return nil
}

func (m *Memory) ResetStuck(_ context.Context, timeout time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-timeout)
	var n int64
	for _, mi := range m.items {
		if mi.item.Status == models.StatusProcessing && mi.item.UpdatedAt.Before(cutoff) {
			mi.item.Status = models.StatusPending
			mi.item.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) RetryFailed(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for _, mi := range m.items {
		if mi.item.Status == models.StatusError {
			mi.item.Status = models.StatusPending
			mi.item.LastError = nil
			mi.item.NextRunAt = now
			mi.item.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) RequeueOrphans(_ context.Context, itemType models.ItemType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for _, mi := range m.items {
		it := &mi.item
		if it.Type != itemType || it.Status != models.StatusError || it.LastError == nil {
			continue
		}
		parent, ok := strings.CutPrefix(*it.LastError, models.ParentMissing)
		if !ok {
			continue
		}
		if _, exists := m.byKey[parent]; !exists {
			continue
		}
		it.Status = models.StatusPending
		it.LastError = nil
		it.NextRunAt = now
		it.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *Memory) Expedite(_ context.Context, sourceKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for _, mi := range m.items {
		if mi.item.SourceKey == sourceKey && mi.item.Status == models.StatusPending && mi.item.NextRunAt.After(now) {
			mi.item.NextRunAt = now
			mi.item.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) Stats(_ context.Context) (models.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := models.NewStats()
	for _, mi := range m.items {
		stats.Add(string(mi.item.Type), mi.item.Status, 1)
	}
	return stats, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = map[string]*memoryItem{}
	return nil
}

func (m *Memory) FindLocation(_ context.Context, naturalKey string) (models.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[naturalKey]
	if !ok {
		return models.Location{}, fmt.Errorf("find %s: %w", naturalKey, models.ErrEntityNotFound)
	}
	return m.locations[id], nil
}

func (m *Memory) GetLocation(_ context.Context, id string) (models.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[id]
	if !ok {
		return models.Location{}, fmt.Errorf("get location %s: %w", id, models.ErrEntityNotFound)
	}
	return loc, nil
}

func (m *Memory) CreateLocation(_ context.Context, loc models.Location) (models.Location, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[loc.NaturalKey]; ok {
		return m.locations[id], false, nil
	}
	if loc.ParentID != "" {
		if _, ok := m.locations[loc.ParentID]; !ok {
			return models.Location{}, false, fmt.Errorf("insert location: parent %s: %w", loc.ParentID, models.ErrEntityNotFound)
		}
	}
	now := m.now()
	loc.ID = uuid.New().String()
	loc.CreatedAt = now
	loc.UpdatedAt = now
	m.locations[loc.ID] = loc
	m.byKey[loc.NaturalKey] = loc.ID
	return loc, true, nil
}

func (m *Memory) UpdateLocation(_ context.Context, loc models.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locations[loc.ID]
	if !ok {
		return fmt.Errorf("update location %s: %w", loc.ID, models.ErrEntityNotFound)
	}
	cur.TranslatedName = loc.TranslatedName
	cur.Title = loc.Title
	cur.Slug = loc.Slug
	cur.Body = loc.Body
	cur.SEOTitle = loc.SEOTitle
	cur.SEODescription = loc.SEODescription
	cur.Status = loc.Status
	cur.Timezone = loc.Timezone
	cur.TimezoneStatus = loc.TimezoneStatus
	cur.ContentStatus = loc.ContentStatus
	cur.UpdatedAt = m.now()
	m.locations[loc.ID] = cur
	return nil
}

func (m *Memory) DeleteLocations(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.locations))
	m.locations = map[string]models.Location{}
	m.byKey = map[string]string{}
	return n, nil
}

// Locations returns a snapshot of every stored location.
func (m *Memory) Locations() []models.Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Location, 0, len(m.locations))
	for _, loc := range m.locations {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NaturalKey < out[j].NaturalKey })
	return out
}

func copyItem(item models.WorkItem) models.WorkItem {
	raw, _ := json.Marshal(item.Payload)
	var p map[string]any
	_ = json.Unmarshal(raw, &p)
	item.Payload = p
	if item.LastError != nil {
		msg := *item.LastError
		item.LastError = &msg
	}
	return item
}
