package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ItemType names the kind of work a WorkItem carries.
type ItemType string

const (
	TypeContinent    ItemType = "continent"
	TypeCountry      ItemType = "country"
	TypeCity         ItemType = "city"
	TypeCitiesImport ItemType = "cities_import"
	TypeTimezone     ItemType = "timezone"
	TypeAIContent    ItemType = "ai_content"
)

// ItemTypes lists every work item type in processing order.
var ItemTypes = []ItemType{TypeContinent, TypeCountry, TypeCitiesImport, TypeCity, TypeTimezone, TypeAIContent}

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	for _, known := range ItemTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Work item lifecycle states persisted by the store.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusError      = "error"
)

// ItemStatuses lists every lifecycle state.
var ItemStatuses = []string{StatusPending, StatusProcessing, StatusDone, StatusError}

var (
	// ErrInvalidPayload marks a payload that is missing fields or cannot be decoded.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrItemNotFound is returned by stores when an item id is unknown.
	ErrItemNotFound = errors.New("work item not found")
)

// WorkItem is a durable unit of pipeline work.
type WorkItem struct {
	ID        string         `json:"id"`
	Type      ItemType       `json:"type"`
	SourceKey string         `json:"source_key"`
	Payload   map[string]any `json:"payload"`
	Status    string         `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError *string        `json:"last_error,omitempty"`
	NextRunAt time.Time      `json:"next_run_at"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Stats summarises the queue by type and by status.
type Stats struct {
	Total    int64            `json:"total"`
	ByType   map[string]int64 `json:"by_type"`
	ByStatus map[string]int64 `json:"by_status"`
	// Counts is keyed by type then status.
	Counts map[string]map[string]int64 `json:"counts"`
}

// NewStats returns a Stats with initialised maps.
func NewStats() Stats {
	return Stats{
		ByType:   map[string]int64{},
		ByStatus: map[string]int64{},
		Counts:   map[string]map[string]int64{},
	}
}

// Add records n items of the given type and status.
func (s *Stats) Add(itemType, status string, n int64) {
	s.Total += n
	s.ByType[itemType] += n
	s.ByStatus[status] += n
	if s.Counts[itemType] == nil {
		s.Counts[itemType] = map[string]int64{}
	}
	s.Counts[itemType][status] += n
}

// EncodePayload converts a typed payload into the generic map stored on a WorkItem.
func EncodePayload(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return out, nil
}

// DecodePayload fills dst from the item's payload.
func DecodePayload(item WorkItem, dst any) error {
	raw, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
