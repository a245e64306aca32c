package models

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// EntityType is the level of a location in the continent, country, city hierarchy.
type EntityType string

const (
	EntityContinent EntityType = "continent"
	EntityCountry   EntityType = "country"
	EntityCity      EntityType = "city"
)

func (t EntityType) Valid() bool {
	switch t {
	case EntityContinent, EntityCountry, EntityCity:
		return true
	}
	return false
}

// TimezoneStatus tracks whether a location's zone is known.
type TimezoneStatus string

const (
	TimezoneResolved TimezoneStatus = "resolved"
	TimezonePending  TimezoneStatus = "pending"
	TimezoneFallback TimezoneStatus = "fallback"
)

// Ready reports whether content generation may use the zone.
func (s TimezoneStatus) Ready() bool {
	return s == TimezoneResolved || s == TimezoneFallback
}

// ContentStatus tracks AI content generation for a location.
type ContentStatus string

const (
	ContentPending ContentStatus = "pending"
	ContentDone    ContentStatus = "done"
	ContentError   ContentStatus = "error"
)

// Publication states of a location record.
const (
	LocationDraft     = "draft"
	LocationPublished = "published"
)

// ErrEntityNotFound is returned by location stores when no record matches.
var ErrEntityNotFound = errors.New("location not found")

// ParentMissing prefixes the last error of an item whose parent location did
// not exist yet. The natural key of that parent follows the prefix.
const ParentMissing = "parent not found: "

// Location is a hierarchical record in the content store.
type Location struct {
	ID             string         `json:"id"`
	Type           EntityType     `json:"type"`
	ParentID       string         `json:"parent_id,omitempty"`
	NaturalKey     string         `json:"natural_key"`
	Code           string         `json:"code,omitempty"`
	GeoID          int64          `json:"geo_id,omitempty"`
	Name           string         `json:"name"`
	TranslatedName string         `json:"translated_name,omitempty"`
	Title          string         `json:"title"`
	Slug           string         `json:"slug"`
	Body           string         `json:"body,omitempty"`
	SEOTitle       string         `json:"seo_title,omitempty"`
	SEODescription string         `json:"seo_description,omitempty"`
	Status         string         `json:"status"`
	Latitude       *float64       `json:"latitude,omitempty"`
	Longitude      *float64       `json:"longitude,omitempty"`
	Population     *int64         `json:"population,omitempty"`
	Timezone       string         `json:"timezone,omitempty"`
	TimezoneStatus TimezoneStatus `json:"timezone_status"`
	ContentStatus  ContentStatus  `json:"content_status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NaturalKey builds the unique lookup key of a location: the region code for
// continents, the ISO code for countries and the geonames id for cities.
func NaturalKey(t EntityType, code string) string {
	return string(t) + ":" + strings.ToUpper(code)
}

// CityNaturalKey is NaturalKey for a city geonames id.
func CityNaturalKey(geoID int64) string {
	return NaturalKey(EntityCity, strconv.FormatInt(geoID, 10))
}
