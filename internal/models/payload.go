package models

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ContinentPayload is the payload of a continent item.
type ContinentPayload struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

func (p ContinentPayload) Validate() error {
	if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Code) == "" {
		return fmt.Errorf("%w: continent requires name and code", ErrInvalidPayload)
	}
	return nil
}

// CountryPayload is the payload of a country item.
type CountryPayload struct {
	Name          string   `json:"name"`
	ISOCode       string   `json:"isoCode"`
	ContinentCode string   `json:"continentCode"`
	GeoID         int64    `json:"geoId"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
}

func (p CountryPayload) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: country requires name", ErrInvalidPayload)
	}
	if len(p.ISOCode) != 2 {
		return fmt.Errorf("%w: country iso code %q", ErrInvalidPayload, p.ISOCode)
	}
	if p.ContinentCode == "" {
		return fmt.Errorf("%w: country requires continent code", ErrInvalidPayload)
	}
	return nil
}

// CityPayload is the payload of a city item.
type CityPayload struct {
	Name        string  `json:"name"`
	CountryCode string  `json:"countryCode"`
	GeoID       int64   `json:"geoId"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Population  *int64  `json:"population,omitempty"`
	// Timezone is the zone recorded in the dataset, used as a fallback only.
	Timezone string `json:"timezone,omitempty"`
}

func (p CityPayload) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: city requires name", ErrInvalidPayload)
	}
	if len(p.CountryCode) != 2 {
		return fmt.Errorf("%w: city country code %q", ErrInvalidPayload, p.CountryCode)
	}
	if p.GeoID <= 0 {
		return fmt.Errorf("%w: city requires geo id", ErrInvalidPayload)
	}
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: city coordinates out of range", ErrInvalidPayload)
	}
	return nil
}

// ImportProgress is persisted on a cities_import item when a scan pass is cut short.
type ImportProgress struct {
	Line          int            `json:"line"`
	CountryCounts map[string]int `json:"countryCounts,omitempty"`
	Enqueued      int            `json:"enqueued"`
}

// CitiesImportPayload is the payload of the single cities_import item of an import run.
type CitiesImportPayload struct {
	FilePath             string          `json:"filePath"`
	MinPopulation        int64           `json:"minPopulation"`
	MaxCitiesPerCountry  int             `json:"maxCitiesPerCountry"`
	FilteredCountryCodes []string        `json:"filteredCountryCodes"`
	Progress             *ImportProgress `json:"progress,omitempty"`
}

func (p CitiesImportPayload) Validate() error {
	if strings.TrimSpace(p.FilePath) == "" {
		return fmt.Errorf("%w: cities import requires file path", ErrInvalidPayload)
	}
	if p.MinPopulation < 0 || p.MaxCitiesPerCountry < 0 {
		return fmt.Errorf("%w: negative import limits", ErrInvalidPayload)
	}
	return nil
}

// TimezonePayload is the payload of a timezone resolution item.
type TimezonePayload struct {
	EntityID  string  `json:"entityId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (p TimezonePayload) Validate() error {
	if p.EntityID == "" {
		return fmt.Errorf("%w: timezone requires entity id", ErrInvalidPayload)
	}
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: timezone coordinates out of range", ErrInvalidPayload)
	}
	return nil
}

// AIContentPayload is the payload of a content generation item.
type AIContentPayload struct {
	EntityID   string     `json:"entityId"`
	EntityType EntityType `json:"entityType"`
}

func (p AIContentPayload) Validate() error {
	if p.EntityID == "" {
		return fmt.Errorf("%w: ai content requires entity id", ErrInvalidPayload)
	}
	if !p.EntityType.Valid() {
		return fmt.Errorf("%w: ai content entity type %q", ErrInvalidPayload, p.EntityType)
	}
	return nil
}

// Source keys identify the logical subject of an item for dedup checks.

func ContinentKey(code string) string { return "continent_" + strings.ToUpper(code) }

func CountryKey(iso string) string { return "country_" + strings.ToUpper(iso) }

func CityKey(geoID int64) string { return "city_" + strconv.FormatInt(geoID, 10) }

func TimezoneKey(entityID string) string { return "tz_" + entityID }

func AIContentKey(t EntityType, entityID string) string { return "ai_" + string(t) + "_" + entityID }

// CitiesImportKey derives a stable key from the import parameters.
func CitiesImportKey(p CitiesImportPayload) string {
	codes := append([]string(nil), p.FilteredCountryCodes...)
	sort.Strings(codes)
	h := sha1.New()
	fmt.Fprintf(h, "%s|%d|%d|%s", p.FilePath, p.MinPopulation, p.MaxCitiesPerCountry, strings.Join(codes, ","))
	return "cities_import_" + hex.EncodeToString(h.Sum(nil))[:12]
}
