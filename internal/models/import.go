package models

import (
	"fmt"
	"sort"
	"strings"
)

// ImportOptions is the snapshot of operator choices for one import run. It is
// built once with NewImportOptions and passed by value afterwards.
type ImportOptions struct {
	continents          []string
	countries           []string
	minPopulation       int64
	maxCitiesPerCountry int
	clearExisting       bool
	filePath            string
}

// ImportRequest is the mutable input form of ImportOptions, as decoded from
// an HTTP body or CLI flags.
type ImportRequest struct {
	Continents          []string `json:"continents"`
	Countries           []string `json:"countries"`
	MinPopulation       int64    `json:"minPopulation"`
	MaxCitiesPerCountry int      `json:"maxCitiesPerCountry"`
	ClearExisting       bool     `json:"clearExisting"`
	FilePath            string   `json:"filePath"`
}

// NewImportOptions validates and normalises a request.
func NewImportOptions(req ImportRequest) (ImportOptions, error) {
	if req.MinPopulation < 0 {
		return ImportOptions{}, fmt.Errorf("%w: min population must not be negative", ErrInvalidPayload)
	}
	if req.MaxCitiesPerCountry < 0 {
		return ImportOptions{}, fmt.Errorf("%w: max cities per country must not be negative", ErrInvalidPayload)
	}
	if strings.TrimSpace(req.FilePath) == "" {
		return ImportOptions{}, fmt.Errorf("%w: file path is required", ErrInvalidPayload)
	}
	return ImportOptions{
		continents:          normaliseCodes(req.Continents),
		countries:           normaliseCodes(req.Countries),
		minPopulation:       req.MinPopulation,
		maxCitiesPerCountry: req.MaxCitiesPerCountry,
		clearExisting:       req.ClearExisting,
		filePath:            strings.TrimSpace(req.FilePath),
	}, nil
}

func (o ImportOptions) Continents() []string { return append([]string(nil), o.continents...) }
func (o ImportOptions) Countries() []string { return append([]string(nil), o.countries...) }
func (o ImportOptions) MinPopulation() int64 { return o.minPopulation }
func (o ImportOptions) MaxCitiesPerCountry() int { return o.maxCitiesPerCountry }
func (o ImportOptions) ClearExisting() bool { return o.clearExisting }
func (o ImportOptions) FilePath() string { return o.filePath }

func normaliseCodes(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
