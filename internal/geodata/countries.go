package geodata

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed countries.yaml
var countriesYAML []byte

// Continent is a top-level region.
type Continent struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`
}

// Country is a row of the country reference table.
type Country struct {
	ISO       string `yaml:"iso"`
	Name      string `yaml:"name"`
	Continent string `yaml:"continent"`
	Timezone  string `yaml:"tz"`
	Complex   bool   `yaml:"complex"`
	GeoID     int64  `yaml:"geoid"`
}

// CountryTable answers continent, timezone and complexity questions about countries.
type CountryTable struct {
	continents []Continent
	countries  map[string]Country
}

type countryFile struct {
	Continents []Continent `yaml:"continents"`
	Countries  []Country   `yaml:"countries"`
}

// DefaultCountries parses the embedded reference table.
func DefaultCountries() (*CountryTable, error) {
	return ParseCountries(countriesYAML)
}

// ParseCountries builds a table from YAML in the embedded file's format.
func ParseCountries(raw []byte) (*CountryTable, error) {
	var f countryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse country table: %w", err)
	}
	t := &CountryTable{countries: make(map[string]Country, len(f.Countries))}
	known := map[string]bool{}
	for _, c := range f.Continents {
		c.Code = strings.ToUpper(c.Code)
		known[c.Code] = true
		t.continents = append(t.continents, c)
	}
	for _, c := range f.Countries {
		c.ISO = strings.ToUpper(c.ISO)
		c.Continent = strings.ToUpper(c.Continent)
		if !known[c.Continent] {
			return nil, fmt.Errorf("country %s: unknown continent %q", c.ISO, c.Continent)
		}
		t.countries[c.ISO] = c
	}
	return t, nil
}

// Continents returns every continent ordered by code.
func (t *CountryTable) Continents() []Continent {
	out := append([]Continent(nil), t.continents...)
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Continent looks a continent up by code.
func (t *CountryTable) Continent(code string) (Continent, bool) {
	code = strings.ToUpper(code)
	for _, c := range t.continents {
		if c.Code == code {
			return c, true
		}
	}
	return Continent{}, false
}

// Country looks a country up by ISO code.
func (t *CountryTable) Country(iso string) (Country, bool) {
	c, ok := t.countries[strings.ToUpper(iso)]
	return c, ok
}

// Countries returns all countries ordered by ISO code.
func (t *CountryTable) Countries() []Country {
	out := make([]Country, 0, len(t.countries))
	for _, c := range t.countries {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ISO < out[j].ISO })
	return out
}

// CountriesIn returns the countries of a continent ordered by ISO code.
func (t *CountryTable) CountriesIn(continent string) []Country {
	continent = strings.ToUpper(continent)
	var out []Country
	for _, c := range t.Countries() {
		if c.Continent == continent {
			out = append(out, c)
		}
	}
	return out
}

// IsComplex reports whether cities of the country need per-coordinate zone lookup.
func (t *CountryTable) IsComplex(iso string) bool {
	c, ok := t.Country(iso)
	return ok && c.Complex
}

// DefaultTimezone returns the zone shared by a whole country. Complex and
// unknown countries have none.
func (t *CountryTable) DefaultTimezone(iso string) (string, bool) {
	c, ok := t.Country(iso)
	if !ok || c.Complex || c.Timezone == "" {
		return "", false
	}
	return c.Timezone, true
}

// Merge overlays geonames ids and names from countryInfo rows. Rows for
// countries missing from the table are ignored.
func (t *CountryTable) Merge(rows []CountryInfo) {
	for _, r := range rows {
		c, ok := t.countries[r.ISO]
		if !ok {
			continue
		}
		if r.GeoID > 0 {
			c.GeoID = r.GeoID
		}
		if r.Name != "" {
			c.Name = r.Name
		}
		t.countries[r.ISO] = c
	}
}
