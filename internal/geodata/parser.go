package geodata

import (
	"archive/zip"
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrStopped is reported by Scanner.Err when the yield callback asked the scan to stop.
var ErrStopped = errors.New("scan stopped by caller")

const (
	geonamesColumns   = 19
	defaultCheckEvery = 1000
	maxLineBytes      = 4 * 1024 * 1024
)

// City is one populated place from a geonames dump.
type City struct {
	GeoID        int64
	Name         string
	ASCIIName    string
	Latitude     float64
	Longitude    float64
	FeatureClass string
	FeatureCode  string
	CountryCode  string
	Admin1       string
	// Population is zero when the dataset does not know it.
	Population int64
	Timezone   string
}

// Filters select which records a scan emits. They are applied in field order.
type Filters struct {
	// CountryCodes is an allow-list of ISO codes; empty allows every country.
	CountryCodes []string
	// MinPopulation drops places with a known population below it. Places
	// with an unknown (zero) population are always kept.
	MinPopulation int64
	// MaxCitiesPerCountry caps emitted places per country, first come first
	// served in file order. Zero means no cap.
	MaxCitiesPerCountry int
	// SkipLines lines are read but not evaluated, for resuming a previous pass.
	SkipLines int
	// CountryCounts seeds the per-country emitted counts of a resumed pass.
	CountryCounts map[string]int
}

// ScanStats counts what happened to every line read so far.
type ScanStats struct {
	Lines             int `json:"lines"`
	Malformed         int `json:"malformed"`
	Emitted           int `json:"emitted"`
	SkippedCountry    int `json:"skipped_country"`
	SkippedFeature    int `json:"skipped_feature"`
	SkippedPopulation int `json:"skipped_population"`
	SkippedCap        int `json:"skipped_cap"`
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithYield installs a callback consulted every few lines; returning false
// stops the scan with ErrStopped.
func WithYield(fn func() bool) Option {
	return func(s *Scanner) { s.yield = fn }
}

// WithCheckEvery sets how many lines pass between yield checks.
func WithCheckEvery(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.checkEvery = n
		}
	}
}

// Scanner streams filtered city records from a geonames dump without
// loading the file into memory. Use it like bufio.Scanner:
//
//	for sc.Next() {
//		city := sc.City()
//	}
//	if err := sc.Err(); err != nil { ... }
type Scanner struct {
	lines   *bufio.Scanner
	closers []io.Closer

	filters Filters
	allowed map[string]struct{}
	counts  map[string]int

	yield      func() bool
	checkEvery int
	sinceCheck int

	line  int
	city  City
	err   error
	stats ScanStats
}

// Open starts a fresh scan of path. Plain text, .zip and .gz files are supported.
func Open(path string, f Filters, opts ...Option) (*Scanner, error) {
	var closers []io.Closer
	var r io.Reader

	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip":
		rz, err := zip.OpenReader(path)
		if err != nil {
			return nil, fmt.Errorf("opening zip file: %w", err)
		}
		entry := pickZipEntry(rz.File)
		if entry == nil {
			rz.Close()
			return nil, fmt.Errorf("zip file %s has no .txt entry", path)
		}
		fi, err := entry.Open()
		if err != nil {
			rz.Close()
			return nil, fmt.Errorf("opening file in zip: %w", err)
		}
		closers = append(closers, fi, rz)
		r = fi
	case ".gz":
		fi, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening file: %w", err)
		}
		fz, err := gzip.NewReader(fi)
		if err != nil {
			fi.Close()
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		closers = append(closers, fz, fi)
		r = fz
	default:
		fi, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening file: %w", err)
		}
		closers = append(closers, fi)
		r = fi
	}

	s := NewScanner(r, f, opts...)
	s.closers = closers
	return s, nil
}

// NewScanner scans an already opened reader. Close is a no-op for it.
func NewScanner(r io.Reader, f Filters, opts ...Option) *Scanner {
	lines := bufio.NewScanner(r)
	lines.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lines.Split(bufio.ScanLines)

	s := &Scanner{
		lines:      lines,
		filters:    f,
		counts:     make(map[string]int, len(f.CountryCounts)),
		checkEvery: defaultCheckEvery,
	}
	for cc, n := range f.CountryCounts {
		s.counts[strings.ToUpper(cc)] = n
	}
	if len(f.CountryCodes) > 0 {
		s.allowed = make(map[string]struct{}, len(f.CountryCodes))
		for _, cc := range f.CountryCodes {
			s.allowed[strings.ToUpper(strings.TrimSpace(cc))] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next advances to the next accepted record.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	for {
		if s.yield != nil && s.sinceCheck >= s.checkEvery {
			s.sinceCheck = 0
			if !s.yield() {
				s.err = ErrStopped
				return false
			}
		}
		if !s.lines.Scan() {
			if err := s.lines.Err(); err != nil {
				s.err = fmt.Errorf("scanning line %d: %w", s.line+1, err)
			}
			return false
		}
		s.line++
		s.sinceCheck++
		if s.line <= s.filters.SkipLines {
			continue
		}
		text := s.lines.Text()
		if strings.TrimSpace(text) == "" || text[0] == '#' {
			continue
		}
		s.stats.Lines++
		city, ok := parseLine(text)
		if !ok {
			s.stats.Malformed++
			continue
		}
		if !s.accept(city) {
			continue
		}
		s.city = city
		s.stats.Emitted++
		return true
	}
}

// City returns the record found by the last successful Next.
func (s *Scanner) City() City { return s.city }

// Err returns the first error met, or ErrStopped. A clean end of file is nil.
func (s *Scanner) Err() error { return s.err }

// Line is the number of physical lines consumed, including skipped ones.
func (s *Scanner) Line() int { return s.line }

// Stats returns the counters of lines evaluated by this scan.
func (s *Scanner) Stats() ScanStats { return s.stats }

// Counts returns a copy of the per-country emitted counts.
func (s *Scanner) Counts() map[string]int {
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Close releases the underlying file handles.
func (s *Scanner) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

func (s *Scanner) accept(c City) bool {
	if s.allowed != nil {
		if _, ok := s.allowed[c.CountryCode]; !ok {
			s.stats.SkippedCountry++
			return false
		}
	}
	if c.FeatureClass != "P" {
		s.stats.SkippedFeature++
		return false
	}
	if s.filters.MinPopulation > 0 && c.Population > 0 && c.Population < s.filters.MinPopulation {
		s.stats.SkippedPopulation++
		return false
	}
	if s.filters.MaxCitiesPerCountry > 0 && s.counts[c.CountryCode] >= s.filters.MaxCitiesPerCountry {
		s.stats.SkippedCap++
		return false
	}
	s.counts[c.CountryCode]++
	return true
}

// parseLine decodes one geonames row. Unparseable numbers become zero; only a
// wrong column count, a missing id or a missing name reject the row.
func parseLine(text string) (City, bool) {
	fields := strings.Split(text, "\t")
	if len(fields) != geonamesColumns {
		return City{}, false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil || id <= 0 {
		return City{}, false
	}
	name := strings.TrimSpace(fields[1])
	if name == "" {
		return City{}, false
	}
	lat, _ := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64)
	lng, _ := strconv.ParseFloat(strings.TrimSpace(fields[5]), 64)
	pop, _ := strconv.ParseInt(strings.TrimSpace(fields[14]), 10, 64)
	if pop < 0 {
		pop = 0
	}
	return City{
		GeoID:        id,
		Name:         name,
		ASCIIName:    strings.TrimSpace(fields[2]),
		Latitude:     lat,
		Longitude:    lng,
		FeatureClass: strings.TrimSpace(fields[6]),
		FeatureCode:  strings.TrimSpace(fields[7]),
		CountryCode:  strings.ToUpper(strings.TrimSpace(fields[8])),
		Admin1:       strings.TrimSpace(fields[10]),
		Population:   pop,
		Timezone:     strings.TrimSpace(fields[17]),
	}, true
}

func pickZipEntry(files []*zip.File) *zip.File {
	for _, f := range files {
		name := strings.ToLower(filepath.Base(f.Name))
		if strings.HasSuffix(name, ".txt") && !strings.HasPrefix(name, "readme") {
			return f
		}
	}
	return nil
}
