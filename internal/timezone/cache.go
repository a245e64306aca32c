package timezone

import (
	"sync"

	"github.com/golang/geo/s2"
)

// CellCache remembers resolved zones per S2 cell so nearby places share
// one lookup. Level 0 disables it.
type CellCache struct {
	mu      sync.RWMutex
	level   int
	maxSize int
	zones   map[s2.CellID]string
}

// NewCellCache creates a cache at the given S2 level (1..30). Level 12
// cells are roughly 2 km across.
func NewCellCache(level, maxSize int) *CellCache {
	if level < 0 || level > s2.MaxLevel {
		level = 0
	}
	if maxSize <= 0 {
		maxSize = 100_000
	}
	return &CellCache{level: level, maxSize: maxSize, zones: map[s2.CellID]string{}}
}

func (c *CellCache) cell(lat, lng float64) s2.CellID {
	return s2.CellIDFromLatLng(s2.LatLngFromDegrees(lat, lng)).Parent(c.level)
}

// Get returns the zone cached for the cell containing the position.
func (c *CellCache) Get(lat, lng float64) (string, bool) {
	if c == nil || c.level == 0 {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	zone, ok := c.zones[c.cell(lat, lng)]
	return zone, ok
}

// Put stores a zone for the cell containing the position. When full the
// cache is reset rather than tracking recency.
func (c *CellCache) Put(lat, lng float64, zone string) {
	if c == nil || c.level == 0 || zone == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.zones) >= c.maxSize {
		c.zones = map[s2.CellID]string{}
	}
	c.zones[c.cell(lat, lng)] = zone
}

// Len reports the number of cached cells.
func (c *CellCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.zones)
}
