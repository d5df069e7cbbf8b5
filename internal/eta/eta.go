package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-booking/internal/geo"
	"github.com/example/ride-booking/internal/models"
)

// DefaultSpeedMps is about 28.8 km/h, a typical city average.
const DefaultSpeedMps = 8.0

// Estimator is used by the matcher to get pickup ETAs.
type Estimator interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Naive estimates straight-line distance over a constant speed.
type Naive struct {
	SpeedMps float64
}

func (n Naive) EstimateSeconds(_ context.Context, from, to models.Coord) (float64, error) {
	return EstimateSeconds(from, to, n.SpeedMps), nil
}

func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.HaversineKm(from, to) * 1000 / speedMps
}

// Cached consults the cache, then the primary estimator, then the fallback.
type Cached struct {
	Primary  Estimator
	Fallback Estimator
	Cache    *Cache
}

func (c *Cached) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	if c.Cache != nil {
		if v, ok := c.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	var (
		v   float64
		err error
	)
	if c.Primary != nil {
		v, err = c.Primary.EstimateSeconds(ctx, from, to)
	}
	if c.Primary == nil || err != nil {
		if c.Fallback == nil {
			return 0, err
		}
		if v, err = c.Fallback.EstimateSeconds(ctx, from, to); err != nil {
			return 0, err
		}
	}
	if c.Cache != nil {
		c.Cache.Set(from, to, v)
	}
	return v, nil
}
