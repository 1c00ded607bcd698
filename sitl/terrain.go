// sitl/terrain.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package sitl

import (
	gomath "math"
	"sync/atomic"
	"time"

	"github.com/fireeye-uav/engout/math"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TerrainConfig describes a synthetic terrain of rolling hills around
// the home location.
type TerrainConfig struct {
	Base       float64 `json:"base"`       // meters AMSL
	Amplitude  float64 `json:"amplitude"`  // meters
	Wavelength float64 `json:"wavelength"` // meters; 0 for flat
	Spacing    float64 `json:"spacing"`    // grid spacing, meters
	CacheSize  int     `json:"cache_size"`
}

func (c *TerrainConfig) setDefaults() {
	if c.Spacing <= 0 {
		c.Spacing = 30
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1024
	}
}

type gridPoint [2]int

// Terrain returns terrain heights by bilinear interpolation between
// grid samples, which are kept in an LRU cache the way the flight stack
// keeps terrain tiles.
type Terrain struct {
	cfg    TerrainConfig
	origin math.Point2LL
	cache  *expirable.LRU[gridPoint, float64]

	hits, misses atomic.Int64
}

func NewTerrain(cfg TerrainConfig, origin math.Point2LL) *Terrain {
	cfg.setDefaults()
	return &Terrain{
		cfg:    cfg,
		origin: origin,
		cache:  expirable.NewLRU[gridPoint, float64](cfg.CacheSize, nil, time.Hour),
	}
}

// Height returns the terrain height in meters AMSL at p.
func (t *Terrain) Height(p math.Point2LL) float64 {
	ne := math.NEOffset(t.origin, p)
	gn, ge := ne[0]/t.cfg.Spacing, ne[1]/t.cfg.Spacing
	i, j := gomath.Floor(gn), gomath.Floor(ge)
	fn, fe := gn-i, ge-j
	gi, gj := int(i), int(j)

	h0 := math.Lerp(fe, t.sample(gi, gj), t.sample(gi, gj+1))
	h1 := math.Lerp(fe, t.sample(gi+1, gj), t.sample(gi+1, gj+1))
	return math.Lerp(fn, h0, h1)
}

func (t *Terrain) sample(i, j int) float64 {
	k := gridPoint{i, j}
	if h, ok := t.cache.Get(k); ok {
		t.hits.Add(1)
		return h
	}
	t.misses.Add(1)

	h := t.cfg.Base
	if t.cfg.Wavelength > 0 {
		w := 2 * gomath.Pi / t.cfg.Wavelength
		n, e := float64(i)*t.cfg.Spacing, float64(j)*t.cfg.Spacing
		h += t.cfg.Amplitude * gomath.Sin(n*w) * gomath.Cos(e*w)
	}
	t.cache.Add(k, h)
	return h
}

// CacheStats returns the number of grid lookups served from the cache
// and the number computed.
func (t *Terrain) CacheStats() (hits, misses int64) {
	return t.hits.Load(), t.misses.Load()
}
