// Package cache provides the key/value layer used for cache-aside gene
// lookups.
//
// Every entry carries a TTL: Set with a non-positive TTL falls back to the
// cache's default, so nothing is ever served indefinitely. Absence is not
// an error; Get reports it through its bool result.
package cache

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultTTL bounds staleness of cached gene snapshots.
const DefaultTTL = 60 * time.Second

// Cache is the contract shared by the in-process and badger backends.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Stats() Stats
}

// GeneKey namespaces a gene identifier.
func GeneKey(id string) string {
	return "gene:" + id
}

// Stats reports cache effectiveness.
type Stats struct {
	Backend string  `json:"backend"`
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size,omitempty"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"` // percentage 0-100
}

type counters struct {
	hits   atomic.Uint64
	misses atomic.Uint64
}

func (c *counters) hit()  { c.hits.Add(1) }
func (c *counters) miss() { c.misses.Add(1) }

func (c *counters) fill(s *Stats) {
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total) * 100
	}
}
