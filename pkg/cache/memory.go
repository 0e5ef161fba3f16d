package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
)

// MemoryCache is an in-process LRU with per-entry expiry.
type MemoryCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	list    *list.List
	items   map[string]*list.Element
	now     func() time.Time
	counters
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache creates a cache holding at most maxSize entries.
// maxSize <= 0 defaults to 10000; ttl <= 0 defaults to DefaultTTL.
func NewMemoryCache(maxSize int, ttl time.Duration) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		maxSize: maxSize,
		ttl:     ttl,
		list:    list.New(),
		items:   make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Get returns a copy of the cached value. Expired entries are dropped.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := apperror.FromContext("cache.Get", ctx); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.miss()
		return nil, false, nil
	}
	e := elem.Value.(*entry)
	if !c.now().Before(e.expiresAt) {
		c.removeElement(elem)
		c.miss()
		return nil, false, nil
	}
	c.list.MoveToFront(elem)
	c.hit()
	return append([]byte(nil), e.value...), true, nil
}

// Set stores value, evicting the least recently used entry when full.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := apperror.FromContext("cache.Set", ctx); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	v := append([]byte(nil), value...)

	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(ttl)
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry)
		e.value = v
		e.expiresAt = expires
		c.list.MoveToFront(elem)
		return nil
	}
	for c.list.Len() >= c.maxSize {
		c.removeElement(c.list.Back())
	}
	c.items[key] = c.list.PushFront(&entry{key: key, value: v, expiresAt: expires})
	return nil
}

// Delete removes key if present.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	if err := apperror.FromContext("cache.Delete", ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	return nil
}

// Len returns the number of entries, including ones not yet found expired.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats implements Cache.
func (c *MemoryCache) Stats() Stats {
	s := Stats{Backend: "memory", MaxSize: c.maxSize, Size: c.Len()}
	c.fill(&s)
	return s
}

func (c *MemoryCache) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*entry).key)
}
