package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
)

// BadgerCache keeps entries in a badger database using native key TTLs.
// It survives restarts when opened on disk, which keeps a warm cache
// across deploys.
type BadgerCache struct {
	db  *badger.DB
	ttl time.Duration
	counters
}

// BadgerCacheOptions configures OpenBadgerCache.
type BadgerCacheOptions struct {
	DataDir  string
	InMemory bool
	TTL      time.Duration
	Logger   badger.Logger
}

// OpenBadgerCache opens a dedicated badger instance for cache entries.
func OpenBadgerCache(opts BadgerCacheOptions) (*BadgerCache, error) {
	bo := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		bo = bo.WithInMemory(true).WithDir("").WithValueDir("")
	}
	bo = bo.WithLogger(opts.Logger).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(16 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(8 << 20).
		WithIndexCacheSize(4 << 20)
	db, err := badger.Open(bo)
	if err != nil {
		return nil, apperror.Wrap("cache.Open", fmt.Errorf("open badger cache: %w", err))
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &BadgerCache{db: db, ttl: ttl}, nil
}

// Close closes the underlying database.
func (c *BadgerCache) Close() error {
	return c.db.Close()
}

// Get implements Cache.
func (c *BadgerCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	const op = "cache.Get"
	if err := apperror.FromContext(op, ctx); err != nil {
		return nil, false, err
	}
	var val []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		c.miss()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(op, err)
	}
	c.hit()
	return val, true, nil
}

// Set implements Cache.
func (c *BadgerCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	const op = "cache.Set"
	if err := apperror.FromContext(op, ctx); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), value).WithTTL(ttl))
	})
	if err != nil {
		return unavailable(op, err)
	}
	return nil
}

// Delete implements Cache.
func (c *BadgerCache) Delete(ctx context.Context, key string) error {
	const op = "cache.Delete"
	if err := apperror.FromContext(op, ctx); err != nil {
		return err
	}
	if err := c.db.Update(func(txn *badger.Txn) error { return txn.Delete([]byte(key)) }); err != nil {
		return unavailable(op, err)
	}
	return nil
}

// Stats implements Cache. Size counts live keys.
func (c *BadgerCache) Stats() Stats {
	s := Stats{Backend: "badger"}
	_ = c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			s.Size++
		}
		return nil
	})
	c.fill(&s)
	return s
}

func unavailable(op string, err error) error {
	return &apperror.Error{Op: op, Kind: apperror.KindUnavailable, Err: err}
}
