// Package cache provides the client's local node cache: a
// Badger-backed store of recently fetched node information with TTL
// expiry and explicit invalidation on writes.
//
// The cache is an optimization, never an authority. Entries expire on
// their own, and every mutation the client performs invalidates the
// nodes it touched, so staleness is bounded by the TTL even when other
// clients mutate the same tree.
package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tarnfs/tarnfs/internal/codec"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

const defaultTTL = 30 * time.Second

// Config holds the cache parameters.
type Config struct {
	// Path is the Badger directory. Empty means a purely in-memory
	// cache.
	Path string

	// TTL is how long an entry stays valid. Zero means 30s.
	TTL time.Duration
}

// NodeCache caches metadata.NodeInfo by node id.
//
// Thread safety: Badger transactions handle concurrency; the struct
// itself is immutable after Open.
type NodeCache struct {
	db  *badger.DB
	ttl time.Duration
}

// Open creates or opens the cache.
func Open(cfg Config) (*NodeCache, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.Path == "" {
		opts = opts.WithInMemory(true)
	}
	// Badger's default logger is chatty on stderr; the cache is an
	// optimization and failures are non-fatal, so keep it quiet.
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening node cache: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	return &NodeCache{db: db, ttl: ttl}, nil
}

func cacheKey(id metadata.NodeID) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

// Get returns the cached info for id and whether it was present. A
// corrupt entry is treated as a miss and dropped.
func (c *NodeCache) Get(id metadata.NodeID) (metadata.NodeInfo, bool) {
	var info metadata.NodeInfo
	found := false

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := codec.Unmarshal(val, &info); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		// Undecodable entries self-heal by invalidation.
		c.Invalidate(id)
	}

	return info, found
}

// Put stores info for id with the configured TTL.
func (c *NodeCache) Put(id metadata.NodeID, info metadata.NodeInfo) {
	data, err := codec.Marshal(info)
	if err != nil {
		return
	}

	// Cache write failures are ignored: the next Get just misses.
	_ = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(cacheKey(id), data).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
}

// Invalidate drops the entry for id.
func (c *NodeCache) Invalidate(id metadata.NodeID) {
	_ = c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cacheKey(id))
	})
}

// Close closes the underlying database.
func (c *NodeCache) Close() error {
	return c.db.Close()
}
