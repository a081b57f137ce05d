package ingest

import (
	"context"
	"sync"

	"github.com/bgpwatch/aggregator/internal/metrics"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// RouterCacheEntry mirrors the identity fields of a row in the routers
// table that downstream builders need without a round trip to the database.
type RouterCacheEntry struct {
	HashID        string
	CollectorHash string
	State         string
}

// querier is the read surface RouterCache needs; satisfied by *db.Handle.
type querier interface {
	Select(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// RouterCache is Component C5: an in-memory mirror of the routers table,
// rebuilt after every router upsert so lookups never block the write path
// on a query.
type RouterCache struct {
	mu      sync.RWMutex
	entries map[string]RouterCacheEntry
	db      querier
	logger  *zap.Logger
}

func NewRouterCache(db querier, logger *zap.Logger) *RouterCache {
	return &RouterCache{
		entries: make(map[string]RouterCacheEntry),
		db:      db,
		logger:  logger.Named("routercache"),
	}
}

// Get returns the cached entry for hashID, if present.
func (c *RouterCache) Get(hashID string) (RouterCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[hashID]
	return e, ok
}

// Put inserts or overwrites a single entry without a full rebuild.
func (c *RouterCache) Put(e RouterCacheEntry) {
	c.mu.Lock()
	c.entries[e.HashID] = e
	n := len(c.entries)
	c.mu.Unlock()
	metrics.RouterCacheSize.Set(float64(n))
}

// Refresh reloads the entire cache from the routers table.
func (c *RouterCache) Refresh(ctx context.Context) error {
	rows, err := c.db.Select(ctx, `SELECT hash_id, collector_hash_id, state FROM routers`)
	if err != nil {
		return err
	}
	defer rows.Close()

	fresh := make(map[string]RouterCacheEntry)
	for rows.Next() {
		var e RouterCacheEntry
		var collectorHash *string
		if err := rows.Scan(&e.HashID, &collectorHash, &e.State); err != nil {
			return err
		}
		if collectorHash != nil {
			e.CollectorHash = *collectorHash
		}
		fresh[e.HashID] = e
	}
	if err := rows.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.entries = fresh
	c.mu.Unlock()

	metrics.RouterCacheSize.Set(float64(len(fresh)))
	c.logger.Debug("router cache refreshed", zap.Int("entries", len(fresh)))
	return nil
}

// Size returns the number of cached entries, exposed for metrics.
func (c *RouterCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
