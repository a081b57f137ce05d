package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/bgpwatch/aggregator/internal/metrics"
	"go.uber.org/zap"
)

// AttrCache is Component C6: a TTL cache of base-attribute hashes already
// written, so that a repeated base attribute update (the common case — the
// same attribute set is shared by many prefixes) is suppressed before it
// ever reaches a writer. Touch extends the TTL on repeat sight so hot
// attribute sets never expire mid-stream.
type AttrCache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	ttl    time.Duration
	logger *zap.Logger
}

func NewAttrCache(ttl time.Duration, logger *zap.Logger) *AttrCache {
	return &AttrCache{
		seen:   make(map[string]time.Time),
		ttl:    ttl,
		logger: logger.Named("attrcache"),
	}
}

// Touch reports whether hash has been seen within the TTL. If so, it
// refreshes the expiry and the caller should suppress the write. If not, it
// records the hash as seen now and the caller should proceed with the
// write.
func (c *AttrCache) Touch(hash string) (suppress bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt, ok := c.seen[hash]
	if ok && now.Before(expiresAt) {
		c.seen[hash] = now.Add(c.ttl)
		metrics.AttrDedupSuppressedTotal.Inc()
		return true
	}
	c.seen[hash] = now.Add(c.ttl)
	return false
}

// Purge removes every entry whose TTL has elapsed. Run on the configured
// purge cadence rather than on every Touch, to keep the hot path cheap.
func (c *AttrCache) Purge() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for h, expiresAt := range c.seen {
		if now.After(expiresAt) {
			delete(c.seen, h)
			removed++
		}
	}
	metrics.AttrDedupCacheSize.Set(float64(len(c.seen)))
	return removed
}

func (c *AttrCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// RunPurgeLoop purges expired entries on the given interval until ctx is
// cancelled.
func (c *AttrCache) RunPurgeLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := c.Purge()
			if removed > 0 {
				c.logger.Debug("purged expired attribute cache entries", zap.Int("removed", removed))
			}
		}
	}
}
