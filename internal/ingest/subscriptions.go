package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/bgpwatch/aggregator/internal/metrics"
	"go.uber.org/zap"
)

// subscriptionTimeout is not a fixed constant — it is passed in from config
// (subscription_timeout_seconds) — but the sweep interval is fixed at 30s
// per the notification fan-out design this component implements.
const sweepInterval = 30 * time.Second

// Subscriptions is Component C7: a set of resources currently subscribed
// for notification, each with an expiry. A resource with no active
// subscription is simply not in the map — Subscribe both adds a new entry
// and refreshes an existing one's expiry.
type Subscriptions struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	timeout time.Duration
	logger  *zap.Logger
}

func NewSubscriptions(timeout time.Duration, logger *zap.Logger) *Subscriptions {
	return &Subscriptions{
		entries: make(map[string]time.Time),
		timeout: timeout,
		logger:  logger.Named("subscriptions"),
	}
}

// Subscribe records resource as subscribed, with its expiry pushed out from
// now.
func (s *Subscriptions) Subscribe(resource string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[resource] = time.Now().Add(s.timeout)
	metrics.SubscriptionsActive.Set(float64(len(s.entries)))
}

// Unsubscribe immediately removes resource's subscription.
func (s *Subscriptions) Unsubscribe(resource string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, resource)
	metrics.SubscriptionsActive.Set(float64(len(s.entries)))
}

// IsSubscribed reports whether resource currently has a live subscription.
func (s *Subscriptions) IsSubscribed(resource string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiresAt, ok := s.entries[resource]
	return ok && time.Now().Before(expiresAt)
}

// Sweep removes every subscription past its expiry and returns how many
// were removed.
func (s *Subscriptions) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for r, expiresAt := range s.entries {
		if now.After(expiresAt) {
			delete(s.entries, r)
			removed++
		}
	}
	metrics.SubscriptionsActive.Set(float64(len(s.entries)))
	return removed
}

// RunSweepLoop sweeps expired subscriptions every 30 seconds until ctx is
// cancelled.
func (s *Subscriptions) RunSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.Sweep(); removed > 0 {
				s.logger.Debug("swept expired subscriptions", zap.Int("removed", removed))
			}
		}
	}
}
