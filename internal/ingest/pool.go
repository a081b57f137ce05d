package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bgpwatch/aggregator/internal/db"
	"github.com/bgpwatch/aggregator/internal/metrics"
	"go.uber.org/zap"
)

// PoolConfig carries the scaling thresholds a Pool watches. Field names
// mirror the config keys so callers can build this directly off the loaded
// configuration.
type PoolConfig struct {
	MaxThreadsPerType      int
	AllowedOverQueueTimes  int
	SecondsThreadScaleBack int
	RebalanceSeconds       int
	QueueSize              int
	BatchRecords           int
	BatchTimeMillis        int
	Retries                int

	HighWatermark float64 // fraction of queue capacity considered "over" (0.75)
	LowWatermark  float64 // fraction considered "idle" (0.20)

	// ResetDeadline bounds how long Reset waits for every writer's queue to
	// drain before giving up and scaling up anyway.
	ResetDeadline time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxThreadsPerType:      4,
		AllowedOverQueueTimes:  3,
		SecondsThreadScaleBack: 300,
		RebalanceSeconds:       60,
		QueueSize:              5000,
		BatchRecords:           3000,
		BatchTimeMillis:        300,
		Retries:                5,
		HighWatermark:          0.75,
		LowWatermark:           0.20,
		ResetDeadline:          5 * time.Second,
	}
}

// Pool is Component C4: a set of Writers of one WriterType, sticky-routed by
// key so that a given key is always handled by the same writer (at most one
// writer per key per type, per the routing invariant), with scale-up,
// scale-down and rebalance driven by queue occupancy.
type Pool struct {
	typ    WriterType
	cfg    PoolConfig
	pool   connPool
	logger *zap.Logger

	mu          sync.Mutex
	writers     []*Writer
	route       map[string]int // key -> index into writers
	overCounts  []int          // consecutive high-watermark observations, per writer
	idleSince   []time.Time    // when a writer first dropped below the low watermark
	cancelFuncs []context.CancelFunc
	wg          sync.WaitGroup
	nextID      int
}

// connPool is the minimal surface Pool needs to hand a fresh Handle to a new
// writer when it scales up.
type connPool interface {
	Connect(ctx context.Context) (*db.Handle, error)
}

func NewPool(typ WriterType, cfg PoolConfig, conns connPool, logger *zap.Logger) *Pool {
	return &Pool{
		typ:    typ,
		cfg:    cfg,
		pool:   conns,
		logger: logger.Named("pool." + typ.String()),
		route:  make(map[string]int),
	}
}

// Start brings the pool up with a single writer and launches the background
// monitor that scales and rebalances it.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.addWriter(ctx); err != nil {
		return err
	}
	p.wg.Add(1)
	go p.monitor(ctx)
	return nil
}

// Stop cancels every writer's context and waits up to 5s for them to drain,
// giving up and returning anyway if a writer is still stuck past that join
// deadline.
func (p *Pool) Stop() {
	p.mu.Lock()
	for _, cancel := range p.cancelFuncs {
		cancel()
	}
	writers := append([]*Writer(nil), p.writers...)
	p.mu.Unlock()

	deadline := time.After(5 * time.Second)
	for _, w := range writers {
		select {
		case <-w.Stopped():
		case <-deadline:
			p.logger.Warn("writer pool stop hit 5s join deadline with writers still running")
			return
		}
	}
	p.wg.Wait()
}

func (p *Pool) addWriter(ctx context.Context) error {
	p.mu.Lock()
	if len(p.writers) >= p.cfg.MaxThreadsPerType {
		p.mu.Unlock()
		return fmt.Errorf("pool %s: at max threads (%d)", p.typ, p.cfg.MaxThreadsPerType)
	}
	id := fmt.Sprintf("%s-%d", p.typ, p.nextID)
	p.nextID++
	p.mu.Unlock()

	handle, err := p.pool.Connect(ctx)
	if err != nil {
		return fmt.Errorf("pool %s: connect writer %s: %w", p.typ, id, err)
	}

	w := NewWriter(id, p.typ, handle, p.cfg.QueueSize, p.cfg.BatchRecords,
		time.Duration(p.cfg.BatchTimeMillis)*time.Millisecond, p.cfg.Retries, p.logger)

	wctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.writers = append(p.writers, w)
	p.overCounts = append(p.overCounts, 0)
	p.idleSince = append(p.idleSince, time.Time{})
	p.cancelFuncs = append(p.cancelFuncs, cancel)
	n := len(p.writers)
	p.mu.Unlock()

	go w.Run(wctx)

	metrics.WriterPoolSize.WithLabelValues(p.typ.String()).Set(float64(n))
	metrics.WriterScaleEventsTotal.WithLabelValues(p.typ.String(), "up").Inc()
	p.logger.Info("writer added", zap.String("writer_id", id), zap.Int("pool_size", n))
	return nil
}

// Route assigns item to its sticky writer, creating the route on first
// sight of the key. If the assigned writer rejects the item (queue full or
// stopped), Route requeues onto another writer rather than lose the write;
// if every writer is saturated the item is dropped and counted.
func (p *Pool) Route(item IntakeItem) bool {
	p.mu.Lock()
	idx, ok := p.route[item.Key]
	if !ok || idx >= len(p.writers) {
		idx = p.leastLoadedLocked()
		p.route[item.Key] = idx
	}
	writers := p.writers
	p.mu.Unlock()

	if len(writers) == 0 {
		return false
	}
	if writers[idx].Enqueue(item) {
		return true
	}

	// Sticky writer rejected the item — try every other writer once before
	// giving up, and repoint the route if one accepts.
	metrics.IntakeRequeueTotal.WithLabelValues(p.typ.String()).Inc()
	for i, w := range writers {
		if i == idx {
			continue
		}
		if w.Enqueue(item) {
			p.mu.Lock()
			p.route[item.Key] = i
			p.mu.Unlock()
			return true
		}
	}
	return false
}

// leastLoadedLocked picks the writer with the smallest queue depth. Caller
// holds p.mu.
func (p *Pool) leastLoadedLocked() int {
	best := 0
	bestDepth := -1
	for i, w := range p.writers {
		d := w.QueueDepth()
		if bestDepth == -1 || d < bestDepth {
			best = i
			bestDepth = d
		}
	}
	return best
}

// monitor periodically checks queue occupancy against the high and low
// watermarks and scales the pool up, down, or rebalances sticky routes.
func (p *Pool) monitor(ctx context.Context) {
	defer p.wg.Done()
	checkTicker := time.NewTicker(5 * time.Second)
	defer checkTicker.Stop()
	rebalanceTicker := time.NewTicker(time.Duration(p.cfg.RebalanceSeconds) * time.Second)
	defer rebalanceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-checkTicker.C:
			p.checkScale(ctx)
		case <-rebalanceTicker.C:
			p.rebalance(ctx)
		}
	}
}

func (p *Pool) checkScale(ctx context.Context) {
	p.mu.Lock()
	n := len(p.writers)
	overAny := false
	for i, w := range p.writers {
		metrics.WriterQueueDepth.WithLabelValues(p.typ.String(), w.ID()).Set(float64(w.QueueDepth()))
		occ := occupancy(w)
		if occ >= p.cfg.HighWatermark {
			p.overCounts[i]++
			p.idleSince[i] = time.Time{}
			if p.overCounts[i] >= p.cfg.AllowedOverQueueTimes {
				overAny = true
			}
		} else {
			p.overCounts[i] = 0
			if occ < p.cfg.LowWatermark && p.idleSince[i].IsZero() {
				p.idleSince[i] = time.Now()
			} else if occ >= p.cfg.LowWatermark {
				p.idleSince[i] = time.Time{}
			}
		}
	}
	scaleBack := time.Duration(p.cfg.SecondsThreadScaleBack) * time.Second
	var idleIdx = -1
	if n > 1 {
		for i, since := range p.idleSince {
			if !since.IsZero() && time.Since(since) >= scaleBack {
				idleIdx = i
				break
			}
		}
	}
	p.mu.Unlock()

	if overAny && n < p.cfg.MaxThreadsPerType {
		p.Reset(ctx)
		if err := p.addWriter(ctx); err != nil {
			p.logger.Warn("scale up failed", zap.Error(err))
		}
		return
	}
	if idleIdx >= 0 {
		p.removeWriter(idleIdx)
	}
}

// Reset drains every writer's queue before a scale-up, so the new writer
// starts from a clean slate rather than racing in-flight batches: it waits
// (in 1ms steps, up to ResetDeadline) for every queue to empty, then clears
// the over/idle counters. Giving up at the deadline still proceeds with the
// scale-up rather than blocking it indefinitely.
func (p *Pool) Reset(ctx context.Context) {
	deadline := time.Now().Add(p.cfg.ResetDeadline)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		drained := true
		for _, w := range p.writers {
			if w.QueueDepth() > 0 {
				drained = false
				break
			}
		}
		p.mu.Unlock()
		if drained {
			break
		}
		time.Sleep(time.Millisecond)
	}

	p.mu.Lock()
	for i := range p.overCounts {
		p.overCounts[i] = 0
	}
	for i := range p.idleSince {
		p.idleSince[i] = time.Time{}
	}
	p.mu.Unlock()
}

func occupancy(w *Writer) float64 {
	if w.QueueCap() == 0 {
		return 0
	}
	return float64(w.QueueDepth()) / float64(w.QueueCap())
}

// removeWriter cancels and drops the writer at idx, remapping any sticky
// routes that pointed at it (and every index shifted by the removal).
func (p *Pool) removeWriter(idx int) {
	p.mu.Lock()
	if idx >= len(p.writers) || len(p.writers) <= 1 {
		p.mu.Unlock()
		return
	}
	w := p.writers[idx]
	cancel := p.cancelFuncs[idx]

	p.writers = append(p.writers[:idx], p.writers[idx+1:]...)
	p.overCounts = append(p.overCounts[:idx], p.overCounts[idx+1:]...)
	p.idleSince = append(p.idleSince[:idx], p.idleSince[idx+1:]...)
	p.cancelFuncs = append(p.cancelFuncs[:idx], p.cancelFuncs[idx+1:]...)

	for k, i := range p.route {
		switch {
		case i == idx:
			delete(p.route, k)
		case i > idx:
			p.route[k] = i - 1
		}
	}
	n := len(p.writers)
	p.mu.Unlock()

	cancel()
	<-w.Stopped()

	metrics.WriterPoolSize.WithLabelValues(p.typ.String()).Set(float64(n))
	metrics.WriterScaleEventsTotal.WithLabelValues(p.typ.String(), "down").Inc()
	p.logger.Info("writer removed", zap.String("writer_id", w.ID()), zap.Int("pool_size", n))
}

// rebalance moves the most-loaded writer's sticky routes round-robin across
// every writer. Before it
// touches a single route, it drains the single most-overloaded writer's
// queue (up to ResetDeadline) so every item already enqueued for a key about
// to move lands on the old writer first — otherwise a newer write for that
// key could reach the newly assigned writer and commit before an older,
// still-queued write on the old one flushes, leaving stale state on top of
// newer state.
func (p *Pool) rebalance(ctx context.Context) {
	p.mu.Lock()
	n := len(p.writers)
	if n <= 1 || len(p.route) == 0 {
		p.mu.Unlock()
		return
	}

	counts := make([]int, n)
	for _, i := range p.route {
		if i < n {
			counts[i]++
		}
	}
	max, min, maxIdx := counts[0], counts[0], 0
	for i, c := range counts {
		if c > max {
			max = c
			maxIdx = i
		}
		if c < min {
			min = c
		}
	}
	total := len(p.route)
	if total == 0 || float64(max-min)/float64(total) < 0.5 {
		p.mu.Unlock()
		return
	}
	overloaded := p.writers[maxIdx]
	p.mu.Unlock()

	p.drainWriter(ctx, overloaded)

	p.mu.Lock()
	defer p.mu.Unlock()
	n = len(p.writers)
	if n <= 1 || len(p.route) == 0 {
		return
	}
	from := -1
	for i, w := range p.writers {
		if w == overloaded {
			from = i
		}
	}
	if from < 0 {
		return
	}
	next := 0
	for k, i := range p.route {
		if i != from {
			continue
		}
		p.route[k] = next % n
		next++
	}
	metrics.WriterScaleEventsTotal.WithLabelValues(p.typ.String(), "rebalance").Inc()
	p.logger.Info("rebalanced sticky routes", zap.Int("keys", len(p.route)), zap.Int("writers", n))
}

// drainWriter waits (in 1ms steps, up to ResetDeadline) for w's queue to
// empty, giving up and proceeding anyway at the deadline rather than
// blocking rebalancing indefinitely on a stuck writer.
func (p *Pool) drainWriter(ctx context.Context, w *Writer) {
	deadline := time.Now().Add(p.cfg.ResetDeadline)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		if w.QueueDepth() == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// Snapshot reports the pool's current shape for the /debug/pools endpoint.
func (p *Pool) Snapshot() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	writers := make([]map[string]any, 0, len(p.writers))
	for _, w := range p.writers {
		writers = append(writers, map[string]any{
			"id":          w.ID(),
			"state":       w.State().String(),
			"queue_depth": w.QueueDepth(),
			"queue_cap":   w.QueueCap(),
		})
	}
	return map[string]any{
		"type":       p.typ.String(),
		"writers":    writers,
		"route_keys": len(p.route),
	}
}
