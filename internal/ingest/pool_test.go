package ingest

import (
	"context"
	"testing"
	"time"
)

func TestPool_StickyRoutingIsStable(t *testing.T) {
	p := &Pool{
		typ:   WriterDefault,
		cfg:   DefaultPoolConfig(),
		route: make(map[string]int),
	}
	w0 := NewWriter("w0", WriterDefault, nil, 10, 10, 0, 0, noopLogger())
	w1 := NewWriter("w1", WriterDefault, nil, 10, 10, 0, 0, noopLogger())
	w0.state.Store(int32(WriterRunning))
	w1.state.Store(int32(WriterRunning))
	p.writers = []*Writer{w0, w1}
	p.overCounts = []int{0, 0}
	p.idleSince = make([]time.Time, 2)

	item := IntakeItem{Key: "peer-1", Table: "peers"}
	if !p.Route(item) {
		t.Fatal("expected route to succeed")
	}
	firstIdx := p.route["peer-1"]

	for i := 0; i < 10; i++ {
		p.Route(item)
		if p.route["peer-1"] != firstIdx {
			t.Fatalf("sticky route changed across calls: %d -> %d", firstIdx, p.route["peer-1"])
		}
	}
}

func TestPool_RouteFailsWithNoWriters(t *testing.T) {
	p := &Pool{
		typ:   WriterDefault,
		cfg:   DefaultPoolConfig(),
		route: make(map[string]int),
	}
	if p.Route(IntakeItem{Key: "k"}) {
		t.Fatal("expected Route to fail with zero writers")
	}
}

func TestPool_RebalanceSkipsWhenBalanced(t *testing.T) {
	p := &Pool{
		typ:   WriterDefault,
		cfg:   DefaultPoolConfig(),
		route: map[string]int{"a": 0, "b": 1, "c": 0, "d": 1},
	}
	w0 := NewWriter("w0", WriterDefault, nil, 10, 10, 0, 0, noopLogger())
	w1 := NewWriter("w1", WriterDefault, nil, 10, 10, 0, 0, noopLogger())
	p.writers = []*Writer{w0, w1}

	before := map[string]int{"a": p.route["a"], "b": p.route["b"]}
	p.rebalance(context.Background())
	if p.route["a"] != before["a"] || p.route["b"] != before["b"] {
		t.Error("expected balanced pool routes to remain unchanged")
	}
}

func TestPool_ResetClearsCountersAfterDrain(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.ResetDeadline = 200 * time.Millisecond
	p := &Pool{
		typ:   WriterDefault,
		cfg:   cfg,
		route: make(map[string]int),
	}
	w0 := NewWriter("w0", WriterDefault, nil, 10, 10, 0, 0, noopLogger())
	w0.state.Store(int32(WriterRunning))
	p.writers = []*Writer{w0}
	p.overCounts = []int{3}
	p.idleSince = []time.Time{time.Now()}

	p.Reset(context.Background())

	if p.overCounts[0] != 0 {
		t.Errorf("expected overCounts reset to 0, got %d", p.overCounts[0])
	}
	if !p.idleSince[0].IsZero() {
		t.Error("expected idleSince reset to zero value")
	}
}

func TestPool_ResetGivesUpAtDeadlineWithNonEmptyQueue(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.ResetDeadline = 30 * time.Millisecond
	p := &Pool{
		typ:   WriterDefault,
		cfg:   cfg,
		route: make(map[string]int),
	}
	w0 := NewWriter("w0", WriterDefault, nil, 10, 10, 0, 0, noopLogger())
	w0.Enqueue(IntakeItem{Key: "stuck"})
	p.writers = []*Writer{w0}
	p.overCounts = []int{1}
	p.idleSince = []time.Time{{}}

	start := time.Now()
	p.Reset(context.Background())
	if time.Since(start) < cfg.ResetDeadline {
		t.Error("expected Reset to wait roughly the full deadline before giving up")
	}
	if p.overCounts[0] != 0 {
		t.Error("expected counters still cleared even after deadline gives up")
	}
}

func TestPool_RebalanceRedistributesWhenSkewed(t *testing.T) {
	p := &Pool{
		typ:   WriterDefault,
		cfg:   DefaultPoolConfig(),
		route: map[string]int{"a": 0, "b": 0, "c": 0, "d": 0, "e": 1},
	}
	w0 := NewWriter("w0", WriterDefault, nil, 10, 10, 0, 0, noopLogger())
	w1 := NewWriter("w1", WriterDefault, nil, 10, 10, 0, 0, noopLogger())
	p.writers = []*Writer{w0, w1}

	p.rebalance(context.Background())

	counts := map[int]int{}
	for _, idx := range p.route {
		counts[idx]++
	}
	if counts[0] == 5 || counts[1] == 0 {
		t.Errorf("expected rebalance to spread keys, got distribution %v", counts)
	}
}

func TestPool_RebalanceDrainsOverloadedWriterBeforeReassigning(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.ResetDeadline = 30 * time.Millisecond
	p := &Pool{
		typ:   WriterDefault,
		cfg:   cfg,
		route: map[string]int{"a": 0, "b": 0, "c": 0, "d": 0, "e": 1},
	}
	w0 := NewWriter("w0", WriterDefault, nil, 10, 10, 0, 0, noopLogger())
	w1 := NewWriter("w1", WriterDefault, nil, 10, 10, 0, 0, noopLogger())
	w0.Enqueue(IntakeItem{Key: "stuck"})
	p.writers = []*Writer{w0, w1}

	start := time.Now()
	p.rebalance(context.Background())
	if time.Since(start) < cfg.ResetDeadline {
		t.Error("expected rebalance to wait for the overloaded writer's queue to drain before reassigning")
	}

	counts := map[int]int{}
	for _, idx := range p.route {
		counts[idx]++
	}
	if counts[0] == 5 || counts[1] == 0 {
		t.Errorf("expected rebalance to still spread keys after the drain deadline gives up, got %v", counts)
	}
}

func TestPool_StopJoinsRunningWritersWithinDeadline(t *testing.T) {
	p := &Pool{typ: WriterDefault, cfg: DefaultPoolConfig(), route: make(map[string]int), logger: noopLogger()}

	w0 := NewWriter("w0", WriterDefault, nil, 10, 10, time.Hour, 0, noopLogger())
	wctx, cancel := context.WithCancel(context.Background())
	p.writers = []*Writer{w0}
	p.cancelFuncs = []context.CancelFunc{cancel}
	go w0.Run(wctx)

	start := time.Now()
	p.Stop()
	if elapsed := time.Since(start); elapsed >= 5*time.Second {
		t.Errorf("expected Stop to return well before the 5s join deadline, took %v", elapsed)
	}
	if w0.State() != WriterStopped {
		t.Error("expected writer to have fully stopped")
	}
}
