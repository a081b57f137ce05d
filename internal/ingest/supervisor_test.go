package ingest

import (
	"context"
	"testing"
	"time"
)

func TestSupervisor_DrainIntakeReturnsImmediatelyWhenEmpty(t *testing.T) {
	p := &Pool{typ: WriterDefault, cfg: DefaultPoolConfig(), route: make(map[string]int)}
	s := &Supervisor{pool: p, logger: noopLogger(), topicCounts: make(map[string]int64)}

	done := make(chan struct{})
	go func() {
		s.drainIntake(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected drainIntake to return immediately with no writers queued")
	}
}

func TestSupervisor_DrainIntakeReturnsOnContextCancel(t *testing.T) {
	w0 := NewWriter("w0", WriterDefault, nil, 10, 10, 0, 0, noopLogger())
	w0.Enqueue(IntakeItem{Key: "stuck"})

	p := &Pool{typ: WriterDefault, cfg: DefaultPoolConfig(), route: make(map[string]int)}
	p.writers = []*Writer{w0}

	s := &Supervisor{pool: p, logger: noopLogger(), topicCounts: make(map[string]int64)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		s.drainIntake(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected drainIntake to return promptly once ctx is cancelled")
	}
}

func TestSupervisor_CountTopicAccumulatesAndLogStatsResets(t *testing.T) {
	p := &Pool{typ: WriterDefault, cfg: DefaultPoolConfig(), route: make(map[string]int)}
	s := &Supervisor{pool: p, logger: noopLogger(), topicCounts: make(map[string]int64)}

	s.countTopic("bgpdata.parsed.collector")
	s.countTopic("bgpdata.parsed.collector")
	s.countTopic("bgpdata.parsed.peer")

	if s.topicCounts["bgpdata.parsed.collector"] != 2 {
		t.Fatalf("expected 2 counts for collector topic, got %d", s.topicCounts["bgpdata.parsed.collector"])
	}

	s.logStats()

	if len(s.topicCounts) != 0 {
		t.Fatalf("expected topicCounts reset after logStats, got %v", s.topicCounts)
	}
}
