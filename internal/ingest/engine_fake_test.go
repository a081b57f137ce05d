package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bgpwatch/aggregator/internal/decode"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
)

// recordingDispatcher captures every Dispatch call for assertions, standing
// in for the supervisor in tests that exercise the real poll/dispatch loop
// against an in-memory broker.
type recordingDispatcher struct {
	mu   sync.Mutex
	seen []decode.RecordType
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, typ decode.RecordType, topic string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, typ)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// TestEngine_RunDispatchesFromFakeBroker exercises the real poll/dispatch
// loop end to end against an in-memory broker, the same way the teacher's
// consumer pipeline tests lean on a seeded fixture rather than mocking the
// kgo.Client surface directly.
func TestEngine_RunDispatchesFromFakeBroker(t *testing.T) {
	topic := "bgpdata.parsed.collector"

	cluster, err := kfake.NewCluster(kfake.SeedTopics(1, topic))
	if err != nil {
		t.Fatalf("starting fake cluster: %v", err)
	}
	defer cluster.Close()

	addrs := cluster.ListenAddrs()

	dispatcher := &recordingDispatcher{}
	cfg := EngineConfig{
		Brokers:              addrs,
		ClientID:             "engine-test",
		GroupID:              "engine-test-group",
		TopicPatterns:        []string{`\.collector$`},
		FetchMaxBytes:        1 << 20,
		TopicSubscribeDelay:  10 * time.Millisecond,
		QueueHighWatermark:   0.75,
		QueueResumeWatermark: 0.20,
	}

	e, err := NewEngine(cfg, dispatcher, noopLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer e.Close()

	seeder, err := kgo.NewClient(kgo.SeedBrokers(addrs...))
	if err != nil {
		t.Fatalf("starting seed producer: %v", err)
	}
	defer seeder.Close()

	produceCtx, produceCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer produceCancel()
	rec := &kgo.Record{Topic: topic, Value: []byte(`{"hash":"c1","state":"up"}`)}
	if err := seeder.ProduceSync(produceCtx, rec).FirstErr(); err != nil {
		t.Fatalf("seeding record: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	depth := func() int { return 0 }
	cap := func() int { return 100 }

	done := make(chan struct{})
	go func() {
		e.Run(ctx, depth, cap)
		close(done)
	}()

	deadline := time.Now().Add(4 * time.Second)
	for dispatcher.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	<-done

	if dispatcher.count() == 0 {
		t.Fatal("expected at least one dispatched record from the fake broker")
	}
}

// TestEngine_DiscoverAndAddTopicsStagesPatternsInOrder exercises two
// declared patterns against a cluster that already has matching topics for
// both up front, asserting that a single discoverAndAddTopics call only
// ever subscribes the next pattern in line rather than everything at once.
func TestEngine_DiscoverAndAddTopicsStagesPatternsInOrder(t *testing.T) {
	routerTopic := "bgpdata.parsed.router"
	prefixTopic := "bgpdata.parsed.unicast_prefix"

	cluster, err := kfake.NewCluster(kfake.SeedTopics(1, routerTopic, prefixTopic))
	if err != nil {
		t.Fatalf("starting fake cluster: %v", err)
	}
	defer cluster.Close()

	cfg := EngineConfig{
		Brokers:       cluster.ListenAddrs(),
		ClientID:      "engine-stage-test",
		GroupID:       "engine-stage-test-group",
		TopicPatterns: []string{`\.router$`, `\.unicast_prefix$`},
	}
	e, err := NewEngine(cfg, &recordingDispatcher{}, noopLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer e.Close()

	ctx := context.Background()

	e.discoverAndAddTopics(ctx)
	if !e.subscribed[routerTopic] {
		t.Error("expected router topic subscribed after first pattern's turn")
	}
	if e.subscribed[prefixTopic] {
		t.Error("expected prefix topic NOT yet subscribed before its pattern's turn")
	}

	e.discoverAndAddTopics(ctx)
	if !e.subscribed[prefixTopic] {
		t.Error("expected prefix topic subscribed after second pattern's turn")
	}
}
