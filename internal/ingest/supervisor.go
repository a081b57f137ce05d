package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bgpwatch/aggregator/internal/config"
	"github.com/bgpwatch/aggregator/internal/db"
	"github.com/bgpwatch/aggregator/internal/decode"
	"github.com/bgpwatch/aggregator/internal/metrics"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Supervisor is Component C10: owns construction order and lifetime of
// every other ingest component, and implements Dispatcher so the Consumer
// Engine has a single entry point for a decoded record.
type Supervisor struct {
	cfg    *config.Config
	logger *zap.Logger

	dbPool *pgxpool.Pool

	// invHandle is the direct, synchronous connection used for collector,
	// router and peer writes (Component C1's inventory path), and for
	// refreshing routerCache — kept separate from the pool's async writers
	// so inventory state always lands before any NLRI write can reference it.
	invHandle   *db.Handle
	routerCache *RouterCache
	attrCache   *AttrCache
	subs        *Subscriptions
	pool        *Pool
	notifier    *Notifier
	engine      *Engine

	topicCounts   map[string]int64
	topicCountsMu sync.Mutex

	cancel context.CancelFunc
}

func NewSupervisor(cfg *config.Config, dbPool *pgxpool.Pool, logger *zap.Logger) (*Supervisor, error) {
	s := &Supervisor{cfg: cfg, dbPool: dbPool, logger: logger, topicCounts: make(map[string]int64)}

	connector := db.Connector{Pool: dbPool, Logger: logger}
	invHandle, err := connector.Connect(context.Background())
	if err != nil {
		return nil, fmt.Errorf("supervisor: connect inventory handle: %w", err)
	}
	s.invHandle = invHandle
	s.routerCache = NewRouterCache(invHandle, logger)

	s.attrCache = NewAttrCache(time.Duration(cfg.Ingest.AttrDedupTTLMillis)*time.Millisecond, logger)
	s.subs = NewSubscriptions(time.Duration(cfg.Kafka.SubscriptionTimeoutSeconds)*time.Second, logger)

	poolCfg := PoolConfig{
		MaxThreadsPerType:      cfg.Base.WriterMaxThreadsPerType,
		AllowedOverQueueTimes:  cfg.Base.WriterAllowedOverQueueTimes,
		SecondsThreadScaleBack: cfg.Base.WriterSecondsThreadScaleBack,
		RebalanceSeconds:       cfg.Base.WriterRebalanceSeconds,
		QueueSize:              cfg.Base.WriterQueueSize,
		BatchRecords:           cfg.Postgres.BatchRecords,
		BatchTimeMillis:        cfg.Postgres.BatchTimeMillis,
		Retries:                cfg.Postgres.Retries,
		HighWatermark:          0.75,
		LowWatermark:           0.20,
		ResetDeadline:          time.Duration(cfg.Ingest.PoolResetDeadlineMillis) * time.Millisecond,
	}
	s.pool = NewPool(WriterDefault, poolCfg, connector, logger)

	engineCfg := EngineConfig{
		Brokers:              cfg.Kafka.Brokers,
		ClientID:             cfg.Kafka.ClientID,
		GroupID:              cfg.Base.InstanceID,
		TopicPatterns:        cfg.Kafka.SubscribeTopicPatterns,
		FetchMaxBytes:        cfg.Kafka.FetchMaxBytes,
		TopicSubscribeDelay:  time.Duration(cfg.Kafka.TopicSubscribeDelayMillis) * time.Millisecond,
		QueueHighWatermark:   0.75,
		QueueResumeWatermark: 0.20,
	}
	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("supervisor: build TLS config: %w", err)
	}
	engineCfg.TLSConfig = tlsCfg
	engineCfg.SASLMechanism = cfg.Kafka.BuildSASLMechanism()

	engine, err := NewEngine(engineCfg, s, logger)
	if err != nil {
		return nil, fmt.Errorf("supervisor: new engine: %w", err)
	}
	s.engine = engine
	s.notifier = NewNotifier(engine.Producer(), cfg.Kafka.NotificationTopic, s.subs, logger)

	return s, nil
}

// Run starts every background loop (writer pool, caches, engine) and blocks
// until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.routerCache.Refresh(ctx); err != nil {
		s.logger.Warn("initial router cache refresh failed", zap.Error(err))
	}
	if err := s.pool.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: start writer pool: %w", err)
	}

	go s.attrCache.RunPurgeLoop(ctx, time.Duration(s.cfg.Ingest.AttrDedupPurgeIntervalMillis)*time.Millisecond)
	go s.subs.RunSweepLoop(ctx)
	go s.routerCacheRefreshLoop(ctx)
	go s.statsLoop(ctx)

	s.engine.Run(ctx, s.intakeDepth, s.intakeCap)
	return nil
}

func (s *Supervisor) routerCacheRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.routerCache.Refresh(ctx); err != nil {
				s.logger.Warn("router cache refresh failed", zap.Error(err))
			}
		}
	}
}

// statsLoop logs per-topic message counts and pool shape every
// base.stats_interval seconds, resetting the per-topic counters after each
// log so each line reports counts accumulated since the previous one.
func (s *Supervisor) statsLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.Base.StatsIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logStats()
		}
	}
}

func (s *Supervisor) logStats() {
	s.topicCountsMu.Lock()
	counts := s.topicCounts
	s.topicCounts = make(map[string]int64)
	s.topicCountsMu.Unlock()

	s.logger.Info("ingest stats",
		zap.Any("topic_counts", counts),
		zap.Int("intake_size", s.intakeDepth()),
		zap.Any("pool", s.pool.Snapshot()),
	)
}

func (s *Supervisor) countTopic(topic string) {
	s.topicCountsMu.Lock()
	s.topicCounts[topic]++
	s.topicCountsMu.Unlock()
}

func (s *Supervisor) intakeDepth() int {
	snap := s.pool.Snapshot().(map[string]any)
	writers, _ := snap["writers"].([]map[string]any)
	depth := 0
	for _, w := range writers {
		depth += w["queue_depth"].(int)
	}
	return depth
}

func (s *Supervisor) intakeCap() int {
	snap := s.pool.Snapshot().(map[string]any)
	writers, _ := snap["writers"].([]map[string]any)
	total := 0
	for _, w := range writers {
		total += w["queue_cap"].(int)
	}
	return total
}

// Shutdown cancels every background loop, waits for the intake queue to
// drain into the writers (declaring it stalled rather than hanging forever
// if its size does not move for 500 consecutive 100ms checks), stops the
// writer pool with its own 5s join deadline, and closes the Kafka client.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.drainIntake(ctx)

	done := make(chan struct{})
	go func() {
		s.pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("writer pool did not drain before shutdown deadline")
	}
	s.engine.Close()
	s.invHandle.Disconnect()
	return nil
}

const (
	drainCheckInterval = 100 * time.Millisecond
	drainStallChecks   = 500
)

// drainIntake waits for the summed writer-queue depth to reach zero,
// declaring the drain stalled (and returning early) if that depth has not
// moved across drainStallChecks consecutive drainCheckInterval polls.
func (s *Supervisor) drainIntake(ctx context.Context) {
	ticker := time.NewTicker(drainCheckInterval)
	defer ticker.Stop()

	lastDepth := -1
	unchanged := 0
	for {
		depth := s.intakeDepth()
		if depth == 0 {
			return
		}
		if depth == lastDepth {
			unchanged++
			if unchanged >= drainStallChecks {
				s.logger.Warn("intake drain stalled at shutdown", zap.Int("remaining", depth))
				return
			}
		} else {
			unchanged = 0
			lastDepth = depth
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// IsJoined satisfies httpapi.ConsumerStatus for the /readyz endpoint.
func (s *Supervisor) IsJoined() bool {
	return s.engine.IsJoined()
}

// Snapshot satisfies httpapi.PoolInspector for the /debug/pools endpoint.
func (s *Supervisor) Snapshot() any {
	return map[string]any{
		"default":      s.pool.Snapshot(),
		"router_cache": s.routerCache.Size(),
		"attr_cache":   s.attrCache.Size(),
	}
}

// Dispatch decodes value per typ and routes it to the write path, the
// router cache, or the subscription table, depending on record kind.
func (s *Supervisor) Dispatch(ctx context.Context, typ decode.RecordType, topic string, value []byte) error {
	s.countTopic(topic)

	rec, err := decode.Decode(typ, value)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	switch v := rec.(type) {
	case decode.CollectorRec:
		s.writeSync(ctx, "collectors", BuildCollectorUpsert(v))
	case decode.RouterRec:
		s.writeSync(ctx, "routers", BuildRouterUpsert(v))
		if err := s.routerCache.Refresh(ctx); err != nil {
			s.logger.Warn("router cache refresh after upsert failed", zap.Error(err))
		}
		if v.State == "down" {
			if q, ok := BuildPeerRouterUpdate(v.Hash, s.routerCache); ok {
				s.writeSync(ctx, "peers", q)
			}
		}
	case decode.PeerRec:
		s.writeSync(ctx, "peers", BuildPeerUpsert(v))
		if v.State == "down" {
			s.route(v.Hash, "unicast_rib", BuildRibPeerUpdate(v.Hash))
		}
	case decode.BaseAttrRec:
		if s.attrCache.Touch(v.Hash) {
			return nil
		}
		s.route(v.Hash, "base_attrs", BuildBaseAttrUpsert(v))
	case decode.UnicastPrefixRec:
		rawPayload := encodeRawPayload(value, s.cfg.Ingest.StoreRawPayload, s.cfg.Ingest.StoreRawPayloadCompress)
		s.route(v.PeerHash+"|"+v.Hash, "unicast_rib", BuildUnicastPrefixUpsert(v, rawPayload))
		s.notifier.Notify(ctx, v)
	case decode.L3VPNPrefixRec:
		s.route(v.PeerHash+"|"+v.Hash, "l3vpn_rib", BuildL3VPNPrefixUpsert(v))
	case decode.LSNodeRec:
		s.route(v.PeerHash+"|"+v.Hash, "ls_nodes", BuildLSNodeUpsert(v))
	case decode.LSLinkRec:
		s.route(v.PeerHash+"|"+v.Hash, "ls_links", BuildLSLinkUpsert(v))
	case decode.LSPrefixRec:
		s.route(v.PeerHash+"|"+v.Hash, "ls_prefixes", BuildLSPrefixUpsert(v))
	case decode.BmpStatRec:
		rawPayload := encodeRawPayload(value, s.cfg.Ingest.StoreRawPayload, s.cfg.Ingest.StoreRawPayloadCompress)
		s.route(v.Hash, "bmp_stats", BuildBMPStatInsert(v, rawPayload))
	case decode.SubscriptionRec:
		if v.Action == "unsubscribe" {
			s.subs.Unsubscribe(v.Resource)
		} else {
			s.subs.Subscribe(v.Resource)
		}
	default:
		return fmt.Errorf("dispatch: unhandled record type %s", typ)
	}
	return nil
}

func (s *Supervisor) route(key, table string, q QueryTriple) {
	s.pool.Route(IntakeItem{Key: key, Msg: q, Type: WriterDefault, Table: table})
}

// writeSync executes q immediately on the dedicated inventory connection,
// ahead of whatever the caller dispatches next. Collector, router and peer
// upserts (and their cascades) go through here rather than the async writer
// pool, so an NLRI record referencing one of these entities is never
// processed until the entity it depends on has actually committed.
func (s *Supervisor) writeSync(ctx context.Context, table string, q QueryTriple) {
	sql := q.Prefix + " " + q.Suffix
	if err := s.invHandle.Update(ctx, sql, q.Args(), s.cfg.Postgres.Retries); err != nil {
		metrics.DBWriteErrorsTotal.WithLabelValues(table).Inc()
		s.logger.Error("synchronous inventory write failed", zap.String("table", table), zap.Error(err))
		return
	}
	metrics.DBRowsAffectedTotal.WithLabelValues(table, "upsert").Inc()
}
