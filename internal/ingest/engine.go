package ingest

import (
	"context"
	"crypto/tls"
	"errors"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/bgpwatch/aggregator/internal/decode"
	"github.com/bgpwatch/aggregator/internal/metrics"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
)

// Dispatcher routes a decoded record into the write path. Implemented by
// the engine's owner (the supervisor) wiring builders, the pools and the
// caches together; kept as an interface so the engine's poll loop can be
// tested without a real writer pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, typ decode.RecordType, topic string, value []byte) error
}

// EngineConfig configures the Consumer Engine's Kafka client and the
// staged-subscription behavior described by the bus topic layout: rather
// than subscribing to every topic pattern up front, the engine subscribes
// incrementally, waiting topicSubscribeDelay between additions so a newly
// created topic has time to elect a leader before the engine depends on it.
type EngineConfig struct {
	Brokers              []string
	ClientID             string
	GroupID              string
	TopicPatterns        []string
	FetchMaxBytes        int32
	TopicSubscribeDelay  time.Duration
	TLSConfig            *tls.Config
	SASLMechanism        sasl.Mechanism
	QueueHighWatermark   float64 // fraction of intake capacity that triggers pause
	QueueResumeWatermark float64 // fraction of intake capacity that resumes fetch
}

// Engine is Component C9: sole owner of one *kgo.Client used for both
// consuming and (via the Notifier) producing. It polls, decodes, dispatches
// to the write path, and pauses fetching on backpressure — never blocking
// inside PollFetches so the consumer group heartbeat keeps flowing.
type Engine struct {
	client       *kgo.Client
	admin        *kadm.Client
	cfg          EngineConfig
	dispatcher   Dispatcher
	topicMatcher []*regexp.Regexp
	patternIdx   int
	subscribed   map[string]bool
	joined       atomic.Bool
	paused       atomic.Bool
	logger       *zap.Logger
}

func NewEngine(cfg EngineConfig, dispatcher Dispatcher, logger *zap.Logger) (*Engine, error) {
	e := &Engine{cfg: cfg, dispatcher: dispatcher, subscribed: make(map[string]bool), logger: logger.Named("engine")}

	for _, p := range cfg.TopicPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		e.topicMatcher = append(e.topicMatcher, re)
	}

	promMetrics := kprom.NewMetrics("aggregator_kafka")

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ClientID(cfg.ClientID),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.WithHooks(promMetrics),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			e.joined.Store(true)
			logger.Info("engine: partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, _ map[string][]int32) {
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Error("engine: commit on revoke failed", zap.Error(err))
			}
			e.joined.Store(false)
			logger.Info("engine: partitions revoked")
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			e.joined.Store(false)
			logger.Info("engine: partitions lost")
		}),
	}
	if cfg.TLSConfig != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLSConfig))
	}
	if cfg.SASLMechanism != nil {
		opts = append(opts, kgo.SASL(cfg.SASLMechanism))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	e.client = client
	e.admin = kadm.NewClient(client)
	return e, nil
}

func (e *Engine) IsJoined() bool { return e.joined.Load() }

func (e *Engine) Close() { e.client.Close() }

// Producer exposes the shared client as a Notifier producer: the engine is
// the sole owner of the Kafka connection, notifications ride the same
// client rather than opening a second one.
func (e *Engine) Producer() producer { return e.client }

// Run drives the staged-subscription and poll/dispatch/pause loop until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context, intakeDepth, intakeCap func() int) {
	go e.subscribeLoop(ctx)

	for {
		if ctx.Err() != nil {
			return
		}

		e.adjustPause(intakeDepth, intakeCap)

		pollCtx, pollCancel := context.WithTimeout(ctx, 10*time.Millisecond)
		fetches := e.client.PollFetches(pollCtx)
		pollCancel()
		if ctx.Err() != nil {
			return
		}

		for _, err := range fetches.Errors() {
			if errors.Is(err.Err, context.DeadlineExceeded) {
				continue
			}
			e.logger.Error("fetch error",
				zap.String("topic", err.Topic),
				zap.Int32("partition", err.Partition),
				zap.Error(err.Err),
			)
		}

		fetches.EachRecord(func(r *kgo.Record) {
			e.handleRecord(ctx, r)
			e.client.MarkCommitRecords(r)
		})

		commitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.client.CommitMarkedOffsets(commitCtx); err != nil {
			e.logger.Error("commit offsets failed", zap.Error(err))
		}
		cancel()
	}
}

func (e *Engine) handleRecord(ctx context.Context, r *kgo.Record) {
	typ := e.headerType(r)
	if typ == decode.RecordUnknown {
		typ = decode.ClassifyTopic(r.Topic)
	}
	metrics.KafkaMessagesTotal.WithLabelValues(r.Topic, typ.String()).Inc()
	metrics.LastMsgTimestamp.WithLabelValues(r.Topic).Set(float64(time.Now().Unix()))

	if err := e.dispatcher.Dispatch(ctx, typ, r.Topic, r.Value); err != nil {
		metrics.DecodeErrorsTotal.WithLabelValues(r.Topic, "dispatch_error").Inc()
		e.logger.Warn("dispatch failed", zap.String("topic", r.Topic), zap.Error(err))
	}
}

func (e *Engine) headerType(r *kgo.Record) decode.RecordType {
	for _, h := range r.Headers {
		if h.Key == "record_type" {
			return decode.ClassifyTopic("." + string(h.Value))
		}
	}
	return decode.RecordUnknown
}

// adjustPause pauses fetching when the depth reported by the caller (the
// supervisor sums its pool's writer queues) crosses the high watermark, and resumes it once it has
// drained below the resume watermark. Pausing, rather than blocking inside
// the poll loop, keeps PollFetches returning promptly so the consumer
// group heartbeat never starves.
func (e *Engine) adjustPause(depth, cap func() int) {
	d, c := depth(), cap()
	if c == 0 {
		return
	}
	occ := float64(d) / float64(c)

	switch {
	case !e.paused.Load() && occ >= e.cfg.QueueHighWatermark:
		e.client.PauseFetchTopics(e.subscribedTopics()...)
		e.paused.Store(true)
		metrics.ConsumerPaused.Set(1)
		e.logger.Info("paused fetch for backpressure", zap.Float64("occupancy", occ))
	case e.paused.Load() && occ <= e.cfg.QueueResumeWatermark:
		e.client.ResumeFetchTopics(e.subscribedTopics()...)
		e.paused.Store(false)
		metrics.ConsumerPaused.Set(0)
		e.logger.Info("resumed fetch", zap.Float64("occupancy", occ))
	}
}

func (e *Engine) subscribedTopics() []string {
	topics := make([]string, 0, len(e.subscribed))
	for t := range e.subscribed {
		topics = append(topics, t)
	}
	return topics
}

// subscribeLoop advances through the configured topic patterns one at a
// time, waiting topicSubscribeDelay between each, so inventory topics
// (collector/router/peer, declared first) are subscribed — and have time to
// start delivering — before NLRI topics are added.
func (e *Engine) subscribeLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TopicSubscribeDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.discoverAndAddTopics(ctx)
		}
	}
}

// discoverAndAddTopics matches existing topics against every pattern up to
// and including the next unconsumed one in declared order, then advances
// patternIdx. Once every pattern has had its turn, subsequent ticks keep
// rescanning the full pattern set so topics created later still get picked
// up, but no tick ever considers a pattern before its predecessor has had at
// least one chance to match.
func (e *Engine) discoverAndAddTopics(ctx context.Context) {
	existing, err := e.admin.ListTopics(ctx)
	if err != nil {
		e.logger.Warn("list topics failed", zap.Error(err))
		return
	}

	patterns := e.topicMatcher
	if e.patternIdx < len(patterns) {
		patterns = patterns[:e.patternIdx+1]
	}

	var toAdd []string
	for topic := range existing {
		if e.subscribed[topic] {
			continue
		}
		for _, re := range patterns {
			if re.MatchString(topic) {
				toAdd = append(toAdd, topic)
				break
			}
		}
	}

	if e.patternIdx < len(e.topicMatcher) {
		e.patternIdx++
	}

	if len(toAdd) == 0 {
		return
	}

	e.client.AddConsumeTopics(toAdd...)
	for _, t := range toAdd {
		e.subscribed[t] = true
	}
	e.logger.Info("subscribed to new topics", zap.Strings("topics", toAdd), zap.Int("patterns_active", len(patterns)))
}
