package ingest

import (
	"context"
	"strconv"
	"strings"

	"github.com/bgpwatch/aggregator/internal/decode"
	"github.com/bgpwatch/aggregator/internal/metrics"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// producer is the subset of *kgo.Client the Notifier needs.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

// Notifier is Component C8: produces a notification for every subscribed AS
// resource touched by an incoming unicast prefix update or withdrawal. A
// resource is "AS" followed by an ASN that appears either as the route's
// origin or anywhere along its AS path — the same "AS<asn>" format
// subscriptions (C7) are keyed by. Produce is async and fire-and-forget from
// the caller's perspective — a failure is logged and counted, never
// propagated back to block ingestion.
type Notifier struct {
	client producer
	topic  string
	subs   *Subscriptions
	logger *zap.Logger
}

func NewNotifier(client producer, topic string, subs *Subscriptions, logger *zap.Logger) *Notifier {
	return &Notifier{
		client: client,
		topic:  topic,
		subs:   subs,
		logger: logger.Named("notifier"),
	}
}

// Notify produces one "update\t<resource>" record per AS resource touched by
// r that currently has an active subscription, deduplicating resources that
// appear more than once (the origin ASN is typically also the last AS-path
// token).
func (n *Notifier) Notify(ctx context.Context, r decode.UnicastPrefixRec) {
	seen := make(map[string]bool, len(strings.Fields(r.ASPath))+1)

	notify := func(resource string) {
		if resource == "" || seen[resource] || !n.subs.IsSubscribed(resource) {
			return
		}
		seen[resource] = true
		n.produce(ctx, resource)
	}

	if r.OriginASN != 0 {
		notify("AS" + strconv.FormatInt(r.OriginASN, 10))
	}
	for _, tok := range strings.Fields(r.ASPath) {
		if _, err := strconv.ParseInt(tok, 10, 64); err != nil {
			continue
		}
		notify("AS" + tok)
	}
}

func (n *Notifier) produce(ctx context.Context, resource string) {
	rec := &kgo.Record{Topic: n.topic, Key: []byte(resource), Value: []byte("update\t" + resource)}
	n.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			n.logger.Error("notification produce failed", zap.String("resource", resource), zap.Error(err))
			metrics.NotificationsFailedTotal.Inc()
			return
		}
		metrics.NotificationsSentTotal.WithLabelValues(resource).Inc()
	})
}
