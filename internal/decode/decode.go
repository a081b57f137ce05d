package decode

import (
	"encoding/json"
	"fmt"
	"strings"
)

// topicSuffixes maps the topic-name suffixes named in spec.md §6 to their
// record type, used when the envelope carries no typed header.
var topicSuffixes = []struct {
	suffix string
	typ    RecordType
}{
	{".collector", RecordCollector},
	{".router", RecordRouter},
	{".peer", RecordPeer},
	{".base_attribute", RecordBaseAttribute},
	{".unicast_prefix", RecordUnicastPrefix},
	{".l3vpn", RecordL3VPNPrefix},
	{".ls_node", RecordLSNode},
	{".ls_link", RecordLSLink},
	{".ls_prefix", RecordLSPrefix},
	{".bmp_stat", RecordBMPStat},
	{".subscription", RecordSubscription},
}

// ClassifyTopic returns the record type implied by a topic name's suffix, or
// RecordUnknown if none match.
func ClassifyTopic(topic string) RecordType {
	for _, ts := range topicSuffixes {
		if strings.HasSuffix(topic, ts.suffix) {
			return ts.typ
		}
	}
	return RecordUnknown
}

// Decode unmarshals value into the typed record implied by typ, which the
// caller resolves from the envelope's typed header (if present) or else the
// topic name, per spec.md §6 ("if present, it takes precedence over topic
// name").
func Decode(typ RecordType, value []byte) (any, error) {
	var err error
	var rec any

	switch typ {
	case RecordCollector:
		var r CollectorRec
		err = json.Unmarshal(value, &r)
		rec = r
	case RecordRouter:
		var r RouterRec
		err = json.Unmarshal(value, &r)
		rec = r
	case RecordPeer:
		var r PeerRec
		err = json.Unmarshal(value, &r)
		rec = r
	case RecordBaseAttribute:
		var r BaseAttrRec
		err = json.Unmarshal(value, &r)
		rec = r
	case RecordUnicastPrefix:
		var r UnicastPrefixRec
		err = json.Unmarshal(value, &r)
		rec = r
	case RecordL3VPNPrefix:
		var r L3VPNPrefixRec
		err = json.Unmarshal(value, &r)
		rec = r
	case RecordLSNode:
		var r LSNodeRec
		err = json.Unmarshal(value, &r)
		rec = r
	case RecordLSLink:
		var r LSLinkRec
		err = json.Unmarshal(value, &r)
		rec = r
	case RecordLSPrefix:
		var r LSPrefixRec
		err = json.Unmarshal(value, &r)
		rec = r
	case RecordBMPStat:
		var r BmpStatRec
		err = json.Unmarshal(value, &r)
		rec = r
	case RecordSubscription:
		var r SubscriptionRec
		err = json.Unmarshal(value, &r)
		rec = r
	default:
		return nil, fmt.Errorf("decode: unknown record type %d", typ)
	}

	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", typ, err)
	}
	return rec, nil
}
