package ingest

import "github.com/bgpwatch/aggregator/internal/decode"

// Component C2: one Builder per decoded record type, each producing a
// QueryTriple ready for a Writer to batch and execute. Builders never touch
// the database themselves — they are pure functions from a decoded record to
// a statement shape, grounded in the upsert style of the teacher's
// writer.go (COALESCE-preserve-on-conflict for metadata rows, EXCLUDED-wins
// for fast-changing NLRI rows).

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// BuildCollectorUpsert upserts a BMP collector's identity and up/down state.
func BuildCollectorUpsert(r decode.CollectorRec) QueryTriple {
	return QueryTriple{
		Prefix: `INSERT INTO collectors (hash_id, name, ip_address, state, admin_id, last_seen)
			VALUES ($1, $2, $3, $4, $5, now())`,
		Suffix: `ON CONFLICT (hash_id) DO UPDATE SET
			name       = COALESCE(EXCLUDED.name, collectors.name),
			ip_address = COALESCE(EXCLUDED.ip_address, collectors.ip_address),
			state      = EXCLUDED.state,
			admin_id   = COALESCE(EXCLUDED.admin_id, collectors.admin_id),
			last_seen  = now()`,
		Columns: []string{"hash_id", "name", "ip_address", "state", "admin_id"},
		Values: map[string]any{
			"hash_id":    r.Hash,
			"name":       nullable(r.Name),
			"ip_address": nullable(r.IPAddress),
			"state":      r.State,
			"admin_id":   nullable(r.AdminID),
		},
	}
}

// BuildRouterUpsert upserts a monitored router's identity and up/down state.
func BuildRouterUpsert(r decode.RouterRec) QueryTriple {
	return QueryTriple{
		Prefix: `INSERT INTO routers (hash_id, name, ip_address, collector_hash_id, state, term_code, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6, now())`,
		Suffix: `ON CONFLICT (hash_id) DO UPDATE SET
			name              = COALESCE(EXCLUDED.name, routers.name),
			ip_address        = COALESCE(EXCLUDED.ip_address, routers.ip_address),
			collector_hash_id = COALESCE(EXCLUDED.collector_hash_id, routers.collector_hash_id),
			state             = EXCLUDED.state,
			term_code         = EXCLUDED.term_code,
			last_seen         = now()`,
		Columns: []string{"hash_id", "name", "ip_address", "collector_hash_id", "state", "term_code"},
		Values: map[string]any{
			"hash_id":           r.Hash,
			"name":              nullable(r.Name),
			"ip_address":        nullable(r.IPAddress),
			"collector_hash_id": nullable(r.CollectorHash),
			"state":             r.State,
			"term_code":         r.TermCode,
		},
	}
}

// BuildPeerUpsert upserts a BGP peering session's identity and up/down state.
func BuildPeerUpsert(r decode.PeerRec) QueryTriple {
	return QueryTriple{
		Prefix: `INSERT INTO peers (hash_id, router_hash_id, peer_address, peer_asn, peer_bgp_id, state, is_l3vpn, is_pre_policy, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		Suffix: `ON CONFLICT (hash_id) DO UPDATE SET
			peer_asn      = EXCLUDED.peer_asn,
			peer_bgp_id   = COALESCE(EXCLUDED.peer_bgp_id, peers.peer_bgp_id),
			state         = EXCLUDED.state,
			is_l3vpn      = EXCLUDED.is_l3vpn,
			is_pre_policy = EXCLUDED.is_pre_policy,
			last_seen     = now()`,
		Columns: []string{"hash_id", "router_hash_id", "peer_address", "peer_asn", "peer_bgp_id", "state", "is_l3vpn", "is_pre_policy"},
		Values: map[string]any{
			"hash_id":        r.Hash,
			"router_hash_id": r.RouterHash,
			"peer_address":   r.PeerAddress,
			"peer_asn":       r.PeerASN,
			"peer_bgp_id":    nullable(r.PeerBGPID),
			"state":          r.State,
			"is_l3vpn":       r.IsL3VPN,
			"is_pre_policy":  r.IsPrePolicy,
		},
	}
}

// BuildBaseAttrUpsert upserts a path-attribute set. Attribute sets are
// content-addressed by hash so conflicts only occur on exact duplicates; the
// attribute dedup cache (C6) suppresses most of these before they ever reach
// a writer.
func BuildBaseAttrUpsert(r decode.BaseAttrRec) QueryTriple {
	return QueryTriple{
		Prefix: `INSERT INTO base_attrs (hash_id, peer_hash_id, origin_asn, origin, as_path, next_hop, med, local_pref, community_list, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		Suffix: `ON CONFLICT (hash_id) DO UPDATE SET last_seen = now()`,
		Columns: []string{"hash_id", "peer_hash_id", "origin_asn", "origin", "as_path", "next_hop", "med", "local_pref", "community_list"},
		Values: map[string]any{
			"hash_id":        r.Hash,
			"peer_hash_id":   r.PeerHash,
			"origin_asn":     r.OriginASN,
			"origin":         nullable(r.Origin),
			"as_path":        nullable(r.ASPath),
			"next_hop":       nullable(r.NextHop),
			"med":            r.MED,
			"local_pref":     r.LocalPref,
			"community_list": nullable(r.CommunityList),
		},
	}
}

// BuildUnicastPrefixUpsert upserts (or marks withdrawn) a unicast NLRI row.
// On withdrawal, base_attr_hash and origin_asn are preserved from the
// existing row rather than overwritten with the withdrawal message's (often
// empty) attribute fields. rawPayload is the (optionally zstd-compressed)
// envelope bytes behind this record; nil when raw-payload storage is
// disabled or the record carries no raw value.
func BuildUnicastPrefixUpsert(r decode.UnicastPrefixRec, rawPayload []byte) QueryTriple {
	return QueryTriple{
		Prefix: `INSERT INTO unicast_rib (hash_id, peer_hash_id, router_hash_id, prefix, prefix_len,
				base_attr_hash, origin_asn, as_path, is_withdrawn, is_ipv4, raw_payload, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())`,
		Suffix: `ON CONFLICT (peer_hash_id, hash_id) DO UPDATE SET
			base_attr_hash = CASE WHEN EXCLUDED.is_withdrawn THEN unicast_rib.base_attr_hash ELSE EXCLUDED.base_attr_hash END,
			origin_asn     = CASE WHEN EXCLUDED.is_withdrawn THEN unicast_rib.origin_asn ELSE EXCLUDED.origin_asn END,
			as_path        = CASE WHEN EXCLUDED.is_withdrawn THEN unicast_rib.as_path ELSE EXCLUDED.as_path END,
			is_withdrawn   = EXCLUDED.is_withdrawn,
			raw_payload    = COALESCE(EXCLUDED.raw_payload, unicast_rib.raw_payload),
			last_seen      = now()`,
		Columns: []string{"hash_id", "peer_hash_id", "router_hash_id", "prefix", "prefix_len", "base_attr_hash", "origin_asn", "as_path", "is_withdrawn", "is_ipv4", "raw_payload"},
		Values: map[string]any{
			"hash_id":        r.Hash,
			"peer_hash_id":   r.PeerHash,
			"router_hash_id": r.RouterHash,
			"prefix":         r.Prefix,
			"prefix_len":     r.PrefixLen,
			"base_attr_hash": nullable(r.BaseAttrHash),
			"origin_asn":     r.OriginASN,
			"as_path":        nullable(r.ASPath),
			"is_withdrawn":   r.IsWithdrawn,
			"is_ipv4":        r.IsIPv4,
			"raw_payload":    rawPayloadValue(rawPayload),
		},
	}
}

func rawPayloadValue(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// BuildPeerRouterUpdate marks every peer belonging to routerHash down when
// that router itself goes down. It consults cache — refreshed synchronously
// right after the router upsert that triggered this cascade — to confirm
// the router row actually exists before cascading; ok is false when the
// cache has no entry for routerHash, telling the caller to skip the
// cascade rather than issue a zero-row update against a router it never
// saw committed.
func BuildPeerRouterUpdate(routerHash string, cache *RouterCache) (QueryTriple, bool) {
	if _, ok := cache.Get(routerHash); !ok {
		return QueryTriple{}, false
	}
	return QueryTriple{
		Prefix: `UPDATE peers SET state = 'down', last_seen = now()
			WHERE router_hash_id = $1 AND state <> 'down'`,
		Columns: []string{"router_hash_id"},
		Values: map[string]any{
			"router_hash_id": routerHash,
		},
	}, true
}

// BuildRibPeerUpdate marks every unicast RIB entry belonging to peerHash
// withdrawn when that peering session goes down — a session drop means
// every route it carried is gone, whether or not an explicit withdrawal for
// each prefix ever arrives.
func BuildRibPeerUpdate(peerHash string) QueryTriple {
	return QueryTriple{
		Prefix: `UPDATE unicast_rib SET is_withdrawn = true, last_seen = now()
			WHERE peer_hash_id = $1 AND is_withdrawn = false`,
		Columns: []string{"peer_hash_id"},
		Values: map[string]any{
			"peer_hash_id": peerHash,
		},
	}
}

// BuildL3VPNPrefixUpsert upserts (or marks withdrawn) an L3VPN NLRI row, with
// the same withdrawn-preserves-attributes rule as unicast prefixes.
func BuildL3VPNPrefixUpsert(r decode.L3VPNPrefixRec) QueryTriple {
	return QueryTriple{
		Prefix: `INSERT INTO l3vpn_rib (hash_id, peer_hash_id, router_hash_id, prefix, prefix_len, rd,
				base_attr_hash, origin_asn, as_path, is_withdrawn, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
		Suffix: `ON CONFLICT (peer_hash_id, hash_id) DO UPDATE SET
			base_attr_hash = CASE WHEN EXCLUDED.is_withdrawn THEN l3vpn_rib.base_attr_hash ELSE EXCLUDED.base_attr_hash END,
			origin_asn     = CASE WHEN EXCLUDED.is_withdrawn THEN l3vpn_rib.origin_asn ELSE EXCLUDED.origin_asn END,
			as_path        = CASE WHEN EXCLUDED.is_withdrawn THEN l3vpn_rib.as_path ELSE EXCLUDED.as_path END,
			is_withdrawn   = EXCLUDED.is_withdrawn,
			last_seen      = now()`,
		Columns: []string{"hash_id", "peer_hash_id", "router_hash_id", "prefix", "prefix_len", "rd", "base_attr_hash", "origin_asn", "as_path", "is_withdrawn"},
		Values: map[string]any{
			"hash_id":        r.Hash,
			"peer_hash_id":   r.PeerHash,
			"router_hash_id": r.RouterHash,
			"prefix":         r.Prefix,
			"prefix_len":     r.PrefixLen,
			"rd":             r.RD,
			"base_attr_hash": nullable(r.BaseAttrHash),
			"origin_asn":     r.OriginASN,
			"as_path":        nullable(r.ASPath),
			"is_withdrawn":   r.IsWithdrawn,
		},
	}
}

// BuildLSNodeUpsert upserts (or marks withdrawn) a BGP-LS node object.
func BuildLSNodeUpsert(r decode.LSNodeRec) QueryTriple {
	return QueryTriple{
		Prefix: `INSERT INTO ls_nodes (hash_id, peer_hash_id, router_hash_id, igp_router_id, asn, is_withdrawn, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6, now())`,
		Suffix: `ON CONFLICT (peer_hash_id, hash_id) DO UPDATE SET
			asn          = CASE WHEN EXCLUDED.is_withdrawn THEN ls_nodes.asn ELSE EXCLUDED.asn END,
			is_withdrawn = EXCLUDED.is_withdrawn,
			last_seen    = now()`,
		Columns: []string{"hash_id", "peer_hash_id", "router_hash_id", "igp_router_id", "asn", "is_withdrawn"},
		Values: map[string]any{
			"hash_id":        r.Hash,
			"peer_hash_id":   r.PeerHash,
			"router_hash_id": r.RouterHash,
			"igp_router_id":  r.IGPRouterID,
			"asn":            r.ASN,
			"is_withdrawn":   r.IsWithdrawn,
		},
	}
}

// BuildLSLinkUpsert upserts (or marks withdrawn) a BGP-LS link object.
func BuildLSLinkUpsert(r decode.LSLinkRec) QueryTriple {
	return QueryTriple{
		Prefix: `INSERT INTO ls_links (hash_id, peer_hash_id, router_hash_id, local_node_hash, remote_node_hash, igp_metric, is_withdrawn, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		Suffix: `ON CONFLICT (peer_hash_id, hash_id) DO UPDATE SET
			igp_metric   = CASE WHEN EXCLUDED.is_withdrawn THEN ls_links.igp_metric ELSE EXCLUDED.igp_metric END,
			is_withdrawn = EXCLUDED.is_withdrawn,
			last_seen    = now()`,
		Columns: []string{"hash_id", "peer_hash_id", "router_hash_id", "local_node_hash", "remote_node_hash", "igp_metric", "is_withdrawn"},
		Values: map[string]any{
			"hash_id":          r.Hash,
			"peer_hash_id":     r.PeerHash,
			"router_hash_id":   r.RouterHash,
			"local_node_hash":  r.LocalNodeHash,
			"remote_node_hash": r.RemoteNodeHash,
			"igp_metric":       r.IGPMetric,
			"is_withdrawn":     r.IsWithdrawn,
		},
	}
}

// BuildLSPrefixUpsert upserts (or marks withdrawn) a BGP-LS prefix object.
func BuildLSPrefixUpsert(r decode.LSPrefixRec) QueryTriple {
	return QueryTriple{
		Prefix: `INSERT INTO ls_prefixes (hash_id, peer_hash_id, router_hash_id, local_node_hash, prefix, prefix_len, is_withdrawn, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		Suffix: `ON CONFLICT (peer_hash_id, hash_id) DO UPDATE SET
			is_withdrawn = EXCLUDED.is_withdrawn,
			last_seen    = now()`,
		Columns: []string{"hash_id", "peer_hash_id", "router_hash_id", "local_node_hash", "prefix", "prefix_len", "is_withdrawn"},
		Values: map[string]any{
			"hash_id":         r.Hash,
			"peer_hash_id":    r.PeerHash,
			"router_hash_id":  r.RouterHash,
			"local_node_hash": r.LocalNodeHash,
			"prefix":          r.Prefix,
			"prefix_len":      r.PrefixLen,
			"is_withdrawn":    r.IsWithdrawn,
		},
	}
}

// BuildBMPStatInsert inserts a BMP statistics report row. Stats are
// append-only history, not an upsert target. rawPayload mirrors
// BuildUnicastPrefixUpsert's optional raw-envelope storage.
func BuildBMPStatInsert(r decode.BmpStatRec, rawPayload []byte) QueryTriple {
	return QueryTriple{
		Prefix: `INSERT INTO bmp_stats (hash_id, router_hash_id, peer_hash_id, rejected_prefix, duplicate_prefix, known_dup_withdraws, raw_payload, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		Suffix: `ON CONFLICT (hash_id) DO NOTHING`,
		Columns: []string{"hash_id", "router_hash_id", "peer_hash_id", "rejected_prefix", "duplicate_prefix", "known_dup_withdraws", "raw_payload"},
		Values: map[string]any{
			"hash_id":             r.Hash,
			"router_hash_id":      r.RouterHash,
			"peer_hash_id":        r.PeerHash,
			"rejected_prefix":     r.RejectedPrefix,
			"duplicate_prefix":    r.DuplicatePrefix,
			"known_dup_withdraws": r.KnownDupWithdraws,
			"raw_payload":         rawPayloadValue(rawPayload),
		},
	}
}
