// Package decode defines the typed records carried by the message bus and the
// external decode(bytes) → TypedRecord seam the ingestion engine dispatches
// on. The wire codec itself (the exact bytes-to-JSON mapping a real collector
// emits) is out of scope for this module; Decode implements the simplest
// concrete codec — JSON — so every other component and its tests can run
// end-to-end against it.
package decode

// RecordType identifies the decoded payload kind. A bus record's typed
// header, when present, takes precedence over a topic-name match.
type RecordType int

const (
	RecordUnknown RecordType = iota
	RecordCollector
	RecordRouter
	RecordPeer
	RecordBaseAttribute
	RecordUnicastPrefix
	RecordL3VPNPrefix
	RecordLSNode
	RecordLSLink
	RecordLSPrefix
	RecordBMPStat
	RecordSubscription
)

func (t RecordType) String() string {
	switch t {
	case RecordCollector:
		return "collector"
	case RecordRouter:
		return "router"
	case RecordPeer:
		return "peer"
	case RecordBaseAttribute:
		return "base_attribute"
	case RecordUnicastPrefix:
		return "unicast_prefix"
	case RecordL3VPNPrefix:
		return "l3vpn"
	case RecordLSNode:
		return "ls_node"
	case RecordLSLink:
		return "ls_link"
	case RecordLSPrefix:
		return "ls_prefix"
	case RecordBMPStat:
		return "bmp_stat"
	case RecordSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// Envelope is a single bus record, matching spec.md §3's (topic, partition,
// offset, key, value) tuple plus the optional typed header.
type Envelope struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Header    RecordType
}

// CollectorRec describes a BMP collector instance.
type CollectorRec struct {
	Hash       string `json:"hash"`
	Name       string `json:"name"`
	IPAddress  string `json:"ip_address"`
	State      string `json:"state"` // "up" | "down"
	AdminID    string `json:"admin_id"`
}

// RouterRec describes a monitored router.
type RouterRec struct {
	Hash          string `json:"hash"`
	Name          string `json:"name"`
	IPAddress     string `json:"ip_address"`
	CollectorHash string `json:"collector_hash"`
	State         string `json:"state"` // "up" | "down"
	TermCode      int    `json:"term_code"`
}

// PeerRec describes a BGP peering session on a monitored router.
type PeerRec struct {
	Hash        string `json:"hash"`
	RouterHash  string `json:"router_hash"`
	PeerAddress string `json:"peer_address"`
	PeerASN     int64  `json:"peer_asn"`
	PeerBGPID   string `json:"peer_bgp_id"`
	State       string `json:"state"` // "up" | "down"
	IsL3VPN     bool   `json:"is_l3vpn"`
	IsPrePolicy bool   `json:"is_pre_policy"`
}

// BaseAttrRec describes a BGP path-attribute set shared by many prefixes.
type BaseAttrRec struct {
	Hash         string `json:"hash"`
	PeerHash     string `json:"peer_hash"`
	OriginASN    int64  `json:"origin_asn"`
	Origin       string `json:"origin"`
	ASPath       string `json:"as_path"`
	NextHop      string `json:"next_hop"`
	MED          int64  `json:"med"`
	LocalPref    int64  `json:"local_pref"`
	CommunityList string `json:"community_list"`
}

// UnicastPrefixRec describes an IPv4/IPv6 unicast NLRI update or withdrawal.
type UnicastPrefixRec struct {
	Hash         string `json:"hash"`
	PeerHash     string `json:"peer_hash"`
	RouterHash   string `json:"router_hash"`
	Prefix       string `json:"prefix"`
	PrefixLen    int    `json:"prefix_len"`
	BaseAttrHash string `json:"base_attr_hash"`
	OriginASN    int64  `json:"origin_asn"`
	ASPath       string `json:"as_path"`
	IsWithdrawn  bool   `json:"is_withdrawn"`
	IsIPv4       bool   `json:"is_ipv4"`
}

// L3VPNPrefixRec describes an L3VPN NLRI update or withdrawal.
type L3VPNPrefixRec struct {
	Hash         string `json:"hash"`
	PeerHash     string `json:"peer_hash"`
	RouterHash   string `json:"router_hash"`
	Prefix       string `json:"prefix"`
	PrefixLen    int    `json:"prefix_len"`
	RD           string `json:"rd"`
	BaseAttrHash string `json:"base_attr_hash"`
	OriginASN    int64  `json:"origin_asn"`
	ASPath       string `json:"as_path"`
	IsWithdrawn  bool   `json:"is_withdrawn"`
}

// LSNodeRec describes a BGP-LS node object.
type LSNodeRec struct {
	Hash        string `json:"hash"`
	PeerHash    string `json:"peer_hash"`
	RouterHash  string `json:"router_hash"`
	IGPRouterID string `json:"igp_router_id"`
	ASN         int64  `json:"asn"`
	IsWithdrawn bool   `json:"is_withdrawn"`
}

// LSLinkRec describes a BGP-LS link object.
type LSLinkRec struct {
	Hash            string `json:"hash"`
	PeerHash        string `json:"peer_hash"`
	RouterHash      string `json:"router_hash"`
	LocalNodeHash   string `json:"local_node_hash"`
	RemoteNodeHash  string `json:"remote_node_hash"`
	IGPMetric       int64  `json:"igp_metric"`
	IsWithdrawn     bool   `json:"is_withdrawn"`
}

// LSPrefixRec describes a BGP-LS prefix object.
type LSPrefixRec struct {
	Hash        string `json:"hash"`
	PeerHash    string `json:"peer_hash"`
	RouterHash  string `json:"router_hash"`
	LocalNodeHash string `json:"local_node_hash"`
	Prefix      string `json:"prefix"`
	PrefixLen   int    `json:"prefix_len"`
	IsWithdrawn bool   `json:"is_withdrawn"`
}

// BmpStatRec describes a BMP statistics report message.
type BmpStatRec struct {
	Hash           string `json:"hash"`
	RouterHash     string `json:"router_hash"`
	PeerHash       string `json:"peer_hash"`
	RejectedPrefix int64  `json:"rejected_prefix"`
	DuplicatePrefix int64 `json:"duplicate_prefix"`
	KnownDupWithdraws int64 `json:"known_dup_withdraws"`
}

// SubscriptionRec describes a subscribe/unsubscribe request for notification
// fan-out.
type SubscriptionRec struct {
	Action   string `json:"action"` // "subscribe" | "unsubscribe"
	Resource string `json:"resource"`
}
