// Package store defines the message store adapter contract (C9): the
// database-agnostic operations required of any durable backend, and the
// data model shared by both node types (§3). Concrete backends live in
// sibling packages (postgres, memstore).
package store

import "context"

// RouterType enumerates the supported delivery mechanisms for a user's
// subscription. Only RouterWebPush has a live implementation in this
// repository; the others are stored but not dispatched, and no code checks a
// router_type value against this list — see SPEC_FULL.md §4's Non-goals.
type RouterType string

const (
	RouterWebPush RouterType = "webpush"
	RouterFCM     RouterType = "fcm"
	RouterAPNS    RouterType = "apns"
	RouterADM     RouterType = "adm"
)

// User is the router-table record keyed by UAID (§3).
type User struct {
	UAID        string
	NodeID      string // empty means "no live connection node"
	ConnectedAt uint64 // ms since epoch; monotone per user, used as a CAS fencing token
	RouterType  RouterType
	RouterData  []byte // opaque per-router blob

	// CurrentMonth is a legacy table-rotation pointer retained only for
	// call-compatibility with the original schema; new backends may leave
	// it empty (see DESIGN.md's resolution of Open Question (a)).
	CurrentMonth string

	Version string // opaque CAS token for optimistic concurrency on UpdateUser
}

// HasNode reports whether the user currently shows a live connection node,
// i.e. whether the endpoint node should attempt hand-off before storing.
func (u User) HasNode() bool { return u.NodeID != "" }

// Notification is one push message, either in flight or persisted (§3).
type Notification struct {
	ChannelID         string
	Version           string
	TTL               int // seconds; 0 means direct-only, do not store (I3)
	Timestamp         int64
	Topic             string // optional, <=32 chars, url-safe base64 alphabet
	Data              string // optional, base64url
	SortKeyTimestamp  int64  // optional, monotone marker; 0 if unset
	Encoding          string
	Encryption        string
	EncryptionKey     string
	CryptoKey         string
}

// SortKey implements the §3 sort-key discipline: topic messages coalesce
// under "01:{channel_id}:{topic}"; timestamp-ordered messages use
// "02:{sortkey_timestamp}:{channel_id}" and never coalesce.
func (n Notification) SortKey() string {
	if n.Topic != "" {
		return "01:" + n.ChannelID + ":" + n.Topic
	}
	return "02:" + formatUint(uint64(n.SortKeyTimestamp)) + ":" + n.ChannelID
}

// Eligible reports whether n is still within its TTL window relative to
// nowSeconds (I3).
func (n Notification) Eligible(nowSeconds int64) bool {
	if n.TTL == 0 {
		return false
	}
	return nowSeconds < n.Timestamp+int64(n.TTL)
}

func formatUint(v uint64) string {
	// Zero-padded to 20 digits (max uint64) so lexicographic ordering of the
	// sort key matches numeric ordering of the timestamp, mirroring the
	// fixed-width sort keys a real column-family store would use.
	const width = 20
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf)
}

// FetchResult is the result of a topic or timestamp message fetch: the
// messages found plus, for the timestamp variant, the highest
// SortKeyTimestamp seen (used to advance the read cursor via
// IncrementStorage).
type FetchResult struct {
	Messages  []Notification
	Timestamp int64 // 0 if no timestamp-sorted messages were present
}

// Store is the full C9 contract. All methods take a context since every
// implementation suspends on network I/O.
type Store interface {
	GetUser(ctx context.Context, uaid string) (*User, error)
	AddUser(ctx context.Context, u User) error
	UpdateUser(ctx context.Context, u User) error // fails on version mismatch (CAS)
	RemoveUser(ctx context.Context, uaid string) error

	GetChannels(ctx context.Context, uaid string) (map[string]struct{}, error)
	AddChannel(ctx context.Context, uaid, channelID string) error
	RemoveChannel(ctx context.Context, uaid, channelID string) (bool, error)

	// RemoveNodeID performs the CAS clear described by I2: it succeeds (and
	// clears node_id) iff the stored record's node_id and connected_at both
	// still match, and is a no-op otherwise.
	RemoveNodeID(ctx context.Context, uaid, nodeID string, connectedAt uint64) (bool, error)

	SaveMessage(ctx context.Context, uaid string, n Notification) error
	RemoveMessage(ctx context.Context, uaid, sortKey string) error

	FetchTopicMessages(ctx context.Context, uaid string, limit int) (FetchResult, error)
	FetchTimestampMessages(ctx context.Context, uaid string, since int64, limit int) (FetchResult, error)

	IncrementStorage(ctx context.Context, uaid string, timestamp int64) error

	HealthCheck(ctx context.Context) error
}
