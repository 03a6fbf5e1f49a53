package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/mozilla-services/autopush-rs-sub001/internal/store"
)

func mustAddUser(t *testing.T, s *Store, uaid string) {
	t.Helper()
	if err := s.AddUser(context.Background(), store.User{UAID: uaid, NodeID: "node-1", ConnectedAt: 100}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
}

func TestTopicCoalescing(t *testing.T) {
	s := New()
	ctx := context.Background()
	mustAddUser(t, s, "u1")

	now := time.Now().Unix()
	n1 := store.Notification{ChannelID: "c1", Topic: "news", Version: "v1", TTL: 60, Timestamp: now}
	n2 := store.Notification{ChannelID: "c1", Topic: "news", Version: "v2", TTL: 60, Timestamp: now}

	if err := s.SaveMessage(ctx, "u1", n1); err != nil {
		t.Fatalf("save n1: %v", err)
	}
	if err := s.SaveMessage(ctx, "u1", n2); err != nil {
		t.Fatalf("save n2: %v", err)
	}

	res, err := s.FetchTopicMessages(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("expected exactly 1 coalesced message, got %d", len(res.Messages))
	}
	if res.Messages[0].Version != "v2" {
		t.Fatalf("expected the newer version v2 to win, got %s", res.Messages[0].Version)
	}
}

func TestRemoveNodeIDRequiresExactMatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	mustAddUser(t, s, "u1")

	ok, err := s.RemoveNodeID(ctx, "u1", "node-1", 999) // wrong connected_at
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected CAS to fail on connected_at mismatch")
	}

	u, _ := s.GetUser(ctx, "u1")
	if u.NodeID != "node-1" {
		t.Fatalf("record should be unchanged after failed CAS")
	}

	ok, err = s.RemoveNodeID(ctx, "u1", "node-1", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected CAS to succeed on exact match")
	}
	u, _ = s.GetUser(ctx, "u1")
	if u.NodeID != "" {
		t.Fatalf("expected node_id cleared")
	}
}

func TestTTLGating(t *testing.T) {
	n := store.Notification{TTL: 60, Timestamp: 1000}
	if n.Eligible(1100) {
		t.Fatalf("expected expired notification to be ineligible")
	}
	if !n.Eligible(1030) {
		t.Fatalf("expected unexpired notification to be eligible")
	}
	zeroTTL := store.Notification{TTL: 0, Timestamp: 1000}
	if zeroTTL.Eligible(1000) {
		t.Fatalf("ttl=0 must never be eligible for storage fetch")
	}
}

// TestFetchExcludesExpiredMessages exercises the actual read path (I3/P4):
// an expired topic or timestamp message must not come back out of
// FetchTopicMessages/FetchTimestampMessages even though it is still sitting
// in storage, since eviction is deferred to the background GC consumer.
func TestFetchExcludesExpiredMessages(t *testing.T) {
	s := New()
	ctx := context.Background()
	mustAddUser(t, s, "u1")
	now := time.Now().Unix()

	expiredTopic := store.Notification{ChannelID: "c1", Topic: "news", Version: "v1", TTL: 60, Timestamp: now - 120}
	liveTopic := store.Notification{ChannelID: "c2", Topic: "sports", Version: "v1", TTL: 60, Timestamp: now}
	if err := s.SaveMessage(ctx, "u1", expiredTopic); err != nil {
		t.Fatalf("save expired topic message: %v", err)
	}
	if err := s.SaveMessage(ctx, "u1", liveTopic); err != nil {
		t.Fatalf("save live topic message: %v", err)
	}

	topicRes, err := s.FetchTopicMessages(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("fetch topic: %v", err)
	}
	if len(topicRes.Messages) != 1 || topicRes.Messages[0].ChannelID != "c2" {
		t.Fatalf("expected only the live topic message, got %+v", topicRes.Messages)
	}

	expiredTS := store.Notification{ChannelID: "c3", Version: "v1", TTL: 60, Timestamp: now - 120, SortKeyTimestamp: 10}
	liveTS := store.Notification{ChannelID: "c4", Version: "v1", TTL: 60, Timestamp: now, SortKeyTimestamp: 20}
	if err := s.SaveMessage(ctx, "u1", expiredTS); err != nil {
		t.Fatalf("save expired timestamp message: %v", err)
	}
	if err := s.SaveMessage(ctx, "u1", liveTS); err != nil {
		t.Fatalf("save live timestamp message: %v", err)
	}

	tsRes, err := s.FetchTimestampMessages(ctx, "u1", 0, 10)
	if err != nil {
		t.Fatalf("fetch timestamp: %v", err)
	}
	if len(tsRes.Messages) != 1 || tsRes.Messages[0].ChannelID != "c4" {
		t.Fatalf("expected only the live timestamp message, got %+v", tsRes.Messages)
	}
}

func TestIdempotentAckRemoval(t *testing.T) {
	s := New()
	ctx := context.Background()
	mustAddUser(t, s, "u1")

	n := store.Notification{ChannelID: "c1", Topic: "news", Version: "v1", TTL: 60, Timestamp: time.Now().Unix()}
	if err := s.SaveMessage(ctx, "u1", n); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := s.RemoveMessage(ctx, "u1", n.SortKey()); err != nil {
		t.Fatalf("remove 1: %v", err)
	}
	if err := s.RemoveMessage(ctx, "u1", n.SortKey()); err != nil {
		t.Fatalf("remove 2 (idempotent) should not error: %v", err)
	}

	res, _ := s.FetchTopicMessages(ctx, "u1", 10)
	if len(res.Messages) != 0 {
		t.Fatalf("expected message removed, got %d remaining", len(res.Messages))
	}
}

func TestTimestampMessagesOrderedAndTracksHighWaterMark(t *testing.T) {
	s := New()
	ctx := context.Background()
	mustAddUser(t, s, "u1")

	now := time.Now().Unix()
	for i, ts := range []int64{300, 100, 200} {
		n := store.Notification{ChannelID: "chan", Version: "v", TTL: 60, Timestamp: now, SortKeyTimestamp: ts}
		n.ChannelID = "chan-" + string(rune('a'+i))
		if err := s.SaveMessage(ctx, "u1", n); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	res, err := s.FetchTimestampMessages(ctx, "u1", 0, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(res.Messages))
	}
	for i := 1; i < len(res.Messages); i++ {
		if res.Messages[i-1].SortKeyTimestamp > res.Messages[i].SortKeyTimestamp {
			t.Fatalf("expected ascending order, got %+v", res.Messages)
		}
	}
	if res.Timestamp != 300 {
		t.Fatalf("expected high water mark 300, got %d", res.Timestamp)
	}
}
