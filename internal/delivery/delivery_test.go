package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mozilla-services/autopush-rs-sub001/internal/store"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store/memstore"
	"github.com/mozilla-services/autopush-rs-sub001/internal/tokens"
)

func testRing(t *testing.T) *tokens.KeyRing {
	t.Helper()
	var k tokens.Key
	for i := range k {
		k[i] = byte(i)
	}
	r, err := tokens.NewKeyRing(k)
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	return r
}

func TestDeliverDirectOnLiveNode(t *testing.T) {
	var gotPath string
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer fake.Close()

	st := memstore.New()
	ctx := context.Background()
	user := store.User{UAID: "u1", NodeID: fake.URL, ConnectedAt: 1, RouterType: store.RouterWebPush}
	if err := st.AddUser(ctx, user); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	p := New(st, testRing(t), nil, time.Second, zerolog.Nop())
	res, err := p.Deliver(ctx, "u1", [16]byte{1}, [16]byte{2}, store.Notification{ChannelID: "c1", TTL: 60, Timestamp: time.Now().Unix()})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if res.Source != SourceDirect {
		t.Fatalf("expected SourceDirect, got %v", res.Source)
	}
	if gotPath != "/push/u1" {
		t.Fatalf("expected handoff to /push/u1, got %q", gotPath)
	}
}

func TestDeliverFallsBackToStorageWhenNodeUnreachable(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	user := store.User{UAID: "u2", NodeID: "http://127.0.0.1:1", ConnectedAt: 1, RouterType: store.RouterWebPush}
	if err := st.AddUser(ctx, user); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	p := New(st, testRing(t), nil, 200*time.Millisecond, zerolog.Nop())
	res, err := p.Deliver(ctx, "u2", [16]byte{1}, [16]byte{2}, store.Notification{ChannelID: "c1", TTL: 60, Timestamp: time.Now().Unix()})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if res.Source != SourceStored {
		t.Fatalf("expected SourceStored, got %v", res.Source)
	}

	fr, err := st.FetchTopicMessages(ctx, "u2", 10)
	if err != nil {
		t.Fatalf("FetchTopicMessages: %v", err)
	}
	if len(fr.Messages) == 0 {
		fr, err = st.FetchTimestampMessages(ctx, "u2", 0, 10)
		if err != nil {
			t.Fatalf("FetchTimestampMessages: %v", err)
		}
	}
	if len(fr.Messages) != 1 {
		t.Fatalf("expected the notification to have been saved, got %d messages", len(fr.Messages))
	}
}

func TestDeliverDropsZeroTTLWhenOffline(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	if err := st.AddUser(ctx, store.User{UAID: "u3", RouterType: store.RouterWebPush}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	p := New(st, testRing(t), nil, time.Second, zerolog.Nop())
	res, err := p.Deliver(ctx, "u3", [16]byte{1}, [16]byte{2}, store.Notification{ChannelID: "c1", TTL: 0, Timestamp: time.Now().Unix()})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if res.Source != SourceDirect {
		t.Fatalf("expected TTL=0 drop to still report Direct, got %v", res.Source)
	}

	fr, _ := st.FetchTopicMessages(ctx, "u3", 10)
	if len(fr.Messages) != 0 {
		t.Fatalf("expected nothing stored for a TTL=0 drop")
	}
}

func TestDeliverUnknownUAID(t *testing.T) {
	st := memstore.New()
	p := New(st, testRing(t), nil, time.Second, zerolog.Nop())
	if _, err := p.Deliver(context.Background(), "ghost", [16]byte{}, [16]byte{}, store.Notification{TTL: 60}); err == nil {
		t.Fatalf("expected an error for an unknown uaid")
	}
}
