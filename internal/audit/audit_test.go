package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewProducerNoBrokersIsNoop(t *testing.T) {
	p, err := NewProducer(nil, "topic", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	if p != nil {
		t.Fatalf("expected a nil producer with no brokers configured")
	}
	p.Publish(Record{UAID: "x"}) // must not panic
	p.Close()                    // must not panic
}

func TestNewGCConsumerNoBrokersIsNoop(t *testing.T) {
	gc, err := NewGCConsumer(GCConfig{Store: &fakeStore{}, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewGCConsumer: %v", err)
	}
	if gc != nil {
		t.Fatalf("expected a nil GC consumer with no brokers configured")
	}
}

func TestHandleRemovesOnlyExpiredStoredRecords(t *testing.T) {
	fs := &fakeStore{}
	gc := &GCConsumer{store: fs, log: zerolog.Nop(), now: func() int64 { return 1000 }}

	gc.handle(context.Background(), mustJSON(Record{UAID: "u1", SortKey: "k1", Source: "Stored", TTL: 60, Timestamp: 990}))
	if len(fs.removed) != 0 {
		t.Fatalf("expected no removal before TTL elapses, got %v", fs.removed)
	}

	gc.handle(context.Background(), mustJSON(Record{UAID: "u2", SortKey: "k2", Source: "Stored", TTL: 60, Timestamp: 100}))
	if len(fs.removed) != 1 || fs.removed[0] != "u2|k2" {
		t.Fatalf("expected u2|k2 removed, got %v", fs.removed)
	}

	gc.handle(context.Background(), mustJSON(Record{UAID: "u3", SortKey: "k3", Source: "Direct", TTL: 0, Timestamp: 0}))
	if len(fs.removed) != 1 {
		t.Fatalf("expected Direct records to be ignored, got %v", fs.removed)
	}
}

type fakeStore struct {
	removed []string
}

func (f *fakeStore) RemoveMessage(ctx context.Context, uaid, sortKey string) error {
	f.removed = append(f.removed, uaid+"|"+sortKey)
	return nil
}

func mustJSON(rec Record) []byte {
	b, _ := json.Marshal(rec)
	return b
}
