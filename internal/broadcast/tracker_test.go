package broadcast

import "testing"

func TestSubscribeInitialDelta(t *testing.T) {
	tr := New()
	tr.AddBroadcast("foo/bar", "v1")

	snap := NewSnapshot()
	snap, delta := tr.Subscribe(snap, map[string]string{"foo/bar": "v0"})
	if delta["foo/bar"] != "v1" {
		t.Fatalf("expected delta to include v1, got %+v", delta)
	}
	if snap.Subscribed["foo/bar"] != "v1" {
		t.Fatalf("snapshot should record the delivered version")
	}
}

func TestSubscribeNoDeltaWhenVersionMatches(t *testing.T) {
	tr := New()
	tr.AddBroadcast("foo/bar", "v1")

	snap := NewSnapshot()
	_, delta := tr.Subscribe(snap, map[string]string{"foo/bar": "v1"})
	if len(delta) != 0 {
		t.Fatalf("expected empty delta, got %+v", delta)
	}
}

func TestDeltaAfterChange(t *testing.T) {
	tr := New()
	tr.AddBroadcast("foo/bar", "v1")
	snap := NewSnapshot()
	snap, _ = tr.Subscribe(snap, map[string]string{"foo/bar": "v1"})

	if _, ok := tr.Delta(snap); ok {
		t.Fatalf("expected no pending delta before any change")
	}

	tr.AddBroadcast("foo/bar", "v2")
	delta, ok := tr.Delta(snap)
	if !ok {
		t.Fatalf("expected a pending delta after change")
	}
	if delta["foo/bar"] != "v2" {
		t.Fatalf("expected v2 in delta, got %+v", delta)
	}

	snap = tr.AdvanceSnapshot(snap, delta)
	if _, ok := tr.Delta(snap); ok {
		t.Fatalf("expected delta to clear after advancing snapshot")
	}
}

func TestAddBroadcastsReturnsChangeCount(t *testing.T) {
	tr := New()
	changed := tr.AddBroadcasts(map[string]string{"a": "1", "b": "1"})
	if changed != 2 {
		t.Fatalf("expected 2 changes, got %d", changed)
	}
	changed = tr.AddBroadcasts(map[string]string{"a": "1", "b": "2"})
	if changed != 1 {
		t.Fatalf("expected 1 change (only b), got %d", changed)
	}
}
