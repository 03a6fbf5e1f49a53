// Package broadcast implements the versioned broadcast ("megaphone") tracker
// (C2): an ordered id→version map with a monotone change counter, so a
// per-client snapshot can compute exactly the deltas it has not yet seen.
// Grounded on original_source/autoconnect/autoconnect-common/src/megaphone.go
// and the teacher's RW-lock discipline for the client registry.
package broadcast

import "sync"

// entry is one broadcast id's current version plus the counter value at
// which it was last changed.
type entry struct {
	version string
	changed uint64
}

// Tracker holds the cluster-wide broadcast map. It is a process-wide
// singleton with read-mostly access: the megaphone poller (or a NATS
// subscription fed by another node's poller) is the only writer.
type Tracker struct {
	mu      sync.RWMutex
	values  map[string]entry
	counter uint64
}

func New() *Tracker {
	return &Tracker{values: make(map[string]entry)}
}

// Snapshot is a subscriber's view: the tracker counter value as of its last
// sync, plus the set of broadcast ids it cares about and the version it
// last received for each.
type Snapshot struct {
	Counter     uint64
	Subscribed  map[string]string // id -> last version delivered to this client
}

func NewSnapshot() Snapshot {
	return Snapshot{Subscribed: make(map[string]string)}
}

// AddBroadcast upserts a single id/version pair, bumping the change counter
// only if the version actually changed. Returns true if a change was
// recorded.
func (t *Tracker) AddBroadcast(id, version string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.values[id]; ok && cur.version == version {
		return false
	}
	t.counter++
	t.values[id] = entry{version: version, changed: t.counter}
	return true
}

// AddBroadcasts upserts a batch and returns the number of ids whose version
// actually changed.
func (t *Tracker) AddBroadcasts(batch map[string]string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := 0
	for id, version := range batch {
		if cur, ok := t.values[id]; ok && cur.version == version {
			continue
		}
		t.counter++
		t.values[id] = entry{version: version, changed: t.counter}
		changed++
	}
	return changed
}

// Subscribe merges requested ids/versions into a subscriber's snapshot and
// returns the updated snapshot plus the initial delta: every requested id
// whose current tracker version differs from what the client already
// claims to have.
func (t *Tracker) Subscribe(snap Snapshot, requested map[string]string) (Snapshot, map[string]string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	next := Snapshot{Counter: t.counter, Subscribed: make(map[string]string, len(snap.Subscribed)+len(requested))}
	for id, v := range snap.Subscribed {
		next.Subscribed[id] = v
	}

	delta := make(map[string]string)
	for id, claimed := range requested {
		current, known := t.values[id]
		if known && current.version != claimed {
			delta[id] = current.version
		}
		if known {
			next.Subscribed[id] = current.version
		} else {
			next.Subscribed[id] = claimed
		}
	}
	return next, delta
}

// Delta returns every subscribed id whose tracker-recorded change counter
// exceeds the snapshot's counter, i.e. everything that changed since the
// client last synced. Returns (nil, false) if there is nothing new, so
// callers can skip sending an empty broadcast message (§4.6: a pending
// delta of size zero must not suppress the keepalive Ping).
func (t *Tracker) Delta(snap Snapshot) (map[string]string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if snap.Counter >= t.counter {
		return nil, false
	}

	delta := make(map[string]string)
	for id := range snap.Subscribed {
		if current, ok := t.values[id]; ok && current.changed > snap.Counter {
			delta[id] = current.version
		}
	}
	if len(delta) == 0 {
		return nil, false
	}
	return delta, true
}

// AdvanceSnapshot returns a copy of snap with its counter raised to the
// tracker's current value, without changing which ids it tracks. Call this
// after successfully delivering a Delta so the next call doesn't resend it.
func (t *Tracker) AdvanceSnapshot(snap Snapshot, delta map[string]string) Snapshot {
	t.mu.RLock()
	counter := t.counter
	t.mu.RUnlock()

	next := Snapshot{Counter: counter, Subscribed: make(map[string]string, len(snap.Subscribed))}
	for id, v := range snap.Subscribed {
		next.Subscribed[id] = v
	}
	for id, v := range delta {
		next.Subscribed[id] = v
	}
	return next
}
