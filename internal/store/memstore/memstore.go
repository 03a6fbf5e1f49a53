// Package memstore is an in-process implementation of store.Store, used by
// the test suites for every component that depends on C9, and usable as a
// development-mode backend for the node binaries when no database is wired
// up. It implements the same CAS and coalescing semantics a production
// backend (internal/store/postgres) must honor.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mozilla-services/autopush-rs-sub001/internal/store"
)

type userRecord struct {
	user     store.User
	channels map[string]struct{}
	messages map[string]store.Notification // keyed by SortKey
	version  int
}

// Store is a mutex-protected map-of-maps implementation of store.Store.
type Store struct {
	mu    sync.Mutex
	users map[string]*userRecord
}

func New() *Store {
	return &Store{users: make(map[string]*userRecord)}
}

func (s *Store) GetUser(_ context.Context, uaid string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[uaid]
	if !ok {
		return nil, nil
	}
	u := rec.user
	return &u, nil
}

func (s *Store) AddUser(_ context.Context, u store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[u.UAID]; exists {
		return fmt.Errorf("memstore: user %s already exists", u.UAID)
	}
	u.Version = versionToken(1)
	s.users[u.UAID] = &userRecord{
		user:     u,
		channels: make(map[string]struct{}),
		messages: make(map[string]store.Notification),
		version:  1,
	}
	return nil
}

func (s *Store) UpdateUser(_ context.Context, u store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[u.UAID]
	if !ok {
		return fmt.Errorf("memstore: update of unknown user %s", u.UAID)
	}
	if u.Version != "" && u.Version != rec.user.Version {
		return fmt.Errorf("memstore: version mismatch updating user %s", u.UAID)
	}
	rec.version++
	u.Version = versionToken(rec.version)
	rec.user = u
	return nil
}

func (s *Store) RemoveUser(_ context.Context, uaid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, uaid)
	return nil
}

func (s *Store) GetChannels(_ context.Context, uaid string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[uaid]
	if !ok {
		return map[string]struct{}{}, nil
	}
	out := make(map[string]struct{}, len(rec.channels))
	for k := range rec.channels {
		out[k] = struct{}{}
	}
	return out, nil
}

func (s *Store) AddChannel(_ context.Context, uaid, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[uaid]
	if !ok {
		return fmt.Errorf("memstore: add channel for unknown user %s", uaid)
	}
	rec.channels[channelID] = struct{}{}
	return nil
}

func (s *Store) RemoveChannel(_ context.Context, uaid, channelID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[uaid]
	if !ok {
		return false, nil
	}
	if _, present := rec.channels[channelID]; !present {
		return false, nil
	}
	delete(rec.channels, channelID)
	return true, nil
}

// RemoveNodeID implements the I2 CAS clear: it only clears node_id if both
// node_id and connected_at still match what the caller observed.
func (s *Store) RemoveNodeID(_ context.Context, uaid, nodeID string, connectedAt uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[uaid]
	if !ok {
		return false, nil
	}
	if rec.user.NodeID != nodeID || rec.user.ConnectedAt != connectedAt {
		return false, nil
	}
	rec.user.NodeID = ""
	rec.version++
	rec.user.Version = versionToken(rec.version)
	return true, nil
}

// SaveMessage is idempotent on (uaid, sort_key): a topic message with the
// same (channel_id, topic) overwrites the previous entry under that key
// (I4, P3).
func (s *Store) SaveMessage(_ context.Context, uaid string, n store.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[uaid]
	if !ok {
		return fmt.Errorf("memstore: save message for unknown user %s", uaid)
	}
	rec.messages[n.SortKey()] = n
	return nil
}

func (s *Store) RemoveMessage(_ context.Context, uaid, sortKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[uaid]
	if !ok {
		return nil
	}
	delete(rec.messages, sortKey)
	return nil
}

// FetchTopicMessages returns only messages still within their TTL window
// (I3/P4); an expired entry is skipped here rather than evicted, leaving
// storage reclamation to the background GC consumer (internal/audit).
func (s *Store) FetchTopicMessages(_ context.Context, uaid string, limit int) (store.FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[uaid]
	if !ok {
		return store.FetchResult{}, nil
	}
	now := time.Now().Unix()
	var out []store.Notification
	for key, n := range rec.messages {
		if len(key) >= 2 && key[:2] == "01" && n.Eligible(now) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return store.FetchResult{Messages: out}, nil
}

// FetchTimestampMessages returns only not-yet-expired messages past since
// (I3/P4), same eviction-deferred-to-GC discipline as FetchTopicMessages.
func (s *Store) FetchTimestampMessages(_ context.Context, uaid string, since int64, limit int) (store.FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[uaid]
	if !ok {
		return store.FetchResult{}, nil
	}
	now := time.Now().Unix()
	var out []store.Notification
	var maxTS int64
	for key, n := range rec.messages {
		if len(key) < 2 || key[:2] != "02" {
			continue
		}
		if n.SortKeyTimestamp <= since {
			continue
		}
		if !n.Eligible(now) {
			continue
		}
		out = append(out, n)
		if n.SortKeyTimestamp > maxTS {
			maxTS = n.SortKeyTimestamp
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortKeyTimestamp < out[j].SortKeyTimestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
		maxTS = 0
		for _, n := range out {
			if n.SortKeyTimestamp > maxTS {
				maxTS = n.SortKeyTimestamp
			}
		}
	}
	return store.FetchResult{Messages: out, Timestamp: maxTS}, nil
}

func (s *Store) IncrementStorage(_ context.Context, uaid string, timestamp int64) error {
	// memstore doesn't persist a separate read-cursor row; the caller
	// (session state machine) is responsible for carrying
	// unacked_stored_highest forward within the session, matching the
	// contract's description of this as recording the high-water mark.
	return nil
}

func (s *Store) HealthCheck(_ context.Context) error { return nil }

func versionToken(n int) string { return fmt.Sprintf("v%d", n) }
