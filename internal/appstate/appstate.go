// Package appstate holds the connection node's shared, immutable-after-
// construction dependencies, following the design note that prefers a
// flat struct passed by shared reference over a graph of ref-counted
// back-pointers between session tasks: every session holds one *AppState
// and never needs to reach back into another session.
package appstate

import (
	"github.com/rs/zerolog"

	"github.com/mozilla-services/autopush-rs-sub001/internal/broadcast"
	"github.com/mozilla-services/autopush-rs-sub001/internal/config"
	"github.com/mozilla-services/autopush-rs-sub001/internal/registry"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store"
	"github.com/mozilla-services/autopush-rs-sub001/internal/tokens"
)

// AppState is constructed once at startup and shared read-only across every
// session task; the only two mutable structures it points to (Registry and
// Broadcasts) already carry their own internal locking.
type AppState struct {
	Config     *config.Connection
	Store      store.Store
	Registry   *registry.Registry
	Broadcasts *broadcast.Tracker
	Tokens     *tokens.KeyRing
	Logger     *zerolog.Logger

	// RouterURL is this node's own intra-cluster base URL, written into
	// User.NodeID on every Hello/hand-off so endpoint nodes know where to
	// PUT notifications for this session.
	RouterURL string
}
