package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// megaphoneResponse is the payload the third-party megaphone service
// returns, grounded on original_source's MegaphoneResponse.
type megaphoneResponse struct {
	Broadcasts map[string]string `json:"broadcasts"`
}

// Updater polls the megaphone HTTP service on an interval and republishes
// every change onto a NATS subject, so sibling connection nodes pick up the
// same deltas without each polling megaphone independently (this is the
// cluster-wide propagation wired in per SPEC_FULL.md's domain stack table).
type Updater struct {
	tracker  *Tracker
	http     *http.Client
	url      string
	token    string
	interval time.Duration
	logger   zerolog.Logger

	nc      *nats.Conn
	subject string
}

// NewUpdater constructs a megaphone poller. nc may be nil, in which case
// cluster-wide NATS propagation is disabled and each node polls megaphone
// independently.
func NewUpdater(tracker *Tracker, url, token string, interval time.Duration, nc *nats.Conn, subject string, logger zerolog.Logger) *Updater {
	return &Updater{
		tracker:  tracker,
		http:     &http.Client{Timeout: 10 * time.Second},
		url:      url,
		token:    token,
		interval: interval,
		logger:   logger.With().Str("component", "megaphone_updater").Logger(),
		nc:       nc,
		subject:  subject,
	}
}

// Run polls once immediately and then on every tick until ctx is canceled.
// A poll failure is logged and retried on the next tick; it never aborts
// the loop (spec.md §4.2: "failures are logged and retried on next tick,
// never fatal").
func (u *Updater) Run(ctx context.Context) {
	if u.url == "" {
		u.logger.Info().Msg("megaphone url not configured, updater disabled")
		return
	}

	u.poll(ctx)

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.poll(ctx)
		}
	}
}

func (u *Updater) poll(ctx context.Context) {
	broadcasts, err := u.fetch(ctx)
	if err != nil {
		u.logger.Error().Err(err).Msg("megaphone poll failed")
		return
	}
	if len(broadcasts) == 0 {
		return
	}

	changed := u.tracker.AddBroadcasts(broadcasts)
	u.logger.Debug().Int("changed", changed).Msg("megaphone poll applied")

	if changed > 0 && u.nc != nil {
		u.publish(broadcasts)
	}
}

func (u *Updater) fetch(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url, nil)
	if err != nil {
		return nil, err
	}
	if u.token != "" {
		req.Header.Set("Authorization", u.token)
	}
	resp, err := u.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("megaphone returned %d: %s", resp.StatusCode, body)
	}
	var out megaphoneResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode megaphone response: %w", err)
	}
	return out.Broadcasts, nil
}

func (u *Updater) publish(broadcasts map[string]string) {
	data, err := json.Marshal(broadcasts)
	if err != nil {
		u.logger.Error().Err(err).Msg("failed to marshal broadcasts for NATS publish")
		return
	}
	if err := u.nc.Publish(u.subject, data); err != nil {
		u.logger.Error().Err(err).Msg("failed to publish broadcast delta to NATS")
	}
}

// Subscribe attaches a NATS subscription that merges remotely-published
// broadcast deltas into tracker, keeping this node's copy synced with
// whichever sibling node's Updater actually polled megaphone.
func Subscribe(nc *nats.Conn, subject string, tracker *Tracker, logger zerolog.Logger) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var broadcasts map[string]string
		if err := json.Unmarshal(msg.Data, &broadcasts); err != nil {
			logger.Error().Err(err).Msg("failed to decode broadcast delta from NATS")
			return
		}
		tracker.AddBroadcasts(broadcasts)
	})
}
