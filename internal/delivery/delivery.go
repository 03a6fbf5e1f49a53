// Package delivery implements the endpoint node's dispatch pipeline (C7):
// live hand-off to a connection node when the subscriber is online, falling
// back to durable storage and a best-effort re-notify when it isn't. There
// is no ecosystem HTTP client in this module's pack (the teacher and the
// rest of the examples all use net/http directly for outbound calls), so
// this package talks to a connection node's C8 routes with a plain
// *http.Client — see DESIGN.md.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/mozilla-services/autopush-rs-sub001/internal/apperror"
	"github.com/mozilla-services/autopush-rs-sub001/internal/audit"
	"github.com/mozilla-services/autopush-rs-sub001/internal/metrics"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store"
	"github.com/mozilla-services/autopush-rs-sub001/internal/tokens"
)

// SourceTag records how a notification was ultimately handed to the
// subscriber, echoed back to the caller in the 201 response (§4.7).
type SourceTag string

const (
	SourceDirect SourceTag = "Direct"
	SourceStored SourceTag = "Stored"
)

// Result is what Deliver reports on success.
type Result struct {
	MessageID string
	Source    SourceTag
}

// Pipeline holds the endpoint node's dependencies for C7.
type Pipeline struct {
	Store         store.Store
	Tokens        *tokens.KeyRing
	HTTPClient    *http.Client
	ClusterSecret []byte
	Log           zerolog.Logger

	// Audit publishes a durable record of each delivery decision for the
	// background GC consumer to replay (internal/audit). Left nil when no
	// broker is configured; Publish on a nil *audit.Producer is a no-op.
	Audit *audit.Producer
}

// New builds a Pipeline with a bounded-timeout client, per the teacher's
// practice of never using http.DefaultClient for outbound calls.
func New(st store.Store, ring *tokens.KeyRing, clusterSecret []byte, timeout time.Duration, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		Store:         st,
		Tokens:        ring,
		HTTPClient:    &http.Client{Timeout: timeout},
		ClusterSecret: clusterSecret,
		Log:           log,
	}
}

// pushBody is the JSON shape PUT /push/{uaid} expects, independent of the
// store.Notification internal layout so the wire contract can evolve
// without dragging storage fields along.
type pushBody struct {
	ChannelID        string `json:"channelID"`
	Version          string `json:"version"`
	TTL              int    `json:"ttl"`
	Timestamp        int64  `json:"timestamp"`
	Topic            string `json:"topic,omitempty"`
	Data             string `json:"data,omitempty"`
	SortKeyTimestamp int64  `json:"sortkey_timestamp,omitempty"`
	Encoding         string `json:"encoding,omitempty"`
	Encryption       string `json:"encryption,omitempty"`
	EncryptionKey    string `json:"encryption_key,omitempty"`
	CryptoKey        string `json:"crypto_key,omitempty"`
}

func toPushBody(n store.Notification) pushBody {
	return pushBody{
		ChannelID:        n.ChannelID,
		Version:          n.Version,
		TTL:              n.TTL,
		Timestamp:        n.Timestamp,
		Topic:            n.Topic,
		Data:             n.Data,
		SortKeyTimestamp: n.SortKeyTimestamp,
		Encoding:         n.Encoding,
		Encryption:       n.Encryption,
		EncryptionKey:    n.EncryptionKey,
		CryptoKey:        n.CryptoKey,
	}
}

// Deliver runs the five-step pipeline of §4.7 for one validated notification
// addressed to uaid. uaidBytes/channelIDBytes are the raw 16-byte forms used
// to mint the returned message_id token.
func (p *Pipeline) Deliver(ctx context.Context, uaid string, uaidBytes, channelIDBytes [16]byte, n store.Notification) (Result, error) {
	user, err := p.Store.GetUser(ctx, uaid)
	if err != nil {
		return Result{}, apperror.Wrap(apperror.KindDatabase, "get_user", err)
	}
	if user == nil {
		return Result{}, apperror.New(apperror.KindNoUser, "no such uaid")
	}

	// Timestamp-ordered messages need a non-zero sortkey_timestamp: the
	// store's timestamp fetch only returns entries past its cursor, which
	// starts at 0.
	if n.Topic == "" && n.SortKeyTimestamp == 0 {
		n.SortKeyTimestamp = time.Now().UnixMilli()
	}

	source := SourceStored
	if user.HasNode() {
		if p.handoff(ctx, user.NodeID, "push", uaid, &n) {
			source = SourceDirect
		} else {
			metrics.HandoffAttempts.WithLabelValues("push", "error").Inc()
			p.clearNode(ctx, *user)
			user.NodeID = ""
		}
	}

	if source == SourceDirect {
		return p.finish(n, uaidBytes, channelIDBytes, SourceDirect)
	}

	if n.TTL == 0 {
		metrics.NotificationsExpired.Inc()
		return p.finish(n, uaidBytes, channelIDBytes, SourceDirect)
	}

	if err := p.Store.SaveMessage(ctx, uaid, n); err != nil {
		return Result{}, apperror.Wrap(apperror.KindDatabase, "save_message", err)
	}

	refreshed, err := p.Store.GetUser(ctx, uaid)
	if err == nil && refreshed != nil && refreshed.HasNode() {
		if p.handoff(ctx, refreshed.NodeID, "notif", uaid, nil) {
			source = SourceDirect
		} else {
			metrics.HandoffAttempts.WithLabelValues("notif", "error").Inc()
			p.clearNode(ctx, *refreshed)
		}
	}

	return p.finish(n, uaidBytes, channelIDBytes, source)
}

func (p *Pipeline) finish(n store.Notification, uaidBytes, channelIDBytes [16]byte, source SourceTag) (Result, error) {
	var msgID string
	var err error
	if n.Topic != "" {
		msgID, err = p.Tokens.EncodeTopicMessageIDToken(uaidBytes, channelIDBytes, n.Topic)
	} else {
		msgID, err = p.Tokens.EncodeMessageIDToken(uaidBytes, channelIDBytes, n.SortKeyTimestamp)
	}
	if err != nil {
		return Result{}, apperror.Wrap(apperror.KindDatabase, "encode message id", err)
	}
	metrics.NotificationsDelivered.WithLabelValues(string(source)).Inc()
	if source == SourceStored {
		metrics.NotificationsStored.Inc()
	}
	p.Audit.Publish(audit.Record{
		UAID:      formatUUIDHex(uaidBytes),
		ChannelID: formatUUIDHex(channelIDBytes),
		SortKey:   n.SortKey(),
		Source:    string(source),
		TTL:       n.TTL,
		Timestamp: n.Timestamp,
	})
	return Result{MessageID: msgID, Source: source}, nil
}

// handoff PUTs to a connection node's C8 route. kind is "push" (with body)
// or "notif" (no body). It reports whether the node answered 200.
func (p *Pipeline) handoff(ctx context.Context, nodeURL, kind, uaid string, n *store.Notification) bool {
	url := fmt.Sprintf("%s/%s/%s", nodeURL, kind, uaid)

	var body bytes.Buffer
	method := http.MethodPut
	if n != nil {
		if err := json.NewEncoder(&body).Encode(toPushBody(*n)); err != nil {
			p.Log.Warn().Err(err).Msg("encode push body")
			return false
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, &body)
	if err != nil {
		p.Log.Warn().Err(err).Str("url", url).Msg("build handoff request")
		return false
	}
	if n != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok, err := p.bearerToken(); err == nil && tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		p.Log.Debug().Err(err).Str("url", url).Msg("handoff request failed")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// bearerToken mints a short-lived HS256 token for this node's outbound
// calls, paired with routing.bearerMiddleware on the connection node side.
func (p *Pipeline) bearerToken() (string, error) {
	if len(p.ClusterSecret) == 0 {
		return "", nil
	}
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(30 * time.Second)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(p.ClusterSecret)
}

// clearNode performs the CAS-clear of step 2c/5, swallowing the error: a
// failed clear just means the next delivery attempt retries the hand-off
// and fails again, which is safe.
func (p *Pipeline) clearNode(ctx context.Context, user store.User) {
	if _, err := p.Store.RemoveNodeID(ctx, user.UAID, user.NodeID, user.ConnectedAt); err != nil {
		p.Log.Debug().Err(err).Str("uaid", user.UAID).Msg("failed to CAS-clear node_id")
	}
}
