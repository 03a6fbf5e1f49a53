// Package publicapi implements the endpoint node's subscriber-facing
// surface: POST /wpush/{api_version}/{token}, the entry point application
// servers call to push a notification (§4's overview, §3's "Endpoint Node"
// role). VAPID validation and encryption-header cryptography are an
// explicit non-goal of the system this implements — see SPEC_FULL.md — so
// this package only extracts and range-checks the plain headers, grounded
// on
// original_source/autoendpoint/src/server/extractors/notification_headers.rs,
// the way the router wiring is grounded on
// bobbydeveaux-starbucks-mugs/internal/server/rest/router.go.
package publicapi

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/mozilla-services/autopush-rs-sub001/internal/apperror"
	"github.com/mozilla-services/autopush-rs-sub001/internal/delivery"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store"
	"github.com/mozilla-services/autopush-rs-sub001/internal/tokens"
)

// MaxTTL caps a caller-supplied TTL at 60 days, matching the original
// extractor's constant.
const MaxTTL = 60 * 60 * 24 * 60

var validBase64URL = regexp.MustCompile(`^[0-9A-Za-z\-_]+=*$`)

// Server holds the endpoint node's public-facing dependencies.
type Server struct {
	Tokens       *tokens.KeyRing
	Pipeline     *delivery.Pipeline
	MaxDataBytes int64
	Log          zerolog.Logger
}

// NewRouter mounts the subscriber-facing routes.
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/wpush/{apiVersion}/{token}", srv.handlePush)
	r.Post("/wpush/{token}", srv.handlePush) // token with no version segment
	r.Delete("/m/{messageID}", srv.handleDeleteMessage)

	return r
}

// handleDeleteMessage acknowledges/deletes a previously stored message by
// the opaque id a 201 response's Location header returned. The message-id
// token carries either a topic or a sortkey_timestamp (never both), so
// either message shape's sort key is fully recoverable without a lookup.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	uaidBytes, channelIDBytes, sortKeyTimestamp, topic, err := s.Tokens.DecodeMessageIDToken(messageID)
	if err != nil {
		writeErr(w, apperror.New(apperror.KindInvalidMessageID, "invalid or expired message id"))
		return
	}
	uaid := formatUUIDHex(uaidBytes)
	sortKey := store.Notification{
		ChannelID:        formatUUIDHex(channelIDBytes),
		Topic:            topic,
		SortKeyTimestamp: sortKeyTimestamp,
	}.SortKey()
	if err := s.Pipeline.Store.RemoveMessage(r.Context(), uaid, sortKey); err != nil {
		writeErr(w, apperror.Wrap(apperror.KindDatabase, "remove_message", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	// VAPID public-key verification against the token's v2 key hash is an
	// explicit non-goal of this system (see SPEC_FULL.md), so the hash
	// itself is discarded here.
	uaidBytes, channelIDBytes, _, err := s.Tokens.DecodeEndpointToken(token)
	if err != nil {
		writeErr(w, apperror.New(apperror.KindInvalidToken, "invalid or expired endpoint token"))
		return
	}

	n, err := parseNotification(r, s.MaxDataBytes)
	if err != nil {
		writeErr(w, err)
		return
	}
	n.ChannelID = formatUUIDHex(channelIDBytes)
	n.Version = formatUUIDHex(randomVersionSeed())

	uaid := formatUUIDHex(uaidBytes)
	res, err := s.Pipeline.Deliver(r.Context(), uaid, uaidBytes, channelIDBytes, n)
	if err != nil {
		writeErr(w, err)
		return
	}

	w.Header().Set("Location", "/m/"+res.MessageID)
	w.Header().Set("TTL", strconv.Itoa(n.TTL))
	w.Header().Set("X-Delivery-Source", string(res.Source))
	w.WriteHeader(http.StatusCreated)
}

func parseNotification(r *http.Request, maxDataBytes int64) (store.Notification, error) {
	ttl := 0
	if raw := r.Header.Get("TTL"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return store.Notification{}, apperror.New(apperror.KindInvalidMessage, "TTL must be a non-negative integer")
		}
		if v > MaxTTL {
			v = MaxTTL
		}
		ttl = v
	}

	topic := r.Header.Get("Topic")
	if len(topic) > 32 || (topic != "" && !validBase64URL.MatchString(topic)) {
		return store.Notification{}, apperror.New(apperror.KindInvalidMessage, "Topic must be <=32 url-safe base64 characters")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxDataBytes+1))
	if err != nil {
		return store.Notification{}, apperror.Wrap(apperror.KindInvalidMessage, "read body", err)
	}
	if int64(len(body)) > maxDataBytes {
		return store.Notification{}, apperror.New(apperror.KindTooMuchData, "request body exceeds max_data_bytes")
	}

	data := ""
	if len(body) > 0 {
		contentEncoding := r.Header.Get("Content-Encoding")
		if contentEncoding == "" {
			return store.Notification{}, apperror.New(apperror.KindInvalidMessage, "missing Content-Encoding header with a non-empty body")
		}
		data = base64.RawURLEncoding.EncodeToString(body)
	}

	return store.Notification{
		TTL:           ttl,
		Timestamp:     time.Now().Unix(),
		Topic:         topic,
		Data:          data,
		Encoding:      r.Header.Get("Content-Encoding"),
		Encryption:    r.Header.Get("Encryption"),
		EncryptionKey: r.Header.Get("Encryption-Key"),
		CryptoKey:     r.Header.Get("Crypto-Key"),
	}, nil
}

func writeErr(w http.ResponseWriter, err error) {
	he := apperror.ToHTTPError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(he.Code)
	_ = json.NewEncoder(w).Encode(he)
}

func formatUUIDHex(b [16]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 32)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

// randomVersionSeed mints the opaque version token attached to a freshly
// accepted notification, letting the client's Ack uniquely name it
// alongside its channel_id even though two in-flight notifications on the
// same channel can otherwise only be told apart by arrival order.
func randomVersionSeed() [16]byte {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return b
}
