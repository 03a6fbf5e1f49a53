// Package routing implements the connection node's intra-cluster HTTP
// surface (C8): PUT /push/{uaid} and PUT /notif/{uaid}, the only way an
// endpoint node reaches a connection node. Grounded on the teacher's
// chi.Router + one-handler-per-route layout
// (bobbydeveaux-starbucks-mugs/internal/server/rest/router.go), adapted
// from a JWT-protected dashboard API to a bearer-token-protected
// node-to-node API.
package routing

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mozilla-services/autopush-rs-sub001/internal/apperror"
	"github.com/mozilla-services/autopush-rs-sub001/internal/metrics"
	"github.com/mozilla-services/autopush-rs-sub001/internal/registry"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store"
)

// Server holds the dependencies the routing handlers need.
type Server struct {
	Registry *registry.Registry
}

// NewRouter builds the intra-cluster router. clusterSecret, when non-empty,
// requires every request to carry a valid HS256 bearer token signed with
// it — the intra-cluster equivalent of the teacher's RS256 dashboard
// middleware, scaled down to a single shared cluster secret since both
// sides of this API are this module's own node binaries, not third-party
// clients.
func NewRouter(srv *Server, clusterSecret []byte) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/", func(r chi.Router) {
		if len(clusterSecret) > 0 {
			r.Use(bearerMiddleware(clusterSecret))
		}
		r.Put("/push/{uaid}", srv.handlePush)
		r.Put("/notif/{uaid}", srv.handleNotif)
	})

	return r
}

func bearerMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if len(tokenStr) <= len(prefix) || tokenStr[:len(prefix)] != prefix {
				writeJSON(w, http.StatusUnauthorized, apperror.HTTPError{Code: 401, Error: "missing bearer token"})
				return
			}
			tok, err := jwt.Parse(tokenStr[len(prefix):], func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, apperror.New(apperror.KindInvalidToken, "unexpected signing method")
				}
				return secret, nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !tok.Valid {
				writeJSON(w, http.StatusUnauthorized, apperror.HTTPError{Code: 401, Error: "invalid cluster token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handlePush implements PUT /push/{uaid}: body is a JSON notification,
// forwarded verbatim to C3.Notify.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	uaid := chi.URLParam(r, "uaid")
	var body struct {
		store.Notification
		SortKeyTimestamp int64  `json:"sortkey_timestamp"`
		EncryptionKey    string `json:"encryption_key"`
		CryptoKey        string `json:"crypto_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, apperror.HTTPError{Code: 400, Error: "invalid notification body"})
		return
	}
	n := body.Notification
	n.SortKeyTimestamp, n.EncryptionKey, n.CryptoKey = body.SortKeyTimestamp, body.EncryptionKey, body.CryptoKey

	if err := s.Registry.Notify(uaid, n); err != nil {
		metrics.HandoffAttempts.WithLabelValues("push", "not_connected").Inc()
		writeJSON(w, http.StatusNotFound, apperror.HTTPError{Code: 404, Error: "user not connected"})
		return
	}
	metrics.HandoffAttempts.WithLabelValues("push", "ok").Inc()
	w.WriteHeader(http.StatusOK)
}

// handleNotif implements PUT /notif/{uaid}: no body, forwarded to
// C3.CheckStorage to nudge a storage-check round.
func (s *Server) handleNotif(w http.ResponseWriter, r *http.Request) {
	uaid := chi.URLParam(r, "uaid")
	if err := s.Registry.CheckStorage(uaid); err != nil {
		metrics.HandoffAttempts.WithLabelValues("notif", "not_connected").Inc()
		writeJSON(w, http.StatusNotFound, apperror.HTTPError{Code: 404, Error: "user not connected"})
		return
	}
	metrics.HandoffAttempts.WithLabelValues("notif", "ok").Inc()
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
