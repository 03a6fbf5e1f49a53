package delivery

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/mozilla-services/autopush-rs-sub001/internal/apperror"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store"
	"github.com/mozilla-services/autopush-rs-sub001/internal/tokens"
)

// Registrar implements the registration CRUD surface spec.md §6 names but
// leaves undetailed: /v1/{router_type}/{app_id}/registration[/{uaid}
// [/subscription[/{chid}]]]. Verb convention (POST create, GET list, DELETE
// remove, PUT router-data update) is supplemented from
// original_source/autoendpoint/src/routes/registration's naming.
type Registrar struct {
	Store          store.Store
	Tokens         *tokens.KeyRing
	EndpointScheme string
	EndpointHost   string
	EndpointPort   int
	Log            zerolog.Logger
}

// NewRegistrationRouter mounts the CRUD surface onto a fresh chi.Router,
// intended to sit alongside publicapi.NewRouter on the endpoint node.
func NewRegistrationRouter(reg *Registrar) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v1/{routerType}/{appID}/registration", func(r chi.Router) {
		r.Post("/", reg.handleRegister)
		r.Route("/{uaid}", func(r chi.Router) {
			r.Put("/", reg.handleUpdateRouterData)
			r.Delete("/", reg.handleDeleteUser)
			r.Route("/subscription", func(r chi.Router) {
				r.Get("/", reg.handleListChannels)
				r.Post("/", reg.handleAddChannel)
				r.Delete("/{chid}", reg.handleRemoveChannel)
			})
		})
	})

	return r
}

type registerRequest struct {
	ChannelID string `json:"channelID,omitempty"`
	Key       string `json:"key,omitempty"`
}

type registerResponse struct {
	UAID         string `json:"uaid"`
	ChannelID    string `json:"channelID"`
	Secret       string `json:"secret"`
	PushEndpoint string `json:"pushEndpoint"`
}

func (reg *Registrar) handleRegister(w http.ResponseWriter, r *http.Request) {
	routerType := store.RouterType(chi.URLParam(r, "routerType"))

	var body registerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeRegErr(w, apperror.Wrap(apperror.KindInvalidMessage, "decode registration body", err))
			return
		}
	}

	uaidBytes, err := randomUUIDBytes()
	if err != nil {
		writeRegErr(w, apperror.Wrap(apperror.KindDatabase, "generate uaid", err))
		return
	}
	chidBytes, err := randomUUIDBytes()
	if err != nil {
		writeRegErr(w, apperror.Wrap(apperror.KindDatabase, "generate channel id", err))
		return
	}
	uaid := formatUUIDHex(uaidBytes)
	chid := formatUUIDHex(chidBytes)

	if err := reg.Store.AddUser(r.Context(), store.User{
		UAID:       uaid,
		RouterType: routerType,
		RouterData: []byte(body.Key),
	}); err != nil {
		writeRegErr(w, apperror.Wrap(apperror.KindDatabase, "add_user", err))
		return
	}
	if err := reg.Store.AddChannel(r.Context(), uaid, chid); err != nil {
		writeRegErr(w, apperror.Wrap(apperror.KindDatabase, "add_channel", err))
		return
	}

	key, err := decodeRegistrationKey(body.Key)
	if err != nil {
		writeRegErr(w, apperror.Wrap(apperror.KindInvalidMessage, "decode key", err))
		return
	}
	endpoint, err := reg.endpointURL(uaidBytes, chidBytes, key)
	if err != nil {
		writeRegErr(w, apperror.Wrap(apperror.KindDatabase, "mint endpoint token", err))
		return
	}

	writeRegJSON(w, http.StatusCreated, registerResponse{
		UAID: uaid, ChannelID: chid, Secret: uaid, PushEndpoint: endpoint,
	})
}

func (reg *Registrar) handleAddChannel(w http.ResponseWriter, r *http.Request) {
	uaid := chi.URLParam(r, "uaid")
	user, err := reg.Store.GetUser(r.Context(), uaid)
	if err != nil {
		writeRegErr(w, apperror.Wrap(apperror.KindDatabase, "get_user", err))
		return
	}
	if user == nil {
		writeRegErr(w, apperror.New(apperror.KindNoUser, "no such uaid"))
		return
	}

	chidBytes, err := randomUUIDBytes()
	if err != nil {
		writeRegErr(w, apperror.Wrap(apperror.KindDatabase, "generate channel id", err))
		return
	}
	chid := formatUUIDHex(chidBytes)
	if err := reg.Store.AddChannel(r.Context(), uaid, chid); err != nil {
		writeRegErr(w, apperror.Wrap(apperror.KindDatabase, "add_channel", err))
		return
	}

	var uaidBytes [16]byte
	if b, err := parseUUIDHex(uaid); err == nil {
		uaidBytes = b
	}
	endpoint, err := reg.endpointURL(uaidBytes, chidBytes, nil)
	if err != nil {
		writeRegErr(w, apperror.Wrap(apperror.KindDatabase, "mint endpoint token", err))
		return
	}

	writeRegJSON(w, http.StatusCreated, map[string]string{"channelID": chid, "pushEndpoint": endpoint})
}

func (reg *Registrar) handleListChannels(w http.ResponseWriter, r *http.Request) {
	uaid := chi.URLParam(r, "uaid")
	channels, err := reg.Store.GetChannels(r.Context(), uaid)
	if err != nil {
		writeRegErr(w, apperror.Wrap(apperror.KindDatabase, "get_channels", err))
		return
	}
	ids := make([]string, 0, len(channels))
	for id := range channels {
		ids = append(ids, id)
	}
	writeRegJSON(w, http.StatusOK, map[string]any{"uaid": uaid, "channelIDs": ids})
}

func (reg *Registrar) handleRemoveChannel(w http.ResponseWriter, r *http.Request) {
	uaid := chi.URLParam(r, "uaid")
	chid := chi.URLParam(r, "chid")
	removed, err := reg.Store.RemoveChannel(r.Context(), uaid, chid)
	if err != nil {
		writeRegErr(w, apperror.Wrap(apperror.KindDatabase, "remove_channel", err))
		return
	}
	if !removed {
		writeRegErr(w, apperror.New(apperror.KindNoSubscription, "no such channel"))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (reg *Registrar) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	uaid := chi.URLParam(r, "uaid")
	if err := reg.Store.RemoveUser(r.Context(), uaid); err != nil {
		writeRegErr(w, apperror.Wrap(apperror.KindDatabase, "remove_user", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type routerDataRequest struct {
	RouterData json.RawMessage `json:"router_data"`
}

func (reg *Registrar) handleUpdateRouterData(w http.ResponseWriter, r *http.Request) {
	uaid := chi.URLParam(r, "uaid")
	user, err := reg.Store.GetUser(r.Context(), uaid)
	if err != nil {
		writeRegErr(w, apperror.Wrap(apperror.KindDatabase, "get_user", err))
		return
	}
	if user == nil {
		writeRegErr(w, apperror.New(apperror.KindNoUser, "no such uaid"))
		return
	}

	var body routerDataRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeRegErr(w, apperror.Wrap(apperror.KindInvalidMessage, "decode router_data", err))
		return
	}
	user.RouterData = body.RouterData
	if err := reg.Store.UpdateUser(r.Context(), *user); err != nil {
		writeRegErr(w, apperror.Wrap(apperror.KindDatabase, "update_user", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// endpointURL mints the opaque push endpoint URL for a uaid/channel pair.
// The version segment reflects what the token actually encodes: v2 only
// when key is non-empty, matching endpoint.rs's make_endpoint rather than
// hard-coding a version the token doesn't back up.
func (reg *Registrar) endpointURL(uaid, channelID [16]byte, key []byte) (string, error) {
	token, err := reg.Tokens.EncodeEndpointToken(uaid, channelID, key)
	if err != nil {
		return "", err
	}
	version := "v1"
	if len(key) > 0 {
		version = "v2"
	}
	return fmt.Sprintf("%s://%s:%d/wpush/%s/%s", reg.EndpointScheme, reg.EndpointHost, reg.EndpointPort, version, token), nil
}

// decodeRegistrationKey decodes the optional base64url (unpadded or padded)
// VAPID public key a registration body supplies, matching the raw key bytes
// endpoint.rs's make_endpoint hashes. An empty string yields a nil key,
// producing a v1 endpoint.
func decodeRegistrationKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(raw)
}

func randomUUIDBytes() ([16]byte, error) {
	var b [16]byte
	_, err := rand.Read(b[:])
	return b, err
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

func parseUUIDHex(s string) ([16]byte, error) {
	var b [16]byte
	if len(s) != 32 {
		return b, fmt.Errorf("tokens: uaid must be 32 hex characters, got %d", len(s))
	}
	for i := 0; i < 16; i++ {
		hi, err := hexVal(s[i*2])
		if err != nil {
			return b, err
		}
		lo, err := hexVal(s[i*2+1])
		if err != nil {
			return b, err
		}
		b[i] = hi<<4 | lo
	}
	return b, nil
}

func hexVal(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("tokens: invalid hex digit %q", c)
	}
}

func writeRegJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRegErr(w http.ResponseWriter, err error) {
	he := apperror.ToHTTPError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(he.Code)
	_ = json.NewEncoder(w).Encode(he)
}
