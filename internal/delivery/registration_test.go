package delivery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mozilla-services/autopush-rs-sub001/internal/store/memstore"
	"github.com/mozilla-services/autopush-rs-sub001/internal/tokens"
)

func testKeyRing(t *testing.T) *tokens.KeyRing {
	t.Helper()
	var k tokens.Key
	for i := range k {
		k[i] = byte(i)
	}
	ring, err := tokens.NewKeyRing(k)
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	return ring
}

func TestRegisterCreatesUserAndChannel(t *testing.T) {
	reg := &Registrar{
		Store: memstore.New(), Tokens: testKeyRing(t),
		EndpointScheme: "https", EndpointHost: "push.example.com", EndpointPort: 443,
		Log: zerolog.Nop(),
	}
	r := NewRegistrationRouter(reg)

	req := httptest.NewRequest(http.MethodPost, "/v1/webpush/app123/registration", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var body registerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.UAID == "" || body.ChannelID == "" || !strings.Contains(body.PushEndpoint, "https://push.example.com:443/wpush/v1/") {
		t.Fatalf("unexpected registration response: %+v", body)
	}
}

func TestSubscriptionAddListAndRemove(t *testing.T) {
	reg := &Registrar{
		Store: memstore.New(), Tokens: testKeyRing(t),
		EndpointScheme: "https", EndpointHost: "push.example.com", EndpointPort: 443,
		Log: zerolog.Nop(),
	}
	r := NewRegistrationRouter(reg)

	regReq := httptest.NewRequest(http.MethodPost, "/v1/webpush/app123/registration", nil)
	regW := httptest.NewRecorder()
	r.ServeHTTP(regW, regReq)
	var regBody registerResponse
	_ = json.Unmarshal(regW.Body.Bytes(), &regBody)

	addReq := httptest.NewRequest(http.MethodPost, "/v1/webpush/app123/registration/"+regBody.UAID+"/subscription", nil)
	addW := httptest.NewRecorder()
	r.ServeHTTP(addW, addReq)
	if addW.Code != http.StatusCreated {
		t.Fatalf("expected 201 adding a channel, got %d: %s", addW.Code, addW.Body.String())
	}
	var addBody map[string]string
	_ = json.Unmarshal(addW.Body.Bytes(), &addBody)

	listReq := httptest.NewRequest(http.MethodGet, "/v1/webpush/app123/registration/"+regBody.UAID+"/subscription", nil)
	listW := httptest.NewRecorder()
	r.ServeHTTP(listW, listReq)
	var listBody struct {
		ChannelIDs []string `json:"channelIDs"`
	}
	_ = json.Unmarshal(listW.Body.Bytes(), &listBody)
	if len(listBody.ChannelIDs) != 2 {
		t.Fatalf("expected 2 channels (initial + added), got %v", listBody.ChannelIDs)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/v1/webpush/app123/registration/"+regBody.UAID+"/subscription/"+addBody["channelID"], nil)
	delW := httptest.NewRecorder()
	r.ServeHTTP(delW, delReq)
	if delW.Code != http.StatusOK {
		t.Fatalf("expected 200 removing a channel, got %d", delW.Code)
	}
}

func TestDeleteUserRemovesRegistration(t *testing.T) {
	reg := &Registrar{
		Store: memstore.New(), Tokens: testKeyRing(t),
		EndpointScheme: "https", EndpointHost: "push.example.com", EndpointPort: 443,
		Log: zerolog.Nop(),
	}
	r := NewRegistrationRouter(reg)

	regReq := httptest.NewRequest(http.MethodPost, "/v1/webpush/app123/registration", nil)
	regW := httptest.NewRecorder()
	r.ServeHTTP(regW, regReq)
	var regBody registerResponse
	_ = json.Unmarshal(regW.Body.Bytes(), &regBody)

	delReq := httptest.NewRequest(http.MethodDelete, "/v1/webpush/app123/registration/"+regBody.UAID, nil)
	delW := httptest.NewRecorder()
	r.ServeHTTP(delW, delReq)
	if delW.Code != http.StatusOK {
		t.Fatalf("expected 200 removing a user, got %d", delW.Code)
	}

	user, err := reg.Store.GetUser(req(t).Context(), regBody.UAID)
	if err != nil {
		t.Fatalf("GetUser after delete: %v", err)
	}
	if user != nil {
		t.Fatalf("expected the user to be gone after delete, got %+v", user)
	}
}

func req(t *testing.T) *http.Request {
	t.Helper()
	return httptest.NewRequest(http.MethodGet, "/", nil)
}
