package publicapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mozilla-services/autopush-rs-sub001/internal/delivery"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store/memstore"
	"github.com/mozilla-services/autopush-rs-sub001/internal/tokens"
)

func testRing(t *testing.T) *tokens.KeyRing {
	t.Helper()
	var k tokens.Key
	for i := range k {
		k[i] = byte(i)
	}
	r, err := tokens.NewKeyRing(k)
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	return r
}

func TestHandlePushStoresWhenOffline(t *testing.T) {
	ring := testRing(t)
	st := memstore.New()
	uaid := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	chid := [16]byte{17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32}

	uaidHex := formatUUIDHex(uaid)
	if err := st.AddUser(context.Background(), store.User{UAID: uaidHex, RouterType: store.RouterWebPush}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	token, err := ring.EncodeEndpointToken(uaid, chid, nil)
	if err != nil {
		t.Fatalf("EncodeEndpointToken: %v", err)
	}

	pipeline := delivery.New(st, ring, nil, time.Second, zerolog.Nop())
	srv := &Server{Tokens: ring, Pipeline: pipeline, MaxDataBytes: 4096, Log: zerolog.Nop()}
	r := NewRouter(srv)

	req := httptest.NewRequest(http.MethodPost, "/wpush/v2/"+token, strings.NewReader("ciphertext"))
	req.Header.Set("TTL", "60")
	req.Header.Set("Content-Encoding", "aes128gcm")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc == "" {
		t.Fatalf("expected a Location header")
	}
}

func TestHandleDeleteMessageRemovesStored(t *testing.T) {
	ring := testRing(t)
	st := memstore.New()
	uaid := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	chid := [16]byte{17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32}
	uaidHex := formatUUIDHex(uaid)
	if err := st.AddUser(context.Background(), store.User{UAID: uaidHex, RouterType: store.RouterWebPush}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	token, err := ring.EncodeEndpointToken(uaid, chid, nil)
	if err != nil {
		t.Fatalf("EncodeEndpointToken: %v", err)
	}

	pipeline := delivery.New(st, ring, nil, time.Second, zerolog.Nop())
	srv := &Server{Tokens: ring, Pipeline: pipeline, MaxDataBytes: 4096, Log: zerolog.Nop()}
	r := NewRouter(srv)

	pushReq := httptest.NewRequest(http.MethodPost, "/wpush/v2/"+token, strings.NewReader("ciphertext"))
	pushReq.Header.Set("TTL", "60")
	pushReq.Header.Set("Content-Encoding", "aes128gcm")
	pushW := httptest.NewRecorder()
	r.ServeHTTP(pushW, pushReq)
	if pushW.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", pushW.Code, pushW.Body.String())
	}
	messageID := strings.TrimPrefix(pushW.Header().Get("Location"), "/m/")

	delReq := httptest.NewRequest(http.MethodDelete, "/m/"+messageID, nil)
	delW := httptest.NewRecorder()
	r.ServeHTTP(delW, delReq)
	if delW.Code != http.StatusOK {
		t.Fatalf("expected 200 deleting a stored message, got %d: %s", delW.Code, delW.Body.String())
	}
}

func TestHandlePushRejectsInvalidToken(t *testing.T) {
	ring := testRing(t)
	pipeline := delivery.New(memstore.New(), ring, nil, time.Second, zerolog.Nop())
	srv := &Server{Tokens: ring, Pipeline: pipeline, MaxDataBytes: 4096, Log: zerolog.Nop()}
	r := NewRouter(srv)

	req := httptest.NewRequest(http.MethodPost, "/wpush/v2/not-a-real-token", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an undecryptable token, got %d", w.Code)
	}
}

func TestHandlePushRejectsOversizedBody(t *testing.T) {
	ring := testRing(t)
	st := memstore.New()
	uaid := [16]byte{9}
	chid := [16]byte{8}
	uaidHex := formatUUIDHex(uaid)
	if err := st.AddUser(context.Background(), store.User{UAID: uaidHex, RouterType: store.RouterWebPush}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	token, _ := ring.EncodeEndpointToken(uaid, chid, nil)

	pipeline := delivery.New(st, ring, nil, time.Second, zerolog.Nop())
	srv := &Server{Tokens: ring, Pipeline: pipeline, MaxDataBytes: 4, Log: zerolog.Nop()}
	r := NewRouter(srv)

	req := httptest.NewRequest(http.MethodPost, "/wpush/v2/"+token, strings.NewReader("way too much data for the limit"))
	req.Header.Set("Content-Encoding", "aes128gcm")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}
