package session

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/mozilla-services/autopush-rs-sub001/internal/appstate"
	"github.com/mozilla-services/autopush-rs-sub001/internal/broadcast"
	"github.com/mozilla-services/autopush-rs-sub001/internal/config"
	"github.com/mozilla-services/autopush-rs-sub001/internal/registry"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store/memstore"
	"github.com/mozilla-services/autopush-rs-sub001/internal/tokens"
	"github.com/mozilla-services/autopush-rs-sub001/internal/wsconn"
)

func testAppState(t *testing.T) *appstate.AppState {
	t.Helper()
	var key tokens.Key
	for i := range key {
		key[i] = byte(i)
	}
	ring, err := tokens.NewKeyRing(key)
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	noop := zerolog.Nop()
	return &appstate.AppState{
		Config: &config.Connection{
			OpenHandshakeTimeout: time.Second,
			AutoPingInterval:     10 * time.Second,
			AutoPingTimeout:      5 * time.Second,
			MsgLimit:             100,
			EndpointScheme:       "https",
			EndpointHost:         "push.example.com",
			EndpointPort:         443,
		},
		Store:      memstore.New(),
		Registry:   registry.New(),
		Broadcasts: broadcast.New(),
		Tokens:     ring,
		Logger:     &noop,
		RouterURL:  "http://node-a.local:8081",
	}
}

// pipePair returns a server-side *wsconn.Conn backed by one end of a
// net.Pipe, and the raw client-side net.Conn the test drives directly with
// wsutil client-role helpers (no actual HTTP upgrade handshake is needed to
// exercise the frame-level protocol).
func pipePair() (*wsconn.Conn, net.Conn) {
	serverRaw, clientRaw := net.Pipe()
	return wsconn.Upgrade(serverRaw, 0, 0), clientRaw
}

func sendClientJSON(t *testing.T, clientRaw net.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := wsutil.WriteClientMessage(clientRaw, ws.OpText, data); err != nil {
		t.Fatalf("write client message: %v", err)
	}
}

func readServerJSON(t *testing.T, clientRaw net.Conn, v any) {
	t.Helper()
	data, _, err := wsutil.ReadServerData(clientRaw)
	if err != nil {
		t.Fatalf("read server data: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
}

func TestHelloNewUserReply(t *testing.T) {
	app := testAppState(t)
	conn, clientRaw := pipePair()
	defer clientRaw.Close()

	done := make(chan struct{})
	var gotClient *Client
	var gotErr error
	go func() {
		defer close(done)
		gotClient, _, gotErr = Identify(context.Background(), app, conn, "test-agent/1.0", *app.Logger)
	}()

	sendClientJSON(t, clientRaw, map[string]any{"messageType": "hello", "use_webpush": true})

	var reply map[string]any
	readServerJSON(t, clientRaw, &reply)
	<-done

	if gotErr != nil {
		t.Fatalf("Identify: %v", gotErr)
	}
	if reply["messageType"] != "hello" {
		t.Fatalf("expected hello reply, got %v", reply)
	}
	if reply["status"] != float64(200) {
		t.Fatalf("expected status 200, got %v", reply["status"])
	}
	uaid, _ := reply["uaid"].(string)
	if len(uaid) != 32 {
		t.Fatalf("expected a 32-hex-char uaid, got %q", uaid)
	}
	if gotClient == nil || gotClient.uaid != uaid {
		t.Fatalf("returned client uaid mismatch")
	}
}

func TestRegisterProducesDecodableEndpoint(t *testing.T) {
	app := testAppState(t)
	conn, clientRaw := pipePair()
	defer clientRaw.Close()

	clientDone := make(chan *Client)
	go func() {
		c, _, err := Identify(context.Background(), app, conn, "ua", *app.Logger)
		if err != nil {
			t.Errorf("Identify: %v", err)
		}
		clientDone <- c
	}()
	sendClientJSON(t, clientRaw, map[string]any{"messageType": "hello", "use_webpush": true})
	var helloReply map[string]any
	readServerJSON(t, clientRaw, &helloReply)
	c := <-clientDone

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(context.Background()) }()

	channelID := "11111111111111111111111111111111"
	sendClientJSON(t, clientRaw, map[string]any{"messageType": "register", "channelID": channelID})

	var regReply map[string]any
	readServerJSON(t, clientRaw, &regReply)
	if regReply["status"] != float64(200) {
		t.Fatalf("expected register status 200, got %+v", regReply)
	}
	endpoint, _ := regReply["pushEndpoint"].(string)
	if endpoint == "" {
		t.Fatalf("expected non-empty pushEndpoint")
	}
	token := endpoint[strings.LastIndex(endpoint, "/")+1:]
	_, gotChannel, _, err := app.Tokens.DecodeEndpointToken(token)
	if err != nil {
		t.Fatalf("DecodeEndpointToken(%q): %v", token, err)
	}
	if formatUUIDHex(gotChannel) != channelID {
		t.Fatalf("endpoint token carries channel %x, want %s", gotChannel, channelID)
	}

	clientRaw.Close()
	<-runDone
}

func TestDirectNotificationDelivery(t *testing.T) {
	app := testAppState(t)
	conn, clientRaw := pipePair()
	defer clientRaw.Close()

	clientDone := make(chan *Client)
	go func() {
		c, _, err := Identify(context.Background(), app, conn, "ua", *app.Logger)
		if err != nil {
			t.Errorf("Identify: %v", err)
		}
		clientDone <- c
	}()
	sendClientJSON(t, clientRaw, map[string]any{"messageType": "hello", "use_webpush": true})
	var helloReply map[string]any
	readServerJSON(t, clientRaw, &helloReply)
	c := <-clientDone

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(context.Background()) }()

	if err := app.Registry.Notify(c.uaid, store.Notification{ChannelID: "chan-1", Version: "v1", Data: "Zm9v"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	var notif map[string]any
	readServerJSON(t, clientRaw, &notif)
	if notif["messageType"] != "notification" || notif["channelID"] != "chan-1" {
		t.Fatalf("unexpected notification: %+v", notif)
	}

	clientRaw.Close()
	<-runDone
}
