package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mozilla-services/autopush-rs-sub001/internal/apperror"
	"github.com/mozilla-services/autopush-rs-sub001/internal/appstate"
	"github.com/mozilla-services/autopush-rs-sub001/internal/broadcast"
	"github.com/mozilla-services/autopush-rs-sub001/internal/protocol"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store"
	"github.com/mozilla-services/autopush-rs-sub001/internal/wsconn"
)

// handleHandshakeFrame inspects one inbound frame received while waiting
// for Hello. A Pong arriving before Hello is swallowed (the peer may have
// answered a TCP-level keepalive the proxy injected); anything else that
// isn't a valid Hello ends the handshake, per §4.4: "any other message,
// timeout, or parse error closes the session."
func handleHandshakeFrame(ctx context.Context, app *appstate.AppState, conn *wsconn.Conn, userAgent string, log zerolog.Logger, frame wsconn.Frame) (*Client, []protocol.ServerMessage, error) {
	if frame.Err != nil {
		return nil, nil, apperror.Wrap(apperror.KindInvalidMessage, "read failed before hello", frame.Err)
	}
	switch frame.Op {
	case opPong:
		return nil, nil, nil
	case opClose:
		return nil, nil, apperror.New(apperror.KindInvalidMessage, "client closed before hello")
	case opText:
		// fall through to Hello processing below
	default:
		return nil, nil, apperror.New(apperror.KindUnsupportedMessage, "non-text frame before hello")
	}

	msg, err := protocol.ParseClientMessage(frame.Data)
	if err != nil {
		return nil, nil, apperror.Wrap(apperror.KindJSON, "Json", err)
	}
	if msg.MessageType != protocol.TypeHello || msg.UseWebPush == nil || !*msg.UseWebPush {
		return nil, nil, apperror.New(apperror.KindInvalidMessage, `expected messageType="hello", "use_webpush": true`)
	}

	return onHello(ctx, app, conn, userAgent, log, msg)
}

func onHello(ctx context.Context, app *appstate.AppState, conn *wsconn.Conn, userAgent string, log zerolog.Logger, msg *protocol.ClientMessage) (*Client, []protocol.ServerMessage, error) {
	var requestedUAID *[16]byte
	if msg.UAID != nil && *msg.UAID != "" {
		b, err := parseUUIDBytes(*msg.UAID)
		if err != nil {
			return nil, nil, apperror.Wrap(apperror.KindInvalidMessage, "invalid uaid", err)
		}
		requestedUAID = &b
	}

	user, existing, err := getOrCreateUser(ctx, app, requestedUAID)
	if err != nil {
		return nil, nil, apperror.Wrap(apperror.KindDatabase, "get_or_create_user", err)
	}

	flags := Flags{}
	if existing {
		channels, err := app.Store.GetChannels(ctx, user.UAID)
		if err == nil && len(channels) > 0 {
			flags.CheckStorage = true
		}
	}

	uid := uuid.NewString()
	rx := app.Registry.Connect(user.UAID, uid)

	snap := broadcast.NewSnapshot()
	var delta map[string]string
	if len(msg.Broadcasts) > 0 {
		snap, delta = app.Broadcasts.Subscribe(snap, msg.Broadcasts)
	}

	c := &Client{
		app:        app,
		conn:       conn,
		ping:       NewPingManager(app.Config.AutoPingInterval, app.Config.AutoPingTimeout),
		log:        log.With().Str("uaid", user.UAID).Logger(),
		uaid:        user.UAID,
		uid:         uid,
		userAgent:   userAgent,
		connectedAt: user.ConnectedAt,
		flags:       flags,
		userExists:  existing,
		broadcastSnap: snap,
		unacked:    make(map[string]unackedEntry),
		rx:         rx,
	}

	msgs := []protocol.ServerMessage{protocol.HelloReply(user.UAID, toBroadcastValues(delta))}
	if flags.CheckStorage {
		more, err := c.runStorageCheck(ctx)
		if err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, more...)
	}
	if err := c.sendAll(msgs); err != nil {
		return nil, nil, err
	}
	return c, msgs, nil
}

// getOrCreateUser implements §4.4 step 2. A requested uaid that resolves to
// an existing record is refreshed with a new node_id/connected_at and
// written back; anything else (no uaid, or uaid with no record) synthesizes
// a fresh User whose creation is deferred to the first Register, per design
// note (c).
func getOrCreateUser(ctx context.Context, app *appstate.AppState, requested *[16]byte) (store.User, bool, error) {
	now := uint64(time.Now().UnixMilli())

	if requested != nil {
		uaidHex := formatUUIDHex(*requested)
		existing, err := app.Store.GetUser(ctx, uaidHex)
		if err != nil {
			return store.User{}, false, err
		}
		if existing != nil {
			existing.NodeID = app.RouterURL
			existing.ConnectedAt = now
			if err := app.Store.UpdateUser(ctx, *existing); err != nil {
				return store.User{}, false, err
			}
			return *existing, true, nil
		}
	}

	var uaidHex string
	if requested != nil {
		uaidHex = formatUUIDHex(*requested)
	} else {
		uaidHex = newSimpleUUID()
	}
	return store.User{
		UAID:        uaidHex,
		NodeID:      app.RouterURL,
		ConnectedAt: now,
		RouterType:  store.RouterWebPush,
	}, false, nil
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
