// Package session implements the per-connection state machine (C4/C5/C6): a
// two-phase task — Unidentified waiting for Hello, then Identified driving
// the register/unregister/ack/nack/broadcast-subscribe protocol and the
// storage check pipeline — modelled as two concrete procedures with a value
// hand-off rather than a trait-object state graph, per the design note that
// the transition is one-way and not re-entrant.
package session

import (
	"context"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/mozilla-services/autopush-rs-sub001/internal/apperror"
	"github.com/mozilla-services/autopush-rs-sub001/internal/appstate"
	"github.com/mozilla-services/autopush-rs-sub001/internal/broadcast"
	"github.com/mozilla-services/autopush-rs-sub001/internal/protocol"
	"github.com/mozilla-services/autopush-rs-sub001/internal/registry"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store"
	"github.com/mozilla-services/autopush-rs-sub001/internal/wsconn"
)

// Flags is the plain field set the identified client carries, per the
// design note that this is a flat struct, not a substate enum.
type Flags struct {
	CheckStorage       bool
	IncrementStorage   bool
	ResetUAID          bool
	RotateMessageTable bool
}

// unackedEntry is one notification still awaiting a client Ack. SortKey is
// empty for direct (live, never-stored) notifications, since there is
// nothing to delete from the store on ack.
type unackedEntry struct {
	sortKey string
}

func ackKey(channelID, version string) string { return channelID + "|" + version }

const (
	opText  = ws.OpText
	opPong  = ws.OpPong
	opClose = ws.OpClose
)

// Client is one identified session: the connection-node half of a
// websocket-terminated user agent.
type Client struct {
	app  *appstate.AppState
	conn *wsconn.Conn
	ping *PingManager
	log  zerolog.Logger

	uaid        string
	uid         string
	userAgent   string
	connectedAt uint64
	flags       Flags

	userExists bool // false until the deferred new-user record has been written

	broadcastSnap broadcast.Snapshot

	unacked             map[string]unackedEntry
	unackedStoredHighest int64
	haveStoredHighest    bool

	lastClientPing time.Time

	rx <-chan registry.ServerNotification
}

// Identify runs the Unidentified phase (C4): it waits up to
// app.Config.OpenHandshakeTimeout for a valid Hello frame, performs the
// get-or-create-user lookup, registers the session, and returns the
// resulting Identified Client plus the reply messages it has already written
// to conn (Hello reply, and any storage-check notifications already
// available).
func Identify(ctx context.Context, app *appstate.AppState, conn *wsconn.Conn, userAgent string, log zerolog.Logger) (*Client, []protocol.ServerMessage, error) {
	deadline := time.NewTimer(app.Config.OpenHandshakeTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-deadline.C:
			return nil, nil, apperror.New(apperror.KindHandshakeTimeout, "no hello within open_handshake_timeout")
		case frame, ok := <-conn.Frames():
			if !ok {
				return nil, nil, apperror.New(apperror.KindInvalidMessage, "connection closed before hello")
			}
			if frame.Err != nil {
				return nil, nil, apperror.Wrap(apperror.KindInvalidMessage, "read failed before hello", frame.Err)
			}
			client, msgs, err := handleHandshakeFrame(ctx, app, conn, userAgent, log, frame)
			if err != nil || client != nil {
				return client, msgs, err
			}
			// frame was a non-terminal event (e.g. a pong before hello,
			// which we simply ignore) — keep waiting for Hello.
		}
	}
}

// Run is the Identified phase's main loop (C5/C6): a single cooperative
// select over inbound WS frames, registry notifications, and the ping
// timer. It returns the apperror.Error that ended the session (nil only if
// ctx was cancelled from outside, e.g. process shutdown).
func (c *Client) Run(ctx context.Context) error {
	defer c.ping.Stop()
	defer c.teardown(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil

		case frame, ok := <-c.conn.Frames():
			if !ok {
				return apperror.New(apperror.KindInvalidMessage, "connection closed")
			}
			if err := c.handleFrame(ctx, frame); err != nil {
				c.closeWith(err)
				return err
			}

		case sn, ok := <-c.rx:
			if !ok {
				return apperror.New(apperror.KindGhost, "registry channel closed")
			}
			if err := c.handleServerNotification(ctx, sn); err != nil {
				c.closeWith(err)
				return err
			}

		case <-c.ping.C():
			if err := c.handlePingTick(ctx); err != nil {
				c.closeWith(err)
				return err
			}
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, frame wsconn.Frame) error {
	if frame.Err != nil {
		if wsconn.IsClosedRead(frame.Err) {
			return apperror.Wrap(apperror.KindInvalidMessage, "peer closed", frame.Err)
		}
		return apperror.Wrap(apperror.KindInvalidMessage, "read error", frame.Err)
	}

	switch frame.Op {
	case opPong:
		c.ping.OnPong()
		return nil
	case opClose:
		return apperror.New(apperror.KindInvalidMessage, "client sent close")
	case opText:
		return c.handleClientMessage(ctx, frame.Data)
	default:
		return apperror.New(apperror.KindUnsupportedMessage, "non-text frame")
	}
}

func (c *Client) handleClientMessage(ctx context.Context, data []byte) error {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		return apperror.Wrap(apperror.KindJSON, "Json", err)
	}

	var out []protocol.ServerMessage
	switch msg.MessageType {
	case protocol.TypeRegister:
		out, err = c.handleRegister(ctx, msg)
	case protocol.TypeUnregister:
		out, err = c.handleUnregister(ctx, msg)
	case protocol.TypeBroadcastSubscribe:
		out, err = c.handleBroadcastSubscribe(msg)
	case protocol.TypeAck:
		out, err = c.handleAck(ctx, msg)
	case protocol.TypeNack:
		c.handleNack(msg)
	case protocol.TypePing:
		out, err = c.handleClientPing()
	case protocol.TypeHello:
		return apperror.New(apperror.KindInvalidMessage, "unexpected hello after identification")
	default:
		return apperror.New(apperror.KindInvalidMessage, "unknown messageType")
	}
	if err != nil {
		return err
	}
	return c.sendAll(out)
}

func (c *Client) handleServerNotification(ctx context.Context, sn registry.ServerNotification) error {
	switch sn.Kind {
	case registry.KindDisconnect:
		return apperror.New(apperror.KindGhost, "ghosted by a newer session")
	case registry.KindNotification:
		n, ok := sn.Notification.(store.Notification)
		if !ok {
			return nil
		}
		return c.deliverDirect(n)
	case registry.KindCheckStorage:
		c.flags.CheckStorage = true
		out, err := c.runStorageCheck(ctx)
		if err != nil {
			return err
		}
		return c.sendAll(out)
	}
	return nil
}

func (c *Client) handlePingTick(ctx context.Context) error {
	if err := c.ping.Fire(); err != nil {
		return err
	}
	if delta, ok := c.app.Broadcasts.Delta(c.broadcastSnap); ok {
		c.broadcastSnap = c.app.Broadcasts.AdvanceSnapshot(c.broadcastSnap, delta)
		c.ping.ArmAfterBroadcast()
		return c.sendOne(protocol.BroadcastReply(toBroadcastValues(delta)))
	}
	c.ping.ArmForPong()
	return c.conn.WritePing()
}

// deliverDirect forwards a live notification from the registry to the
// websocket, enforcing the msg_limit flow-control cap (§5).
func (c *Client) deliverDirect(n store.Notification) error {
	if len(c.unacked) >= c.app.Config.MsgLimit {
		c.flags.ResetUAID = true
		return apperror.New(apperror.KindUaidReset, "msg_limit exceeded by direct delivery alone")
	}
	key := ackKey(n.ChannelID, n.Version)
	c.unacked[key] = unackedEntry{}
	return c.sendOne(protocol.NotificationMessage(toServerNotification(n)))
}

func (c *Client) sendOne(m protocol.ServerMessage) error {
	return c.sendAll([]protocol.ServerMessage{m})
}

func (c *Client) sendAll(msgs []protocol.ServerMessage) error {
	for _, m := range msgs {
		data, err := m.Serialize()
		if err != nil {
			return apperror.Wrap(apperror.KindJSON, "serialize server message", err)
		}
		if err := c.conn.WriteText(data); err != nil {
			return apperror.Wrap(apperror.KindInvalidMessage, "write failed", err)
		}
	}
	return nil
}

// closeWith tears the WS connection down. The close frame wsconn.Close
// sends has an empty body, so the close code the error maps to is only
// logged, not sent to the peer. teardown() (deferred in Run) handles
// registry/store cleanup.
func (c *Client) closeWith(err error) {
	wc := apperror.CloseCodeFor(err)
	_ = c.conn.Close()
	c.log.Debug().Str("code", wc.Description).Err(err).Msg("session closed")
}

// teardown runs on every exit path from Run: deregister from C3, and clear
// node_id in the store but only if this session's (node_id, connected_at)
// CAS fencing still matches, per I2. If the session is exiting because the
// msg_limit cap was breached by direct pushes alone (flags.ResetUAID), the
// user record itself is dropped rather than merely clearing node_id: the
// subscriber's next connection starts from a clean slate instead of
// inheriting whatever unacked state drove it over the cap.
func (c *Client) teardown(ctx context.Context) {
	_ = c.app.Registry.Disconnect(c.uaid, c.uid)
	if !c.userExists {
		return
	}
	if c.flags.ResetUAID {
		if err := c.app.Store.RemoveUser(ctx, c.uaid); err != nil {
			c.log.Warn().Err(err).Str("uaid", c.uaid).Msg("failed to drop uaid on reset teardown")
		}
		return
	}
	if _, err := c.app.Store.RemoveNodeID(ctx, c.uaid, c.app.RouterURL, c.connectedAt); err != nil {
		c.log.Warn().Err(err).Str("uaid", c.uaid).Msg("failed to clear node_id on teardown")
	}
}

func toServerNotification(n store.Notification) protocol.ServerNotification {
	var headers *protocol.NotificationHeaders
	if n.Encoding != "" || n.Encryption != "" || n.EncryptionKey != "" || n.CryptoKey != "" {
		headers = &protocol.NotificationHeaders{
			Encoding:      n.Encoding,
			Encryption:    n.Encryption,
			EncryptionKey: n.EncryptionKey,
			CryptoKey:     n.CryptoKey,
		}
	}
	return protocol.ServerNotification{
		ChannelID: n.ChannelID,
		Version:   n.Version,
		Data:      n.Data,
		Headers:   headers,
	}
}

func toBroadcastValues(delta map[string]string) map[string]protocol.BroadcastValue {
	out := make(map[string]protocol.BroadcastValue, len(delta))
	for k, v := range delta {
		out[k] = protocol.Value(v)
	}
	return out
}
