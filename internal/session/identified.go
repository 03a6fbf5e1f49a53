package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/mozilla-services/autopush-rs-sub001/internal/apperror"
	"github.com/mozilla-services/autopush-rs-sub001/internal/metrics"
	"github.com/mozilla-services/autopush-rs-sub001/internal/protocol"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store"
)

// ensureUser writes the deferred new-user record on first Register, per
// design note (c): the first Register to arrive serializes the add_user
// call; since a session's own select loop is single-threaded, there is no
// concurrent-Register race to additionally guard against.
func (c *Client) ensureUser(ctx context.Context) error {
	if c.userExists {
		return nil
	}
	if err := c.app.Store.AddUser(ctx, store.User{
		UAID:        c.uaid,
		NodeID:      c.app.RouterURL,
		ConnectedAt: c.connectedAt,
		RouterType:  store.RouterWebPush,
	}); err != nil {
		return err
	}
	c.userExists = true
	return nil
}

func (c *Client) handleRegister(ctx context.Context, msg *protocol.ClientMessage) ([]protocol.ServerMessage, error) {
	metrics.ClientCommands.WithLabelValues(protocol.TypeRegister).Inc()

	if err := c.ensureUser(ctx); err != nil {
		return []protocol.ServerMessage{protocol.RegisterFailure(msg.ChannelID, 500)}, nil
	}
	if err := c.app.Store.AddChannel(ctx, c.uaid, msg.ChannelID); err != nil {
		return []protocol.ServerMessage{protocol.RegisterFailure(msg.ChannelID, 500)}, nil
	}

	uaidBytes, err := parseUUIDBytes(c.uaid)
	if err != nil {
		return []protocol.ServerMessage{protocol.RegisterFailure(msg.ChannelID, 500)}, nil
	}
	chidBytes, err := parseUUIDBytes(msg.ChannelID)
	if err != nil {
		return []protocol.ServerMessage{protocol.RegisterFailure(msg.ChannelID, 401)}, nil
	}

	var key []byte
	if msg.Key != nil {
		key, err = decodeRegisterKey(*msg.Key)
		if err != nil {
			return []protocol.ServerMessage{protocol.RegisterFailure(msg.ChannelID, 401)}, nil
		}
	}
	token, err := c.app.Tokens.EncodeEndpointToken(uaidBytes, chidBytes, key)
	if err != nil {
		return []protocol.ServerMessage{protocol.RegisterFailure(msg.ChannelID, 500)}, nil
	}

	version := "v1"
	if len(key) > 0 {
		version = "v2"
	}
	endpoint := fmt.Sprintf("%s://%s:%d/wpush/%s/%s",
		c.app.Config.EndpointScheme, c.app.Config.EndpointHost, c.app.Config.EndpointPort, version, token)
	return []protocol.ServerMessage{protocol.RegisterReply(msg.ChannelID, endpoint)}, nil
}

// decodeRegisterKey decodes the optional VAPID public key a Register
// message carries (§4.5), matching the raw key bytes
// endpoint.rs's make_endpoint hashes into a v2 endpoint token.
func decodeRegisterKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(raw)
}

func (c *Client) handleUnregister(ctx context.Context, msg *protocol.ClientMessage) ([]protocol.ServerMessage, error) {
	metrics.ClientCommands.WithLabelValues(protocol.TypeUnregister).Inc()

	status := 200
	if _, err := c.app.Store.RemoveChannel(ctx, c.uaid, msg.ChannelID); err != nil {
		status = 500
	}
	return []protocol.ServerMessage{protocol.UnregisterReply(msg.ChannelID, status)}, nil
}

func (c *Client) handleBroadcastSubscribe(msg *protocol.ClientMessage) ([]protocol.ServerMessage, error) {
	metrics.ClientCommands.WithLabelValues(protocol.TypeBroadcastSubscribe).Inc()

	next, delta := c.app.Broadcasts.Subscribe(c.broadcastSnap, msg.Broadcasts)
	c.broadcastSnap = next
	if len(delta) == 0 {
		return nil, nil
	}
	metrics.BroadcastDeltaSize.Observe(float64(len(delta)))
	return []protocol.ServerMessage{protocol.BroadcastReply(toBroadcastValues(delta))}, nil
}

// handleAck implements §4.5's Ack handler: delete the matching stored
// notification (if any) and drop it from the unacked set; once every
// stored entry has drained, either restart the storage check protocol
// (§4.5's "another storage fetch round") or flush the pending read cursor.
func (c *Client) handleAck(ctx context.Context, msg *protocol.ClientMessage) ([]protocol.ServerMessage, error) {
	metrics.ClientCommands.WithLabelValues(protocol.TypeAck).Inc()

	for _, u := range msg.Updates {
		key := ackKey(u.ChannelID, u.Version)
		entry, ok := c.unacked[key]
		if !ok {
			continue
		}
		if entry.sortKey != "" {
			if err := c.app.Store.RemoveMessage(ctx, c.uaid, entry.sortKey); err != nil {
				return nil, apperror.Wrap(apperror.KindDatabase, "remove_message", err)
			}
			metrics.NotificationsAcked.Inc()
		}
		delete(c.unacked, key)
	}

	if c.hasStoredUnacked() {
		return nil, nil
	}

	if c.flags.CheckStorage {
		return c.runStorageCheck(ctx)
	}
	if c.flags.IncrementStorage && c.haveStoredHighest {
		if err := c.app.Store.IncrementStorage(ctx, c.uaid, c.unackedStoredHighest); err != nil {
			return nil, apperror.Wrap(apperror.KindDatabase, "increment_storage", err)
		}
		c.flags.IncrementStorage = false
		c.haveStoredHighest = false
	}
	return nil, nil
}

func (c *Client) handleNack(msg *protocol.ClientMessage) {
	metrics.ClientCommands.WithLabelValues(protocol.TypeNack).Inc()
	metrics.NacksReceived.Inc()
}

// handleClientPing implements §4.5's excessive-ping guard.
func (c *Client) handleClientPing() ([]protocol.ServerMessage, error) {
	metrics.ClientCommands.WithLabelValues(protocol.TypePing).Inc()

	now := time.Now()
	if !c.lastClientPing.IsZero() && now.Sub(c.lastClientPing) < c.app.Config.AutoPingInterval {
		return nil, apperror.New(apperror.KindExcessivePing, "client pinged faster than auto_ping_interval")
	}
	c.lastClientPing = now
	return []protocol.ServerMessage{protocol.PingServerMessage}, nil
}

func (c *Client) hasStoredUnacked() bool {
	for _, e := range c.unacked {
		if e.sortKey != "" {
			return true
		}
	}
	return false
}

// runStorageCheck implements the two-phase storage check protocol (§4.5):
// topic messages first, then timestamp-ordered messages only once the
// topic batch came back empty, gated throughout by the msg_limit flow
// control cap.
func (c *Client) runStorageCheck(ctx context.Context) ([]protocol.ServerMessage, error) {
	available := c.app.Config.MsgLimit - len(c.unacked)
	if available <= 0 {
		return nil, nil // paused: drain existing unacked notifications first
	}

	topic, err := c.app.Store.FetchTopicMessages(ctx, c.uaid, available)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindDatabase, "fetch_topic_messages", err)
	}

	var out []protocol.ServerMessage
	for _, n := range topic.Messages {
		c.unacked[ackKey(n.ChannelID, n.Version)] = unackedEntry{sortKey: n.SortKey()}
		out = append(out, protocol.NotificationMessage(toServerNotification(n)))
	}
	if len(topic.Messages) > 0 {
		metrics.NotificationsDelivered.WithLabelValues("stored").Add(float64(len(topic.Messages)))
		// Topic batch non-empty: wait for it to drain before phase two.
		return out, nil
	}

	available = c.app.Config.MsgLimit - len(c.unacked)
	if available <= 0 {
		return out, nil
	}
	var since int64
	if c.haveStoredHighest {
		since = c.unackedStoredHighest
	}
	ts, err := c.app.Store.FetchTimestampMessages(ctx, c.uaid, since, available)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindDatabase, "fetch_timestamp_messages", err)
	}
	for _, n := range ts.Messages {
		c.unacked[ackKey(n.ChannelID, n.Version)] = unackedEntry{sortKey: n.SortKey()}
		out = append(out, protocol.NotificationMessage(toServerNotification(n)))
	}
	if len(ts.Messages) > 0 {
		metrics.NotificationsDelivered.WithLabelValues("stored").Add(float64(len(ts.Messages)))
	}
	if ts.Timestamp > 0 {
		c.unackedStoredHighest = ts.Timestamp
		c.haveStoredHighest = true
		c.flags.IncrementStorage = true
	}
	c.flags.CheckStorage = false
	return out, nil
}
