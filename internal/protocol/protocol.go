// Package protocol implements the client/server WebSocket message codec
// (C1): parsing and serializing the JSON frames exchanged with user agents,
// bit-exact with the legacy field names (channelID/channelIDs/pushEndpoint)
// and the untagged BroadcastValue encoding, grounded on
// original_source/autoconnect/autoconnect-common/src/protocol.go.
package protocol

import (
	"encoding/json"
	"fmt"
)

// BroadcastValue is either a plain version string or a nested map of further
// BroadcastValues. Serialization is untagged, matching the Rust
// #[serde(untagged)] enum.
type BroadcastValue struct {
	Value  string
	Nested map[string]BroadcastValue
}

func Value(v string) BroadcastValue { return BroadcastValue{Value: v} }

func (b BroadcastValue) MarshalJSON() ([]byte, error) {
	if b.Nested != nil {
		return json.Marshal(b.Nested)
	}
	return json.Marshal(b.Value)
}

func (b *BroadcastValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*b = BroadcastValue{Value: s}
		return nil
	}
	var m map[string]BroadcastValue
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*b = BroadcastValue{Nested: m}
	return nil
}

// ClientAck identifies one acknowledged notification.
type ClientAck struct {
	ChannelID string `json:"channelID"`
	Version   string `json:"version"`
}

// ClientMessage is the union of every message a user agent may send,
// discriminated by MessageType. Unused fields for a given type are left
// zero. Fields mirror the wire names the legacy protocol defines.
type ClientMessage struct {
	MessageType string `json:"messageType"`

	// Hello
	UAID        *string           `json:"uaid,omitempty"`
	ChannelIDs  []string          `json:"channelIDs,omitempty"`
	UseWebPush  *bool             `json:"use_webpush,omitempty"`
	Broadcasts  map[string]string `json:"broadcasts,omitempty"`

	// Register
	ChannelID string  `json:"channelID,omitempty"`
	Key       *string `json:"key,omitempty"`

	// Unregister
	Code *int `json:"code,omitempty"`

	// Ack
	Updates []ClientAck `json:"updates,omitempty"`

	// Nack
	Version string `json:"version,omitempty"`
}

const (
	TypeHello              = "hello"
	TypeRegister           = "register"
	TypeUnregister         = "unregister"
	TypeBroadcastSubscribe = "broadcast_subscribe"
	TypeAck                = "ack"
	TypeNack               = "nack"
	TypePing               = "ping"
)

// ParseClientMessage decodes one client WebSocket text frame. An empty JSON
// object ("{}") is accepted as Ping on the wire regardless of messageType,
// matching the legacy protocol's FromStr impl that tries the empty-map
// shortcut before falling back to the tagged decode.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var empty map[string]any
	if err := json.Unmarshal(data, &empty); err == nil && len(empty) == 0 {
		return &ClientMessage{MessageType: TypePing}, nil
	}

	var raw struct {
		MessageType string `json:"messageType"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}

	switch raw.MessageType {
	case TypeHello, TypeRegister, TypeUnregister, TypeBroadcastSubscribe, TypeAck, TypeNack, TypePing:
	default:
		return nil, fmt.Errorf("unknown messageType %q", raw.MessageType)
	}

	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return &m, nil
}

// NotificationHeaders carries the optional encryption headers a stored or
// live-delivered notification may include.
type NotificationHeaders struct {
	Encoding     string `json:"encoding,omitempty"`
	Encryption   string `json:"encryption,omitempty"`
	EncryptionKey string `json:"encryption_key,omitempty"`
	CryptoKey    string `json:"crypto_key,omitempty"`
}

// ServerNotification is the wire shape of a "notification" server message.
type ServerNotification struct {
	MessageType string                `json:"messageType"`
	ChannelID   string                `json:"channelID"`
	Version     string                `json:"version"`
	TTL         *int                  `json:"ttl,omitempty"`
	Topic       string                `json:"topic,omitempty"`
	Data        string                `json:"data,omitempty"`
	Headers     *NotificationHeaders  `json:"headers,omitempty"`
}

// ServerMessage is the union of every message the connection node may send
// to a user agent. BuildX helpers below produce the correctly-shaped value;
// callers should not populate fields across union arms.
type ServerMessage struct {
	MessageType  string                        `json:"messageType"`
	UAID         string                        `json:"uaid,omitempty"`
	Status       *int                          `json:"status,omitempty"`
	UseWebPush   *bool                         `json:"use_webpush,omitempty"`
	Broadcasts   map[string]BroadcastValue     `json:"broadcasts,omitempty"`
	ChannelID    string                        `json:"channelID,omitempty"`
	PushEndpoint string                        `json:"pushEndpoint,omitempty"`
	Version      string                        `json:"version,omitempty"`
	Data         string                        `json:"data,omitempty"`
	Headers      *NotificationHeaders          `json:"headers,omitempty"`
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

// HelloReply builds the {"messageType":"hello", ...} reply sent after a
// successful handshake. broadcasts may be empty but must never be nil, so
// it always serializes as {} rather than being omitted.
func HelloReply(uaid string, broadcasts map[string]BroadcastValue) ServerMessage {
	if broadcasts == nil {
		broadcasts = map[string]BroadcastValue{}
	}
	return ServerMessage{
		MessageType: TypeHello,
		UAID:        uaid,
		Status:      intPtr(200),
		UseWebPush:  boolPtr(true),
		Broadcasts:  broadcasts,
	}
}

// RegisterReply builds a successful register response.
func RegisterReply(channelID, pushEndpoint string) ServerMessage {
	return ServerMessage{
		MessageType:  TypeRegister,
		ChannelID:    channelID,
		Status:       intPtr(200),
		PushEndpoint: pushEndpoint,
	}
}

// RegisterFailure builds a failed register response (401 or 500).
func RegisterFailure(channelID string, status int) ServerMessage {
	return ServerMessage{MessageType: TypeRegister, ChannelID: channelID, Status: intPtr(status)}
}

// UnregisterReply builds an unregister response.
func UnregisterReply(channelID string, status int) ServerMessage {
	return ServerMessage{MessageType: TypeUnregister, ChannelID: channelID, Status: intPtr(status)}
}

// BroadcastReply builds a server-pushed broadcast delta message.
func BroadcastReply(delta map[string]BroadcastValue) ServerMessage {
	return ServerMessage{MessageType: "broadcast", Broadcasts: delta}
}

// NotificationMessage builds a "notification" message for live or
// replayed-from-storage delivery.
func NotificationMessage(n ServerNotification) ServerMessage {
	n.MessageType = "notification"
	return ServerMessage{
		MessageType: "notification",
		ChannelID:   n.ChannelID,
		Version:     n.Version,
		Data:        n.Data,
		Headers:     n.Headers,
	}
}

// Serialize renders m to its wire form. A Ping server message is always the
// literal empty object, matching both sides' convention of using "{}" for
// keepalive rather than {"messageType":"ping"}. A hello reply always carries
// its broadcasts key, serialized as {} when there is nothing to report.
func (m ServerMessage) Serialize() ([]byte, error) {
	if m.MessageType == TypePing {
		return []byte("{}"), nil
	}
	if m.MessageType == TypeHello {
		broadcasts := m.Broadcasts
		if broadcasts == nil {
			broadcasts = map[string]BroadcastValue{}
		}
		return json.Marshal(struct {
			MessageType string                    `json:"messageType"`
			UAID        string                    `json:"uaid"`
			Status      *int                      `json:"status"`
			UseWebPush  *bool                     `json:"use_webpush"`
			Broadcasts  map[string]BroadcastValue `json:"broadcasts"`
		}{m.MessageType, m.UAID, m.Status, m.UseWebPush, broadcasts})
	}
	return json.Marshal(m)
}

// PingServerMessage is the canonical empty-object ping reply.
var PingServerMessage = ServerMessage{MessageType: TypePing}
