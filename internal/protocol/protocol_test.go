package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientMessage_EmptyObjectIsPing(t *testing.T) {
	m, err := ParseClientMessage([]byte("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.MessageType != TypePing {
		t.Fatalf("expected ping, got %q", m.MessageType)
	}
}

func TestParseClientMessage_Hello(t *testing.T) {
	raw := `{"messageType":"hello","uaid":null,"channelIDs":["a","b"],"use_webpush":true}`
	m, err := ParseClientMessage([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.MessageType != TypeHello {
		t.Fatalf("expected hello, got %q", m.MessageType)
	}
	if m.UAID != nil {
		t.Fatalf("expected nil uaid")
	}
	if len(m.ChannelIDs) != 2 {
		t.Fatalf("expected 2 channel ids, got %d", len(m.ChannelIDs))
	}
	if m.UseWebPush == nil || !*m.UseWebPush {
		t.Fatalf("expected use_webpush true")
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"messageType":"bogus"}`))
	if err == nil {
		t.Fatalf("expected error for unknown messageType")
	}
}

func TestParseClientMessage_MalformedJSON(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"messageType":`))
	if err == nil {
		t.Fatalf("expected error for malformed json")
	}
}

func TestHelloReply_BroadcastsNeverNil(t *testing.T) {
	msg := HelloReply("abc123", nil)
	b, err := msg.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["broadcasts"]; !ok {
		t.Fatalf("expected broadcasts key present")
	}
	if len(decoded) != 5 {
		t.Fatalf("expected exactly 5 top-level keys (S1), got %d: %v", len(decoded), decoded)
	}
}

func TestBroadcastValue_UntaggedRoundTrip(t *testing.T) {
	nested := BroadcastValue{Nested: map[string]BroadcastValue{"bar": Value("v2")}}
	b, err := json.Marshal(nested)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded BroadcastValue
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Nested["bar"].Value != "v2" {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestServerMessage_PingIsLiteralEmptyObject(t *testing.T) {
	b, err := PingServerMessage.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if string(b) != "{}" {
		t.Fatalf("expected literal {}, got %s", b)
	}
}
