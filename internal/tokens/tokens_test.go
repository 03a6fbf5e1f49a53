package tokens

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

func mustRing(t *testing.T, seed byte) *KeyRing {
	t.Helper()
	var k Key
	for i := range k {
		k[i] = seed + byte(i)
	}
	r, err := NewKeyRing(k)
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	return r
}

func TestSealOpenRoundTrip(t *testing.T) {
	r := mustRing(t, 1)
	plain := []byte("sixteen-byte-id!sixteen-byte-id!")

	token, err := r.Seal(plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := r.Open(token)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plain)
	}
}

func TestOpenRejectsTamperedToken(t *testing.T) {
	r := mustRing(t, 1)
	token, _ := r.Seal([]byte("hello world, sixteen bytes!!"))

	tampered := []byte(token)
	tampered[len(tampered)/2] ^= 0x01
	if _, err := r.Open(string(tampered)); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt for tampered token, got %v", err)
	}
}

func TestKeyRingRotation(t *testing.T) {
	oldRing := mustRing(t, 1)
	token, err := oldRing.Seal([]byte("payload-from-old-key"))
	if err != nil {
		t.Fatalf("seal with old key: %v", err)
	}

	newKey := Key{}
	for i := range newKey {
		newKey[i] = 9 + byte(i)
	}
	combined, err := NewKeyRing(newKey, oldRing.keys[0])
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}

	got, err := combined.Open(token)
	if err != nil {
		t.Fatalf("expected a token minted under a retired key to still decrypt: %v", err)
	}
	if string(got) != "payload-from-old-key" {
		t.Fatalf("unexpected plaintext: %q", got)
	}
}

func TestEndpointTokenRoundTrip(t *testing.T) {
	r := mustRing(t, 2)
	var uaid, channelID [16]byte
	for i := range uaid {
		uaid[i] = byte(i)
		channelID[i] = byte(32 - i)
	}

	token, err := r.EncodeEndpointToken(uaid, channelID, nil)
	if err != nil {
		t.Fatalf("EncodeEndpointToken: %v", err)
	}
	gotUAID, gotChannel, keyHash, err := r.DecodeEndpointToken(token)
	if err != nil {
		t.Fatalf("DecodeEndpointToken: %v", err)
	}
	if gotUAID != uaid || gotChannel != channelID {
		t.Fatalf("round trip mismatch")
	}
	if keyHash != nil {
		t.Fatalf("expected nil keyHash for a v1 token, got %x", keyHash)
	}
}

func TestEndpointTokenWithKeyRoundTrip(t *testing.T) {
	r := mustRing(t, 2)
	var uaid, channelID [16]byte
	for i := range uaid {
		uaid[i] = byte(i)
		channelID[i] = byte(32 - i)
	}
	key := []byte("a raw VAPID public key, uncompressed point")

	token, err := r.EncodeEndpointToken(uaid, channelID, key)
	if err != nil {
		t.Fatalf("EncodeEndpointToken: %v", err)
	}
	gotUAID, gotChannel, keyHash, err := r.DecodeEndpointToken(token)
	if err != nil {
		t.Fatalf("DecodeEndpointToken: %v", err)
	}
	if gotUAID != uaid || gotChannel != channelID {
		t.Fatalf("round trip mismatch")
	}
	want := sha256.Sum256(key)
	if !bytes.Equal(keyHash, want[:]) {
		t.Fatalf("keyHash mismatch: got %x want %x", keyHash, want)
	}
}

func TestMessageIDTokenRoundTrip(t *testing.T) {
	r := mustRing(t, 3)
	var uaid, channelID [16]byte
	for i := range uaid {
		uaid[i] = byte(i + 1)
		channelID[i] = byte(64 - i)
	}
	const sortKeyTimestamp = int64(1234567890123)

	token, err := r.EncodeMessageIDToken(uaid, channelID, sortKeyTimestamp)
	if err != nil {
		t.Fatalf("EncodeMessageIDToken: %v", err)
	}
	gotUAID, gotChannel, gotTS, gotTopic, err := r.DecodeMessageIDToken(token)
	if err != nil {
		t.Fatalf("DecodeMessageIDToken: %v", err)
	}
	if gotUAID != uaid || gotChannel != channelID || gotTS != sortKeyTimestamp {
		t.Fatalf("round trip mismatch: uaid=%v channel=%v ts=%d", gotUAID, gotChannel, gotTS)
	}
	if gotTopic != "" {
		t.Fatalf("expected empty topic for a timestamp-variant token, got %q", gotTopic)
	}
}

func TestTopicMessageIDTokenRoundTrip(t *testing.T) {
	r := mustRing(t, 4)
	var uaid, channelID [16]byte
	for i := range uaid {
		uaid[i] = byte(i + 2)
		channelID[i] = byte(90 - i)
	}
	const topic = "news"

	token, err := r.EncodeTopicMessageIDToken(uaid, channelID, topic)
	if err != nil {
		t.Fatalf("EncodeTopicMessageIDToken: %v", err)
	}
	gotUAID, gotChannel, gotTS, gotTopic, err := r.DecodeMessageIDToken(token)
	if err != nil {
		t.Fatalf("DecodeMessageIDToken: %v", err)
	}
	if gotUAID != uaid || gotChannel != channelID || gotTopic != topic {
		t.Fatalf("round trip mismatch: uaid=%v channel=%v topic=%q", gotUAID, gotChannel, gotTopic)
	}
	if gotTS != 0 {
		t.Fatalf("expected zero sortKeyTimestamp for a topic-variant token, got %d", gotTS)
	}
}

func TestParseKeyAcceptsRawKey(t *testing.T) {
	raw := "0123456789abcdef0123456789abcdef"
	if _, err := ParseKey(raw[:32]); err != nil {
		t.Fatalf("expected 32-byte raw key to parse: %v", err)
	}
}
