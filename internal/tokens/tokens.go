// Package tokens implements the Fernet-style authenticated encryption used
// to mint and open endpoint and message-id tokens (§9's design notes):
// opaque, URL-safe blobs that carry a UAID/channel pair (and an optional
// message sort key) without exposing it to the subscriber's push service.
//
// The primitive is golang.org/x/crypto/nacl/secretbox rather than an actual
// Fernet implementation, following this module's library-reuse discipline:
// secretbox gives the same authenticated-encryption guarantee Fernet does
// (confidentiality plus tamper detection) using a dependency the rest of
// this module's pack already pulls in.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const keySize = 32

// Key is one 32-byte secretbox key.
type Key [keySize]byte

// ErrDecrypt is returned when a token fails to decrypt under every key in
// the ring, whether from truncation, tampering, or an unknown key epoch.
var ErrDecrypt = errors.New("tokens: decryption failed")

// KeyRing holds an ordered list of keys: the first encrypts; every key is
// tried in order to decrypt, so a key can be retired by moving it to the
// end and eventually dropping it once no live tokens reference it.
type KeyRing struct {
	keys []Key
}

// NewKeyRing builds a ring from raw 32-byte keys, most-current first.
func NewKeyRing(keys ...Key) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, errors.New("tokens: key ring must have at least one key")
	}
	return &KeyRing{keys: keys}, nil
}

// ParseKey decodes a base64url (no padding) or raw 32-byte key, matching the
// AUTOCONNECT__CRYPTO_KEY / AUTOEND_CRYPTO_KEY encoding in the ambient
// configuration layer.
func ParseKey(s string) (Key, error) {
	var k Key
	if len(s) == keySize {
		copy(k[:], s)
		return k, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("tokens: decode key: %w", err)
	}
	if len(raw) != keySize {
		return k, fmt.Errorf("tokens: key must decode to %d bytes, got %d", keySize, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// Seal encrypts plaintext under the ring's primary key and returns a
// URL-safe, unpadded base64 token. plaintext is typically an endpoint layout
// (32 or 64 bytes) or a message-id layout (a version byte, UAID and
// channel_id, then an 8-byte sortkey_timestamp or the topic); Seal itself
// places no length restriction on its caller, leaving the shape check to
// the decoders that call Open.
func (r *KeyRing) Seal(plaintext []byte) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("tokens: read nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, (*[keySize]byte)(&r.keys[0]))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a token minted by Seal, trying every key in the ring in
// order, most-current first (order only matters for which key wins on an
// accidental multi-key match, which cannot happen with authenticated
// encryption).
func (r *KeyRing) Open(token string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(raw) < 24 {
		return nil, ErrDecrypt
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	box := raw[24:]

	for i := range r.keys {
		key := (*[keySize]byte)(&r.keys[i])
		if out, ok := secretbox.Open(nil, box, &nonce, key); ok {
			return out, nil
		}
	}
	return nil, ErrDecrypt
}

// EndpointTokenSize and friends are the plaintext layouts this module
// mints, mirroring original_source/autopush-common/src/endpoint.rs's v1/v2
// endpoint shapes and message_id.rs's topic/timestamp message-id variants.
// An endpoint is UAID (16 bytes) + channel_id (16 bytes), optionally
// followed by a 32-byte sha256 of the subscriber's VAPID public key (v2). A
// message id is a version byte, then UAID + channel_id, then either an
// 8-byte big-endian sortkey_timestamp or the topic bytes.
const (
	EndpointTokenSize        = 32 // uaid(16) + channel_id(16), v1
	EndpointTokenSizeWithKey = 64 // + sha256(key)(32), v2

	messageIDVersionTopic     byte = 0x01 // uaid+channel_id+topic
	messageIDVersionTimestamp byte = 0x02 // uaid+channel_id+sortkey_timestamp
)

// ErrBadTokenLength is returned by Open's callers (endpoint/message-id
// decoders) when decryption succeeds but the plaintext shape is wrong —
// this cannot happen from tampering, since secretbox already authenticates
// the ciphertext, but can happen from a token minted by an incompatible
// version.
var ErrBadTokenLength = errors.New("tokens: unexpected plaintext length")

// EncodeEndpointToken packs a UAID and channel_id (each must be exactly 16
// raw bytes, i.e. a UUID) into an opaque sealed token. When key is
// non-empty (the subscriber's raw VAPID public key bytes, supplied at
// Register/registration time) its sha256 is appended, producing the v2
// shape endpoint.rs's make_endpoint mints for restricted subscriptions; an
// empty key produces the plain v1 shape.
func (r *KeyRing) EncodeEndpointToken(uaid, channelID [16]byte, key []byte) (string, error) {
	size := EndpointTokenSize
	if len(key) > 0 {
		size = EndpointTokenSizeWithKey
	}
	plain := make([]byte, 0, size)
	plain = append(plain, uaid[:]...)
	plain = append(plain, channelID[:]...)
	if len(key) > 0 {
		sum := sha256.Sum256(key)
		plain = append(plain, sum[:]...)
	}
	return r.Seal(plain)
}

// DecodeEndpointToken reverses EncodeEndpointToken. keyHash is nil for a v1
// token and the 32-byte sha256 of the registered VAPID public key for a v2
// token; verifying it against a caller-supplied key at push time is VAPID
// validation, an explicit non-goal of this system (see SPEC_FULL.md), so
// callers that don't need it are free to discard it.
func (r *KeyRing) DecodeEndpointToken(token string) (uaid, channelID [16]byte, keyHash []byte, err error) {
	plain, err := r.Open(token)
	if err != nil {
		return uaid, channelID, nil, err
	}
	switch len(plain) {
	case EndpointTokenSize:
	case EndpointTokenSizeWithKey:
		keyHash = append([]byte(nil), plain[32:64]...)
	default:
		return uaid, channelID, nil, ErrBadTokenLength
	}
	copy(uaid[:], plain[:16])
	copy(channelID[:], plain[16:32])
	return uaid, channelID, keyHash, nil
}

// EncodeMessageIDToken mints the opaque `message_id` a 201 response reports
// in its Location header (§4.7 step 2b) for a timestamp-ordered (non-topic)
// notification, binding it to the uaid/channel it belongs to plus the
// sortkey_timestamp the store used so a later explicit-delete-by-message-id
// call (a supplemented registration feature) can recover the exact sort key
// without a lookup.
func (r *KeyRing) EncodeMessageIDToken(uaid, channelID [16]byte, sortKeyTimestamp int64) (string, error) {
	plain := make([]byte, 0, 1+32+8)
	plain = append(plain, messageIDVersionTimestamp)
	plain = append(plain, uaid[:]...)
	plain = append(plain, channelID[:]...)
	plain = binary.BigEndian.AppendUint64(plain, uint64(sortKeyTimestamp))
	return r.Seal(plain)
}

// EncodeTopicMessageIDToken mints the message-id counterpart for a topic
// notification, mirroring message_id.rs's MessageId::WithTopic variant.
func (r *KeyRing) EncodeTopicMessageIDToken(uaid, channelID [16]byte, topic string) (string, error) {
	plain := make([]byte, 0, 1+32+len(topic))
	plain = append(plain, messageIDVersionTopic)
	plain = append(plain, uaid[:]...)
	plain = append(plain, channelID[:]...)
	plain = append(plain, topic...)
	return r.Seal(plain)
}

// DecodeMessageIDToken reverses whichever of EncodeMessageIDToken or
// EncodeTopicMessageIDToken minted token. Exactly one of sortKeyTimestamp
// (timestamp variant) or topic (topic variant) is populated; callers can
// tell them apart by checking whether topic == "".
func (r *KeyRing) DecodeMessageIDToken(token string) (uaid, channelID [16]byte, sortKeyTimestamp int64, topic string, err error) {
	plain, err := r.Open(token)
	if err != nil {
		return uaid, channelID, 0, "", err
	}
	if len(plain) < 1+32 {
		return uaid, channelID, 0, "", ErrBadTokenLength
	}
	version := plain[0]
	copy(uaid[:], plain[1:17])
	copy(channelID[:], plain[17:33])
	rest := plain[33:]
	switch version {
	case messageIDVersionTimestamp:
		if len(rest) != 8 {
			return uaid, channelID, 0, "", ErrBadTokenLength
		}
		sortKeyTimestamp = int64(binary.BigEndian.Uint64(rest))
	case messageIDVersionTopic:
		if len(rest) == 0 {
			return uaid, channelID, 0, "", ErrBadTokenLength
		}
		topic = string(rest)
	default:
		return uaid, channelID, 0, "", ErrBadTokenLength
	}
	return uaid, channelID, sortKeyTimestamp, topic, nil
}
