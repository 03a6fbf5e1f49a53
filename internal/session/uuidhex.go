package session

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// newSimpleUUID mints a fresh UAID in the 32-hex-digit "simple" form the
// wire protocol uses for the uaid field (no dashes), grounded on
// original_source/autoconnect/autoconnect-ws/autoconnect-ws-sm/src/unidentified.rs's
// uaid.as_simple().to_string().
func newSimpleUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// parseUUIDBytes accepts either the dashed (36-char) or simple (32-hex-char)
// UUID wire form and returns its 16 raw bytes, since a UA-chosen channel_id
// is not guaranteed to arrive in the same form as a server-minted uaid.
func parseUUIDBytes(s string) ([16]byte, error) {
	var out [16]byte
	clean := strings.ReplaceAll(s, "-", "")
	if len(clean) != 32 {
		return out, fmt.Errorf("uuid %q is not 16 bytes", s)
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return out, fmt.Errorf("uuid %q is not valid hex: %w", s, err)
	}
	copy(out[:], raw)
	return out, nil
}
