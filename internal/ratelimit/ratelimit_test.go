package ratelimit

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestAllowRespectsPerIPBurst(t *testing.T) {
	l := New(Config{IPRate: 1, IPBurst: 2, GlobalRate: 1000, GlobalBurst: 1000}, zerolog.Nop())
	defer l.Stop()

	if !l.Allow("1.2.3.4") || !l.Allow("1.2.3.4") {
		t.Fatalf("expected the first two connections within burst to be allowed")
	}
	if l.Allow("1.2.3.4") {
		t.Fatalf("expected the third connection to exceed the per-IP burst")
	}
}

func TestAllowTracksIPsIndependently(t *testing.T) {
	l := New(Config{IPRate: 1, IPBurst: 1, GlobalRate: 1000, GlobalBurst: 1000}, zerolog.Nop())
	defer l.Stop()

	if !l.Allow("1.1.1.1") {
		t.Fatalf("expected first connection from 1.1.1.1 to be allowed")
	}
	if !l.Allow("2.2.2.2") {
		t.Fatalf("a different source IP must not be throttled by another IP's bucket")
	}
}

func TestAllowRespectsGlobalBurst(t *testing.T) {
	l := New(Config{IPRate: 1000, IPBurst: 1000, GlobalRate: 1, GlobalBurst: 1}, zerolog.Nop())
	defer l.Stop()

	if !l.Allow("3.3.3.3") {
		t.Fatalf("expected the first connection to be allowed")
	}
	if l.Allow("4.4.4.4") {
		t.Fatalf("expected the second connection to exceed the global burst regardless of source IP")
	}
}
