package sysres

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestShouldAcceptRejectsAtMaxConnections(t *testing.T) {
	var current int64 = 5
	g := NewGuard(5, 1000000, 100, &current, &CPUMonitor{mode: "host"}, zerolog.Nop())

	ok, reason := g.ShouldAccept()
	if ok {
		t.Fatalf("expected rejection at max_connections")
	}
	if reason != "max_connections" {
		t.Fatalf("expected reason max_connections, got %q", reason)
	}
}

func TestShouldAcceptAllowsBelowLimit(t *testing.T) {
	var current int64 = 1
	g := NewGuard(5, 1000000, 100, &current, &CPUMonitor{mode: "host"}, zerolog.Nop())

	ok, _ := g.ShouldAccept()
	if !ok {
		t.Fatalf("expected connection to be admitted below the limit")
	}
}
