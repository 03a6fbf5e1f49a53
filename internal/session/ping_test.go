package session

import (
	"testing"
	"time"
)

func TestPingManagerStartsToPing(t *testing.T) {
	p := NewPingManager(20*time.Millisecond, 20*time.Millisecond)
	defer p.Stop()

	<-p.C()
	if err := p.Fire(); err != nil {
		t.Fatalf("expected first tick to be a ping prompt, got %v", err)
	}
}

func TestPingManagerPongTimeout(t *testing.T) {
	p := NewPingManager(10*time.Millisecond, 10*time.Millisecond)
	defer p.Stop()

	<-p.C()
	if err := p.Fire(); err != nil {
		t.Fatalf("unexpected error on first tick: %v", err)
	}
	p.ArmForPong()

	<-p.C()
	if err := p.Fire(); err == nil {
		t.Fatalf("expected pong timeout error")
	}
}

func TestPingManagerOnPongResetsToPing(t *testing.T) {
	p := NewPingManager(10*time.Millisecond, 50*time.Millisecond)
	defer p.Stop()

	<-p.C()
	_ = p.Fire()
	p.ArmForPong()

	p.OnPong()
	if p.waiting != waitingToPing {
		t.Fatalf("expected state to return to ToPing after OnPong")
	}

	<-p.C()
	if err := p.Fire(); err != nil {
		t.Fatalf("expected a fresh ping prompt after pong, got %v", err)
	}
}

func TestPingManagerBroadcastDoesNotArmForPong(t *testing.T) {
	p := NewPingManager(15*time.Millisecond, 15*time.Millisecond)
	defer p.Stop()

	<-p.C()
	_ = p.Fire()
	p.ArmAfterBroadcast()
	if p.waiting != waitingToPing {
		t.Fatalf("broadcast delivery must not enter ForPong (P6)")
	}
}
