package session

import (
	"time"

	"github.com/mozilla-services/autopush-rs-sub001/internal/apperror"
)

// pingWaiting discriminates the two states the ping/liveness controller
// (C6) cycles between, grounded on
// original_source/autoconnect/autoconnect-ws/src/ping.rs's Waiting enum.
type pingWaiting int

const (
	waitingToPing pingWaiting = iota
	waitingForPong
)

// PingManager drives the connection's keepalive timer: it fires every
// autoPingInterval to prompt a WS ping (or, if a broadcast delta is
// pending, sends that instead and treats it as satisfying the same
// liveness window), then waits up to autoPingTimeout for the client's pong
// before the session must be torn down.
type PingManager struct {
	waiting pingWaiting
	timer   *time.Timer
	interval time.Duration
	timeout  time.Duration
}

// NewPingManager starts the controller in the ToPing state.
func NewPingManager(interval, timeout time.Duration) *PingManager {
	return &PingManager{
		waiting:  waitingToPing,
		timer:    time.NewTimer(interval),
		interval: interval,
		timeout:  timeout,
	}
}

// C is the channel the session select loop waits on alongside WS frames and
// registry notifications.
func (p *PingManager) C() <-chan time.Time { return p.timer.C }

// Stop releases the underlying timer; call when the session ends.
func (p *PingManager) Stop() {
	if !p.timer.Stop() {
		select {
		case <-p.timer.C:
		default:
		}
	}
}

// Fire is called when the timer elapses. It returns nil if this was a
// scheduled ping prompt (the caller should send a ping and call
// ArmForPong, or send the pending broadcast and call ArmAfterBroadcast), or
// apperror KindPongTimeout if the client failed to pong in time.
func (p *PingManager) Fire() error {
	if p.waiting == waitingForPong {
		return apperror.New(apperror.KindPongTimeout, "client did not respond to ping in time")
	}
	return nil
}

// ArmForPong switches into ForPong and resets the timer to the (typically
// shorter) pong timeout, after the caller has sent a ping.
func (p *PingManager) ArmForPong() {
	p.waiting = waitingForPong
	p.reset(p.timeout)
}

// ArmAfterBroadcast resets the ToPing timer after a broadcast delta was
// sent in place of a bare ping; broadcasts don't receive a pong, so the
// controller stays in ToPing and simply restarts its interval.
func (p *PingManager) ArmAfterBroadcast() {
	p.waiting = waitingToPing
	p.reset(p.interval)
}

// OnPong handles an inbound WS pong: if we were waiting for one, it resets
// to ToPing; an unsolicited pong (none expected) is ignored rather than
// treated as an error, matching the original's on_ws_pong which is a no-op
// outside ForPong.
func (p *PingManager) OnPong() {
	if p.waiting == waitingForPong {
		p.waiting = waitingToPing
		p.reset(p.interval)
	}
}

func (p *PingManager) reset(d time.Duration) {
	if !p.timer.Stop() {
		select {
		case <-p.timer.C:
		default:
		}
	}
	p.timer.Reset(d)
}
