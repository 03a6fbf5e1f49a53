// Package wsconn adapts a per-connection net.Conn upgraded to WebSocket by
// github.com/gobwas/ws into the shape the session state machine (C4/C5)
// needs: a read-side channel it can select over alongside registry
// notifications and its ping timer, and synchronous write methods it calls
// directly from its own goroutine.
//
// Grounded on the teacher's ws.UpgradeHTTP + wsutil.ReadClientData /
// wsutil.WriteServerMessage pattern
// (internal/single/core/handlers_ws.go, pump_read.go, pump_write.go), but
// reshaped: the teacher runs one reader goroutine and one writer goroutine
// per connection exchanging full Client structs; this module's session
// layer is a single cooperative select loop per connection (§2's
// architecture), so the write side has no goroutine of its own — writes
// happen synchronously on the session goroutine and only the blocking read
// gets a goroutine, feeding a channel the select loop can multiplex.
package wsconn

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Frame is one inbound WebSocket frame handed to the session loop.
type Frame struct {
	Op   ws.OpCode
	Data []byte
	Err  error // set on read failure or orderly close; Data/Op are invalid when non-nil
}

// Conn wraps an upgraded WebSocket connection.
type Conn struct {
	raw        net.Conn
	frames     chan Frame
	writeWait  time.Duration
	readWait   time.Duration
}

// Upgrade wraps a connection that ws.UpgradeHTTP has already upgraded to
// WebSocket and starts the background reader.
func Upgrade(raw net.Conn, readWait, writeWait time.Duration) *Conn {
	c := &Conn{
		raw:       raw,
		frames:    make(chan Frame, 16),
		writeWait: writeWait,
		readWait:  readWait,
	}
	go c.readLoop()
	return c
}

// Frames returns the channel of inbound frames for the session select loop
// to range over. The channel is closed after the first error/close frame is
// delivered.
func (c *Conn) Frames() <-chan Frame { return c.frames }

func (c *Conn) readLoop() {
	defer close(c.frames)
	for {
		if c.readWait > 0 {
			_ = c.raw.SetReadDeadline(time.Now().Add(c.readWait))
		}
		data, op, err := wsutil.ReadClientData(c.raw)
		if err != nil {
			c.frames <- Frame{Err: err}
			return
		}
		c.frames <- Frame{Op: op, Data: data}
		if op == ws.OpClose {
			return
		}
	}
}

// WriteText sends one text frame, matching the protocol's convention of one
// JSON document per WebSocket message (§4.1).
func (c *Conn) WriteText(payload []byte) error {
	if c.writeWait > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeWait))
	}
	return wsutil.WriteServerMessage(c.raw, ws.OpText, payload)
}

// WritePing sends a control ping frame, driven by the ping/liveness
// controller (C6) rather than by this package's own timer, since C6 must
// coordinate ping cadence with broadcast delta delivery.
func (c *Conn) WritePing() error {
	if c.writeWait > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeWait))
	}
	return wsutil.WriteServerMessage(c.raw, ws.OpPing, nil)
}

// Close sends a close frame best-effort and closes the underlying socket.
func (c *Conn) Close() error {
	if c.writeWait > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeWait))
	}
	_ = wsutil.WriteServerMessage(c.raw, ws.OpClose, []byte{})
	return c.raw.Close()
}

// IsClosedRead reports whether err (from a Frame) represents an orderly
// close versus an actual transport failure, so the session layer can pick
// the right apperror.Kind / WS close code.
func IsClosedRead(err error) bool {
	if err == nil {
		return false
	}
	var closedErr wsutil.ClosedError
	if errors.As(err, &closedErr) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

func (f Frame) String() string {
	if f.Err != nil {
		return fmt.Sprintf("Frame{err=%v}", f.Err)
	}
	return fmt.Sprintf("Frame{op=%v, n=%d}", f.Op, len(f.Data))
}
