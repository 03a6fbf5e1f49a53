package sysres

import (
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Guard is the connection node's admission-control check, run once per
// inbound upgrade request before the rate limiter and the WS handshake
// itself. Adapted from the teacher's ResourceGuard.ShouldAcceptConnection,
// trimmed to the static-limit checks this module carries forward (Kafka and
// broadcast rate limiting are the teacher's single-process fan-out concerns
// and have no equivalent once delivery moves through the message store, so
// they are not adapted here — see DESIGN.md).
type Guard struct {
	maxConnections     int64
	maxGoroutines      int
	cpuRejectThreshold float64

	currentConnections *int64
	cpu                *CPUMonitor
	log                zerolog.Logger
}

// NewGuard builds a Guard. currentConnections must be updated with
// atomic.AddInt64 by the caller as connections open and close.
func NewGuard(maxConnections, maxGoroutines int, cpuRejectThreshold float64, currentConnections *int64, cpuMonitor *CPUMonitor, log zerolog.Logger) *Guard {
	return &Guard{
		maxConnections:     int64(maxConnections),
		maxGoroutines:      maxGoroutines,
		cpuRejectThreshold: cpuRejectThreshold,
		currentConnections: currentConnections,
		cpu:                cpuMonitor,
		log:                log.With().Str("component", "sysres").Logger(),
	}
}

// ShouldAccept reports whether a new connection should be admitted, and a
// short reason when it should not.
func (g *Guard) ShouldAccept() (bool, string) {
	if current := atomic.LoadInt64(g.currentConnections); current >= g.maxConnections {
		return false, "max_connections"
	}
	if n := runtime.NumGoroutine(); n >= g.maxGoroutines {
		return false, "max_goroutines"
	}
	if pct, err := g.cpu.Percent(); err == nil && pct > g.cpuRejectThreshold {
		g.log.Warn().Float64("cpu_percent", pct).Msg("rejecting connection: over CPU threshold")
		return false, "cpu_reject_threshold"
	}
	return true, ""
}
