package ws

import (
	"time"

	"github.com/okian/tally/pkg/logger"
)

// Defaults for connection handling.
const (
	DefaultOutboundQueue = 256
	DefaultLagGrace      = 5 * time.Second
	DefaultInboundRate   = 20
	DefaultInboundBurst  = 40
	DefaultMaxFrameBytes = 64 << 10

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Option applies a configuration option to the Hub.
type Option func(*Hub)

// WithOutboundQueue sets the per-connection outbound queue length.
func WithOutboundQueue(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.outbound = n
		}
	}
}

// WithLagGrace sets how long a connection may stay lagging before it is
// disconnected.
func WithLagGrace(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.grace = d
		}
	}
}

// WithInboundRate sets the per-connection inbound message rate and burst.
func WithInboundRate(perSec float64, burst int) Option {
	return func(h *Hub) {
		if perSec > 0 {
			h.ratePerSec = perSec
		}
		if burst > 0 {
			h.burst = burst
		}
	}
}

// WithAllowedOrigins restricts the Origin header accepted on upgrade.
// Empty or "*" accepts any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		h.origins = append([]string(nil), origins...)
	}
}

// WithClock overrides the time source used to stamp frames.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(l logger.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}
