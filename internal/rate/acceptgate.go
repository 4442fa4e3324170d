package rate

import (
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AcceptGate rate-limits connection attempts per source IP using a token
// bucket, ahead of the allowlist check. It protects the TLS accept path from
// handshake floods; the message-rate policy inside the hub is separate.
//
// Idle IP entries are dropped after a TTL so the map cannot grow without
// bound.
type AcceptGate struct {
	mu      sync.Mutex
	entries map[netip.Addr]*gateEntry

	limit rate.Limit
	burst int
	ttl   time.Duration

	logger zerolog.Logger
	stop   chan struct{}
	once   sync.Once
}

type gateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const gateCleanupInterval = time.Minute

// NewAcceptGate returns a gate admitting perSec sustained connection attempts
// per IP with the given burst. Idle IPs are forgotten after ttl.
func NewAcceptGate(perSec float64, burst int, ttl time.Duration, logger zerolog.Logger) *AcceptGate {
	g := &AcceptGate{
		entries: make(map[netip.Addr]*gateEntry),
		limit:   rate.Limit(perSec),
		burst:   burst,
		ttl:     ttl,
		logger:  logger.With().Str("component", "accept_gate").Logger(),
		stop:    make(chan struct{}),
	}
	go g.cleanupLoop()
	return g
}

// Allow reports whether a connection attempt from ip may proceed.
func (g *AcceptGate) Allow(ip netip.Addr) bool {
	g.mu.Lock()
	e, ok := g.entries[ip]
	if !ok {
		e = &gateEntry{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.entries[ip] = e
	}
	e.lastSeen = time.Now()
	g.mu.Unlock()

	if !e.limiter.Allow() {
		g.logger.Debug().Stringer("ip", ip).Msg("connection attempt rate limited")
		return false
	}
	return true
}

func (g *AcceptGate) cleanupLoop() {
	ticker := time.NewTicker(gateCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.stop:
			return
		}
	}
}

func (g *AcceptGate) cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	removed := 0
	for ip, e := range g.entries {
		if now.Sub(e.lastSeen) > g.ttl {
			delete(g.entries, ip)
			removed++
		}
	}
	if removed > 0 {
		g.logger.Debug().Int("removed", removed).Int("remaining", len(g.entries)).Msg("dropped idle accept-gate entries")
	}
}

// Close stops the cleanup goroutine.
func (g *AcceptGate) Close() {
	g.once.Do(func() { close(g.stop) })
}
