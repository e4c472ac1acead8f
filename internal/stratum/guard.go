package stratum

import (
	"sync"
	"time"
)

// GuardConfig bounds per-IP connection rate and malformed-line tolerance.
// Trimmed from the teacher's policy.Config down to the two controls this
// proxy actually needs — no Redis-backed blacklist/whitelist, no ipset
// execution, no score-based banning (all out of scope per spec's Non-goals
// on persistence and process supervision).
type GuardConfig struct {
	ConnectionLimit int           // new connections allowed per IP per ConnectionWindow
	ConnectionWindow time.Duration
	MalformedLimit  int32 // malformed-line count at which the IP is shunned
	ShunDuration    time.Duration
}

// DefaultGuardConfig mirrors the teacher's defaults for the controls kept.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		ConnectionLimit:  10,
		ConnectionWindow: time.Minute,
		MalformedLimit:   5,
		ShunDuration:      30 * time.Minute,
	}
}

type ipStats struct {
	mu          sync.Mutex
	windowStart time.Time
	connCount   int
	malformed   int32
	shunnedAt   time.Time
}

// Guard is a per-IP connection-rate and malformed-line limiter. It holds no
// persistent state; counters reset on process restart.
type Guard struct {
	cfg GuardConfig

	mu    sync.Mutex
	stats map[string]*ipStats
}

// NewGuard builds a Guard from cfg.
func NewGuard(cfg GuardConfig) *Guard {
	return &Guard{cfg: cfg, stats: make(map[string]*ipStats)}
}

func (g *Guard) get(ip string) *ipStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.stats[ip]
	if !ok {
		s = &ipStats{windowStart: time.Now()}
		g.stats[ip] = s
	}
	return s
}

// IsShunned reports whether ip is currently past its malformed-line limit.
func (g *Guard) IsShunned(ip string) bool {
	s := g.get(ip)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shunnedAt.IsZero() {
		return false
	}
	if time.Since(s.shunnedAt) > g.cfg.ShunDuration {
		s.shunnedAt = time.Time{}
		s.malformed = 0
		return false
	}
	return true
}

// AllowConnection applies the fixed connection-rate window for ip (reset
// once ConnectionWindow has elapsed), returning false once the window's
// quota is exhausted.
func (g *Guard) AllowConnection(ip string) bool {
	if g.cfg.ConnectionLimit <= 0 {
		return true
	}
	s := g.get(ip)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.windowStart) > g.cfg.ConnectionWindow {
		s.windowStart = now
		s.connCount = 0
	}
	s.connCount++
	return s.connCount <= g.cfg.ConnectionLimit
}

// RecordMalformed counts one malformed line from ip, returning false once
// the IP's count reaches MalformedLimit (the connection should then be closed).
func (g *Guard) RecordMalformed(ip string) bool {
	s := g.get(ip)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformed++
	if s.malformed >= g.cfg.MalformedLimit {
		s.shunnedAt = time.Now()
		return false
	}
	return true
}
