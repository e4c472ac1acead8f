package stratum

import (
	"sync"
	"time"
)

// VardiffConfig holds the per-miner variable-difficulty parameters: a ratio
// clamp bounds how far any single retarget can move difficulty, then a
// variance band decides whether to retarget at all.
type VardiffConfig struct {
	TargetShareSec  float64
	RetargetSec     float64
	VariancePercent float64
	MinDiff         float64
	MaxDiff         float64
	InitialDiff     float64
}

// DefaultVardiffConfig returns the standard 30s share-interval defaults.
func DefaultVardiffConfig() VardiffConfig {
	return VardiffConfig{
		TargetShareSec:  30,
		RetargetSec:     60,
		VariancePercent: 30,
		MinDiff:         0.001,
		MaxDiff:         1e9,
		InitialDiff:     1.0,
	}
}

// VardiffState tracks one miner's sliding share-rate window and current
// difficulty. Safe for concurrent use.
type VardiffState struct {
	cfg VardiffConfig

	mu             sync.Mutex
	currentDiff    float64
	windowStart    time.Time
	sharesInWindow int
	lastRetarget   time.Time
}

// NewVardiffState builds a controller seeded at cfg.InitialDiff.
func NewVardiffState(cfg VardiffConfig) *VardiffState {
	now := time.Now()
	return &VardiffState{cfg: cfg, currentDiff: cfg.InitialDiff, windowStart: now, lastRetarget: now}
}

// CurrentDiff returns the miner's present difficulty.
func (v *VardiffState) CurrentDiff() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentDiff
}

// OnShareAccepted records one accepted share in the current window and, if
// the retarget interval has elapsed, recomputes difficulty. Returns the
// (possibly unchanged) difficulty and whether this call changed it.
func (v *VardiffState) OnShareAccepted(now time.Time) (diff float64, changed bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sharesInWindow++
	return v.maybeRetargetLocked(now)
}

// Tick evaluates the retarget condition independent of share arrival, so an
// idle miner's window still resets on schedule.
func (v *VardiffState) Tick(now time.Time) (diff float64, changed bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.maybeRetargetLocked(now)
}

func (v *VardiffState) maybeRetargetLocked(now time.Time) (float64, bool) {
	if now.Sub(v.lastRetarget).Seconds() < v.cfg.RetargetSec {
		return v.currentDiff, false
	}

	windowMs := now.Sub(v.windowStart).Milliseconds()
	shares := v.sharesInWindow
	if shares < 1 {
		shares = 1
	}
	actual := float64(windowMs) / 1000.0 / float64(shares)
	target := v.cfg.TargetShareSec
	ratio := clampF(target/actual, 0.25, 4.0)

	changed := false
	if actual == 0 || absF(actual-target)/target > v.cfg.VariancePercent/100.0 {
		newDiff := clampF(v.currentDiff*ratio, v.cfg.MinDiff, v.cfg.MaxDiff)
		if newDiff != v.currentDiff {
			v.currentDiff = newDiff
			changed = true
		}
	}

	v.windowStart = now
	v.sharesInWindow = 0
	v.lastRetarget = now
	return v.currentDiff, changed
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
