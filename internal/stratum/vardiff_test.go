package stratum

import (
	"testing"
	"time"
)

func testVardiffConfig() VardiffConfig {
	return VardiffConfig{
		TargetShareSec:  30,
		RetargetSec:     60,
		VariancePercent: 30,
		MinDiff:         0.001,
		MaxDiff:         1e9,
		InitialDiff:     1.0,
	}
}

func TestVardiffNoChangeAtExactRate(t *testing.T) {
	cfg := testVardiffConfig()
	v := NewVardiffState(cfg)
	start := v.windowStart

	const n = 10
	windowEnd := start.Add(time.Duration(n) * time.Duration(cfg.TargetShareSec) * time.Second)
	for i := 0; i < n; i++ {
		v.OnShareAccepted(start) // inside window, before retarget interval elapses
	}
	_, changed := v.Tick(windowEnd)
	if changed {
		t.Fatalf("N shares in N*target seconds must not change difficulty, got %v", v.CurrentDiff())
	}
}

func TestVardiffDoublesRateRetargetsWithinBounds(t *testing.T) {
	cfg := testVardiffConfig()
	v := NewVardiffState(cfg)
	start := v.windowStart

	const n = 10
	windowEnd := start.Add(time.Duration(n) * time.Duration(cfg.TargetShareSec) * time.Second)
	for i := 0; i < 2*n; i++ {
		v.OnShareAccepted(start)
	}
	before := v.CurrentDiff()
	after, changed := v.Tick(windowEnd)
	if !changed {
		t.Fatal("2N shares in N*target seconds must trigger a retarget")
	}
	factor := after / before
	if factor < 1.5 || factor > 2.0 {
		t.Fatalf("retarget factor = %f, want in [1.5, 2.0]", factor)
	}
}

func TestVardiffClampsToBounds(t *testing.T) {
	cfg := testVardiffConfig()
	cfg.MaxDiff = 2.0
	cfg.MinDiff = 0.5
	v := NewVardiffState(cfg)
	start := v.windowStart

	// Flood far more shares than target to push the ratio hard against max.
	for i := 0; i < 1000; i++ {
		v.OnShareAccepted(start)
	}
	after, _ := v.Tick(start.Add(time.Duration(cfg.RetargetSec) * time.Second))
	if after > cfg.MaxDiff {
		t.Fatalf("difficulty %f exceeds MaxDiff %f", after, cfg.MaxDiff)
	}

	v2 := NewVardiffState(cfg)
	start2 := v2.windowStart
	// A single share spread over a very long window drives actual rate far
	// below target, pushing the ratio hard against min.
	v2.OnShareAccepted(start2)
	after2, _ := v2.Tick(start2.Add(time.Duration(cfg.RetargetSec) * time.Second * 1000))
	if after2 < cfg.MinDiff {
		t.Fatalf("difficulty %f below MinDiff %f", after2, cfg.MinDiff)
	}
}

func TestVardiffDoesNotFireBeforeRetargetInterval(t *testing.T) {
	cfg := testVardiffConfig()
	v := NewVardiffState(cfg)
	start := v.windowStart

	for i := 0; i < 100; i++ {
		v.OnShareAccepted(start)
	}
	_, changed := v.Tick(start.Add(time.Duration(cfg.RetargetSec-1) * time.Second))
	if changed {
		t.Fatal("retarget must not fire before RetargetSec elapses")
	}
}
