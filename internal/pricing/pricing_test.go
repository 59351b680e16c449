package pricing

import (
	"math/big"
	"testing"
)

func tier(id string, price int64) Tier {
	return Tier{ID: id, Label: id, PricePerCall: big.NewInt(price), RateLimitPerSecond: 5}
}

func TestTiersForMethodFallsBackToDefaults(t *testing.T) {
	e := NewEngine(tier("default", 100))

	tiers := e.TiersForMethod("unregistered")
	if len(tiers) != 1 || tiers[0].ID != "default" {
		t.Fatalf("expected default tier, got %v", tiers)
	}
}

func TestMethodTiersOverrideDefaults(t *testing.T) {
	e := NewEngine(tier("default", 100))
	e.RegisterMethodTiers("m1", tier("m1-tier", 50))

	tiers := e.TiersForMethod("m1")
	if len(tiers) != 1 || tiers[0].ID != "m1-tier" {
		t.Fatalf("expected m1-tier, got %v", tiers)
	}
}

func TestBundleOverridesMethodTiers(t *testing.T) {
	e := NewEngine(tier("default", 100))
	e.RegisterMethodTiers("m1", tier("m1-tier", 50))
	e.RegisterBundleOverride([]string{"m1"}, tier("bundle-tier", 10))

	tiers := e.TiersForMethod("m1")
	if len(tiers) != 1 || tiers[0].ID != "bundle-tier" {
		t.Fatalf("expected bundle-tier, got %v", tiers)
	}
}

func TestGetTierUnknownReturnsFalse(t *testing.T) {
	e := NewEngine(tier("default", 100))
	if _, ok := e.GetTier("nope"); ok {
		t.Error("expected ok=false for unknown tier id")
	}
}

func TestReportLatencySeedsThenBlends(t *testing.T) {
	e := NewEngine()
	e.ReportLatency(100)
	if e.AvgLatency() != 100 {
		t.Errorf("expected first sample to seed average, got %f", e.AvgLatency())
	}
	e.ReportLatency(200)
	expected := 0.2*200 + 0.8*100
	if e.AvgLatency() != expected {
		t.Errorf("expected EMA=%f, got %f", expected, e.AvgLatency())
	}
}
