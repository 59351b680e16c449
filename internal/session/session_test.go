package session

import (
	"math/big"
	"testing"
	"time"

	"github.com/r3e-network/agent-gateway/internal/events"
	"github.com/r3e-network/agent-gateway/internal/pricing"
)

func testTier() pricing.Tier {
	return pricing.Tier{
		ID:                 "standard",
		PricePerCall:       big.NewInt(10),
		MaxCallsPerSession: 5,
		RateLimitPerSecond: 2,
	}
}

func openActive(t *testing.T, cfg Config) *Session {
	t.Helper()
	s := New(cfg)
	s.EmitCreated()
	if err := s.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return s
}

func TestPreCallSucceedsAndReservesBudget(t *testing.T) {
	s := openActive(t, Config{ID: "s1", Tier: testTier(), BudgetTotal: big.NewInt(100)})

	cost, _, err := s.PreCall("m1")
	if err != nil {
		t.Fatalf("PreCall: %v", err)
	}
	if cost.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected cost=10, got %s", cost)
	}

	snap := s.Snapshot()
	if snap.BudgetRemaining.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("budgetRemaining should not change until PostCall, got %s", snap.BudgetRemaining)
	}
}

func TestPostCallCommitsBudgetAndCounters(t *testing.T) {
	s := openActive(t, Config{ID: "s1", Tier: testTier(), BudgetTotal: big.NewInt(100)})

	cost, _, err := s.PreCall("m1")
	if err != nil {
		t.Fatalf("PreCall: %v", err)
	}
	s.PostCall("m1", cost)

	snap := s.Snapshot()
	if snap.BudgetRemaining.Cmp(big.NewInt(90)) != 0 {
		t.Errorf("expected budgetRemaining=90, got %s", snap.BudgetRemaining)
	}
	if snap.CallsMade != 1 {
		t.Errorf("expected callsMade=1, got %d", snap.CallsMade)
	}
	if snap.CallsRemaining != 4 {
		t.Errorf("expected callsRemaining=4, got %d", snap.CallsRemaining)
	}
	if snap.PerMethod["m1"] != 1 {
		t.Errorf("expected perMethod[m1]=1, got %d", snap.PerMethod["m1"])
	}
}

func TestRefundReleasesReservationWithoutTouchingBudget(t *testing.T) {
	s := openActive(t, Config{ID: "s1", Tier: testTier(), BudgetTotal: big.NewInt(15)})

	cost, _, err := s.PreCall("m1")
	if err != nil {
		t.Fatalf("PreCall: %v", err)
	}
	s.Refund(cost)

	// A second PreCall should succeed because the reservation was released,
	// not double-counted against the 15-unit budget.
	if _, _, err := s.PreCall("m1"); err != nil {
		t.Fatalf("expected PreCall to succeed after refund, got %v", err)
	}

	snap := s.Snapshot()
	if snap.BudgetRemaining.Cmp(big.NewInt(15)) != 0 {
		t.Errorf("expected budgetRemaining unchanged at 15, got %s", snap.BudgetRemaining)
	}
}

func TestPreCallFailsWhenBudgetExhausted(t *testing.T) {
	s := openActive(t, Config{ID: "s1", Tier: testTier(), BudgetTotal: big.NewInt(5)})

	if _, _, err := s.PreCall("m1"); err == nil {
		t.Fatal("expected budget-exhausted error")
	}
	snap := s.Snapshot()
	if snap.Status != StatusExhausted {
		t.Errorf("expected status=exhausted, got %s", snap.Status)
	}
}

func TestPreCallFailsWhenCallLimitReached(t *testing.T) {
	tier := testTier()
	tier.MaxCallsPerSession = 1
	s := openActive(t, Config{ID: "s1", Tier: tier, BudgetTotal: big.NewInt(1000)})

	cost, _, err := s.PreCall("m1")
	if err != nil {
		t.Fatalf("first PreCall: %v", err)
	}
	s.PostCall("m1", cost)

	if _, _, err := s.PreCall("m1"); err == nil {
		t.Fatal("expected call-limit error on second PreCall")
	}
}

func TestPreCallFailsWhenRateLimited(t *testing.T) {
	tier := testTier()
	tier.RateLimitPerSecond = 1
	tier.MaxCallsPerSession = 0
	s := openActive(t, Config{ID: "s1", Tier: tier, BudgetTotal: big.NewInt(1000), WindowMs: 1000})

	cost, _, err := s.PreCall("m1")
	if err != nil {
		t.Fatalf("first PreCall: %v", err)
	}
	s.PostCall("m1", cost)

	if _, _, err := s.PreCall("m1"); err == nil {
		t.Fatal("expected rate-limit error on second immediate PreCall")
	}
}

func TestPreCallFailsWhenSessionNotActive(t *testing.T) {
	s := New(Config{ID: "s1", Tier: testTier(), BudgetTotal: big.NewInt(100)})
	if _, _, err := s.PreCall("m1"); err == nil {
		t.Fatal("expected invalid-state error for a pending session")
	}
}

func TestSessionExpiresOnTTLBreach(t *testing.T) {
	s := openActive(t, Config{ID: "s1", Tier: testTier(), BudgetTotal: big.NewInt(100), TTLSeconds: 0})
	s.createdAt = time.Now().UTC().Add(-1 * time.Second)
	s.ttlSeconds = 1

	if _, _, err := s.PreCall("m1"); err == nil {
		t.Fatal("expected session-expired error")
	}
	if s.Snapshot().Status != StatusExpired {
		t.Errorf("expected status=expired, got %s", s.Snapshot().Status)
	}
}

func TestSettleReturnsAmountChargedAndTransitions(t *testing.T) {
	s := openActive(t, Config{ID: "s1", Tier: testTier(), BudgetTotal: big.NewInt(100)})

	cost, _, err := s.PreCall("m1")
	if err != nil {
		t.Fatalf("PreCall: %v", err)
	}
	s.PostCall("m1", cost)

	summary, err := s.Settle()
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if summary.AmountCharged.Cmp(big.NewInt(10)) != 0 {
		t.Errorf("expected amountCharged=10, got %s", summary.AmountCharged)
	}
	if s.Snapshot().Status != StatusSettled {
		t.Errorf("expected status=settled, got %s", s.Snapshot().Status)
	}

	if _, err := s.Settle(); err == nil {
		t.Fatal("expected invalid-state error settling twice")
	}
}

func TestBudgetWarningFiresExactlyOnceAtThreshold(t *testing.T) {
	tier := testTier()
	tier.PricePerCall = big.NewInt(85)
	tier.MaxCallsPerSession = 0
	tier.RateLimitPerSecond = 100
	s := openActive(t, Config{ID: "s1", Tier: tier, BudgetTotal: big.NewInt(100), BudgetWarningFraction: 0.2})

	var warnings int
	s.Bus().On(events.BudgetWarning, func(events.Event) { warnings++ })

	cost, _, err := s.PreCall("m1")
	if err != nil {
		t.Fatalf("PreCall: %v", err)
	}
	s.PostCall("m1", cost) // remaining 15/100 = 0.15 <= 0.2 threshold

	if warnings != 1 {
		t.Errorf("expected exactly one budget:warning, got %d", warnings)
	}
}

func TestEventsForwardSessionLifecycle(t *testing.T) {
	s := New(Config{ID: "s1", Tier: testTier(), BudgetTotal: big.NewInt(100)})

	var seen []events.Type
	s.Bus().On(events.Wildcard, func(e events.Event) { seen = append(seen, e.Type) })

	s.EmitCreated()
	if err := s.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if len(seen) != 2 || seen[0] != events.SessionCreated || seen[1] != events.SessionActivated {
		t.Errorf("unexpected event sequence: %v", seen)
	}
}
