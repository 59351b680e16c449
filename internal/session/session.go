// Package session implements the per-session metered-call state machine: a
// budget ledger, a sliding-window rate limiter, TTL enforcement, and a
// per-session event bus. The locking discipline follows the teacher's
// gasbank ledger: preCall atomically checks and reserves a call's cost,
// postCall commits the reservation, and a failed upstream call releases the
// reservation via Refund — the session lock is never held across the
// upstream call itself.
package session

import (
	"math/big"
	"sync"
	"time"

	"github.com/r3e-network/agent-gateway/internal/events"
	"github.com/r3e-network/agent-gateway/internal/gwerrors"
	"github.com/r3e-network/agent-gateway/internal/pricing"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusExhausted Status = "exhausted"
	StatusSettled   Status = "settled"
	StatusExpired   Status = "expired"
)

func (s Status) terminal() bool {
	return s == StatusExhausted || s == StatusSettled || s == StatusExpired
}

const (
	defaultWindowMs              = 1000
	defaultBudgetWarningFraction = 0.20
)

// Config seeds a new Session.
type Config struct {
	ID          string
	BuyerID     string
	SellerID    string
	Tier        pricing.Tier
	IntentNonce string
	BudgetTotal *big.Int
	TTLSeconds  int64
	Metadata    map[string]any

	// WindowMs overrides the sliding-window length; defaults to 1000ms.
	WindowMs int64
	// BudgetWarningFraction overrides the budget:warning threshold; defaults to 0.20.
	BudgetWarningFraction float64
}

// SettlementSummary is the usage data Settle hands back to the caller, which
// combines it with intent/tx-reference context to build a full receipt.
type SettlementSummary struct {
	AmountCharged *big.Int
	CallsMade     int64
	PerMethod     map[string]int64
}

// Snapshot is a deep-copied, immutable view of a Session for observers.
type Snapshot struct {
	ID              string
	Status          Status
	BuyerID         string
	SellerID        string
	TierID          string
	IntentNonce     string
	BudgetTotal     *big.Int
	BudgetRemaining *big.Int
	CallsMade       int64
	CallsRemaining  int64 // meaningless when Unlimited is true
	Unlimited       bool
	PerMethod       map[string]int64
	Metadata        map[string]any
	CreatedAt       time.Time
	LastActivity    time.Time
	TTLSeconds      int64
}

// Session is a stateful, metered context for calls from a single buyer under
// a single intent. All exported methods are safe for concurrent use.
type Session struct {
	mu sync.Mutex

	id          string
	buyerID     string
	sellerID    string
	tier        pricing.Tier
	intentNonce string
	status      Status

	budgetTotal     *big.Int
	budgetRemaining *big.Int
	reserved        *big.Int // sum of costs admitted by PreCall but not yet committed

	callsMade      int64
	callsRemaining int64
	unlimitedCalls bool
	perMethod      map[string]int64
	nextCallIndex  int64

	windowMs         int64
	windowTimestamps []time.Time

	budgetWarningFraction float64
	warned                bool

	metadata     map[string]any
	createdAt    time.Time
	lastActivity time.Time
	ttlSeconds   int64

	bus *events.Bus
}

// New constructs a Session in the pending state. It does not emit any
// events; callers should invoke EmitCreated and then Activate once
// subscribers have had a chance to register.
func New(cfg Config) *Session {
	windowMs := cfg.WindowMs
	if windowMs <= 0 {
		windowMs = defaultWindowMs
	}
	warnFraction := cfg.BudgetWarningFraction
	if warnFraction <= 0 {
		warnFraction = defaultBudgetWarningFraction
	}

	budgetTotal := cfg.BudgetTotal
	if budgetTotal == nil {
		budgetTotal = big.NewInt(0)
	}

	metadata := cfg.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}

	unlimited := cfg.Tier.MaxCallsPerSession == 0
	now := time.Now().UTC()

	return &Session{
		id:                    cfg.ID,
		buyerID:               cfg.BuyerID,
		sellerID:              cfg.SellerID,
		tier:                  cfg.Tier,
		intentNonce:           cfg.IntentNonce,
		status:                StatusPending,
		budgetTotal:           new(big.Int).Set(budgetTotal),
		budgetRemaining:       new(big.Int).Set(budgetTotal),
		reserved:              big.NewInt(0),
		callsRemaining:        cfg.Tier.MaxCallsPerSession,
		unlimitedCalls:        unlimited,
		perMethod:             make(map[string]int64),
		windowMs:              windowMs,
		budgetWarningFraction: warnFraction,
		metadata:              metadata,
		createdAt:             now,
		lastActivity:          now,
		ttlSeconds:            cfg.TTLSeconds,
		bus:                   events.New(nil),
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Bus returns the session's own event bus, for Gateway to forward onto its
// gateway-wide bus.
func (s *Session) Bus() *events.Bus { return s.bus }

// EmitCreated emits session:created. Call once, before Activate.
func (s *Session) EmitCreated() {
	s.bus.Emit(events.Event{Type: events.SessionCreated, SessionID: s.id})
}

// Activate transitions pending -> active.
func (s *Session) Activate() error {
	s.mu.Lock()
	if s.status != StatusPending {
		status := s.status
		s.mu.Unlock()
		return gwerrors.NewInvalidStateError(s.id, string(status), "activate")
	}
	s.status = StatusActive
	s.mu.Unlock()

	s.bus.Emit(events.Event{Type: events.SessionActivated, SessionID: s.id})
	return nil
}

// Pause transitions active -> paused.
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.status != StatusActive {
		status := s.status
		s.mu.Unlock()
		return gwerrors.NewInvalidStateError(s.id, string(status), "pause")
	}
	s.status = StatusPaused
	s.mu.Unlock()

	s.bus.Emit(events.Event{Type: events.SessionPaused, SessionID: s.id})
	return nil
}

// Resume transitions paused -> active.
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.status != StatusPaused {
		status := s.status
		s.mu.Unlock()
		return gwerrors.NewInvalidStateError(s.id, string(status), "resume")
	}
	s.status = StatusActive
	s.mu.Unlock()
	return nil
}

// PreCall runs the pre-call gate in the order the state machine requires,
// first failure wins. On success it returns the call's cost, already
// reserved against the budget, and the next sequential call index, reserved
// for this call; the caller must follow with exactly one of PostCall (on
// upstream success) or Refund (on upstream failure). Refund does not release
// the index, so the call after a refunded one skips it.
func (s *Session) PreCall(method string) (*big.Int, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		return nil, 0, gwerrors.NewInvalidStateError(s.id, string(s.status), "preCall")
	}

	now := time.Now().UTC()

	if s.ttlSeconds > 0 && now.Sub(s.createdAt) >= time.Duration(s.ttlSeconds)*time.Second {
		s.status = StatusExpired
		s.emitLocked(events.SessionExpired, nil)
		return nil, 0, gwerrors.NewSessionExpiredError(s.id)
	}

	retryAfterMs, limited := s.checkRateLimitLocked(now)
	if limited {
		s.emitLocked(events.RateLimitExceeded, map[string]any{"retryAfterMs": retryAfterMs})
		return nil, 0, gwerrors.NewRateLimitError(s.id, retryAfterMs)
	}

	if !s.unlimitedCalls && s.callsRemaining <= 0 {
		s.status = StatusExhausted
		s.emitLocked(events.SessionExhausted, nil)
		return nil, 0, gwerrors.NewCallLimitError(s.id)
	}

	cost := s.tier.PricePerCall
	if cost == nil {
		cost = big.NewInt(0)
	}
	available := new(big.Int).Sub(s.budgetRemaining, s.reserved)
	if available.Cmp(cost) < 0 {
		s.status = StatusExhausted
		s.emitLocked(events.BudgetExhausted, nil)
		return nil, 0, gwerrors.NewBudgetExhaustedError(s.id)
	}

	s.reserved.Add(s.reserved, cost)
	s.nextCallIndex++
	return new(big.Int).Set(cost), s.nextCallIndex, nil
}

// checkRateLimitLocked drops stale timestamps and reports whether the
// window is already at capacity. Must be called with mu held.
func (s *Session) checkRateLimitLocked(now time.Time) (retryAfterMs int64, limited bool) {
	windowStart := now.Add(-time.Duration(s.windowMs) * time.Millisecond)
	kept := s.windowTimestamps[:0]
	for _, ts := range s.windowTimestamps {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	s.windowTimestamps = kept

	limit := s.tier.RateLimitPerSecond
	if limit <= 0 || len(s.windowTimestamps) < limit {
		return 0, false
	}

	oldest := s.windowTimestamps[0]
	retryAfter := time.Duration(s.windowMs)*time.Millisecond - now.Sub(oldest)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return retryAfter.Milliseconds(), true
}

// Refund releases a reservation made by PreCall when the upstream call that
// followed it failed. It must not be called after PostCall for the same call.
func (s *Session) Refund(cost *big.Int) {
	if cost == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved.Sub(s.reserved, cost)
}

// PostCall commits a call whose upstream invocation succeeded: it deducts
// cost from the budget, advances counters, and appends to the rate-limiter
// window.
func (s *Session) PostCall(method string, cost *big.Int) {
	if cost == nil {
		cost = big.NewInt(0)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.reserved.Sub(s.reserved, cost)
	s.budgetRemaining.Sub(s.budgetRemaining, cost)
	s.callsMade++
	if !s.unlimitedCalls {
		s.callsRemaining--
	}
	s.perMethod[method]++

	now := time.Now().UTC()
	s.lastActivity = now
	s.windowTimestamps = append(s.windowTimestamps, now)

	s.maybeWarnBudgetLocked()

	if s.budgetRemaining.Sign() <= 0 {
		s.status = StatusExhausted
		s.emitLocked(events.BudgetExhausted, nil)
	}
}

// maybeWarnBudgetLocked fires budget:warning once, the first time the
// remaining-budget fraction crosses into (0, threshold]. Must be called
// with mu held.
func (s *Session) maybeWarnBudgetLocked() {
	if s.warned || s.budgetTotal.Sign() <= 0 {
		return
	}
	remaining, _ := new(big.Float).Quo(
		new(big.Float).SetInt(s.budgetRemaining),
		new(big.Float).SetInt(s.budgetTotal),
	).Float64()

	if remaining > 0 && remaining <= s.budgetWarningFraction {
		s.warned = true
		s.emitLocked(events.BudgetWarning, map[string]any{"remainingFraction": remaining})
	}
}

// Settle transitions the session to settled and returns its usage summary.
func (s *Session) Settle() (SettlementSummary, error) {
	s.mu.Lock()
	if s.status != StatusActive && s.status != StatusPaused {
		status := s.status
		s.mu.Unlock()
		return SettlementSummary{}, gwerrors.NewInvalidStateError(s.id, string(status), "settle")
	}

	amountCharged := new(big.Int).Sub(s.budgetTotal, s.budgetRemaining)
	perMethod := make(map[string]int64, len(s.perMethod))
	for k, v := range s.perMethod {
		perMethod[k] = v
	}
	summary := SettlementSummary{
		AmountCharged: amountCharged,
		CallsMade:     s.callsMade,
		PerMethod:     perMethod,
	}
	s.status = StatusSettled
	s.mu.Unlock()

	s.emitUnlocked(events.SessionSettled, map[string]any{
		"amountCharged": amountCharged.String(),
		"callsMade":     summary.CallsMade,
	})
	return summary, nil
}

// emitLocked emits on the session bus while mu is held by the caller. The
// event bus has its own lock, so this is safe, but callers must not block
// on anything that re-enters the session.
func (s *Session) emitLocked(t events.Type, payload any) {
	s.bus.Emit(events.Event{Type: t, SessionID: s.id, Payload: payload})
}

func (s *Session) emitUnlocked(t events.Type, payload any) {
	s.bus.Emit(events.Event{Type: t, SessionID: s.id, Payload: payload})
}

// Snapshot returns a deep-copied, immutable view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	perMethod := make(map[string]int64, len(s.perMethod))
	for k, v := range s.perMethod {
		perMethod[k] = v
	}
	metadata := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		metadata[k] = v
	}

	return Snapshot{
		ID:              s.id,
		Status:          s.status,
		BuyerID:         s.buyerID,
		SellerID:        s.sellerID,
		TierID:          s.tier.ID,
		IntentNonce:     s.intentNonce,
		BudgetTotal:     new(big.Int).Set(s.budgetTotal),
		BudgetRemaining: new(big.Int).Set(s.budgetRemaining),
		CallsMade:       s.callsMade,
		CallsRemaining:  s.callsRemaining,
		Unlimited:       s.unlimitedCalls,
		PerMethod:       perMethod,
		Metadata:        metadata,
		CreatedAt:       s.createdAt,
		LastActivity:    s.lastActivity,
		TTLSeconds:      s.ttlSeconds,
	}
}

// IsTerminal reports whether the session is in a terminal status and thus
// eligible for pruning.
func (s *Session) IsTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.terminal()
}

// Tier returns the tier this session was opened under.
func (s *Session) Tier() pricing.Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tier
}
