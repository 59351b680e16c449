// Package gateway composes the pricing engine, attester, sessions,
// paywall, payment client, and marketplace into the single orchestrator a
// buyer or seller actually talks to. It mirrors the shape of the teacher's
// event router (a registry of long-lived objects, a single lock protecting
// the top-level maps) generalized from blockchain event routing to
// metered-call orchestration; it has no Start/Stop lifecycle or background
// workers of its own.
package gateway

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/agent-gateway/internal/attest"
	"github.com/r3e-network/agent-gateway/internal/events"
	"github.com/r3e-network/agent-gateway/internal/gwerrors"
	"github.com/r3e-network/agent-gateway/internal/marketplace"
	"github.com/r3e-network/agent-gateway/internal/obslog"
	"github.com/r3e-network/agent-gateway/internal/pricing"
	"github.com/r3e-network/agent-gateway/internal/session"
)

// Transport is the upstream JSON-RPC contract (spec §6.1): a single
// request operation, parameterized on the result type, that may also
// return an upstream anchor slot (zero if the upstream has no notion of one).
type Transport interface {
	Request(ctx context.Context, method string, params any) (result any, slot int64, err error)
}

// Intent is a buyer's signed commitment to pay up to a budget for a
// session under a chosen tier.
type Intent struct {
	Nonce          string
	BuyerID        string
	SellerID       string
	TierID         string
	MaxBudget      *big.Int
	Token          pricing.Token
	BuyerSignature []byte
	CreatedAt      time.Time
	TTLSeconds     int64
}

// IntentVerifier is a pluggable extension point (spec §4.7/§9) for
// cryptographic or policy-level intent validation beyond the core's
// structural checks.
type IntentVerifier interface {
	Verify(ctx context.Context, intent Intent) error
}

// OpenSessionOptions customizes session creation.
type OpenSessionOptions struct {
	TierOverride   *pricing.Tier
	TTLOverride    int64
	CustomVerifier IntentVerifier
}

// Call is one entry in an ExecuteBatch request.
type Call struct {
	Method string
	Params any
}

// Receipt is the terminal, immutable record emitted on settlement.
type Receipt struct {
	IntentNonce         string
	AmountCharged       *big.Int
	CallCount           int64
	TxReference         string
	SettlementKind      string // "onchain" | "offchain-escrow"
	SettlementTimestamp time.Time
}

// X402Stats is the x402 sub-section of GetMetrics.
type X402Stats struct {
	PaymentsRequired int64
	PaymentsVerified int64
	PaymentsSettled  int64
	PaymentsSent     int64
}

// Metrics is the snapshot returned by GetMetrics.
type Metrics struct {
	TotalCallsServed  int64
	TotalRevenue      *big.Int
	ActiveSessions    int
	TotalSessions     int
	AvgLatencyMs      float64
	TotalAttestations int64
	MarketplaceStats  marketplace.Stats
	X402              X402Stats
}

// Config configures a Gateway.
type Config struct {
	Identity              string // this gateway's seller id, matched against Intent.SellerID
	MaxConcurrentSessions int    // 0 = unlimited
	Pricing               *pricing.Engine
	Attester              *attest.Attester
	Transport             Transport
	Marketplace           *marketplace.Registry
	AttestByDefault       bool
	Log                   *obslog.Logger
}

// Gateway is the orchestrator. All exported methods are safe for
// concurrent use.
type Gateway struct {
	identity        string
	maxConcurrent   int
	pricing         *pricing.Engine
	attester        *attest.Attester
	transport       Transport
	marketplace     *marketplace.Registry
	attestByDefault bool
	log             *obslog.Logger

	bus  *events.Bus
	x402 *X402Config

	mu                sync.RWMutex
	sessions          map[string]*session.Session
	unsubscribes      map[string]func()
	totalCallsServed  int64
	totalRevenue      *big.Int
	totalSessions     int
	totalAttestations int64
	x402Stats         X402Stats
}

// New builds a Gateway from cfg.
func New(cfg Config) *Gateway {
	log := cfg.Log
	if log == nil {
		log = obslog.NewDefault("gateway")
	}
	mp := cfg.Marketplace
	if mp == nil {
		mp = marketplace.New()
	}
	g := &Gateway{
		identity:        cfg.Identity,
		maxConcurrent:   cfg.MaxConcurrentSessions,
		pricing:         cfg.Pricing,
		attester:        cfg.Attester,
		transport:       cfg.Transport,
		marketplace:     mp,
		attestByDefault: cfg.AttestByDefault,
		log:             log,
		bus:             events.New(log),
		sessions:        make(map[string]*session.Session),
		unsubscribes:    make(map[string]func()),
		totalRevenue:    big.NewInt(0),
	}
	g.bus.On(events.X402PaymentReq, func(events.Event) { g.bumpX402(func(s *X402Stats) { s.PaymentsRequired++ }) })
	g.bus.On(events.X402PaymentValid, func(events.Event) { g.bumpX402(func(s *X402Stats) { s.PaymentsVerified++ }) })
	g.bus.On(events.X402PaymentSettle, func(events.Event) { g.bumpX402(func(s *X402Stats) { s.PaymentsSettled++ }) })
	g.bus.On(events.X402PaymentSent, func(events.Event) { g.bumpX402(func(s *X402Stats) { s.PaymentsSent++ }) })
	return g
}

func (g *Gateway) bumpX402(mutate func(*X402Stats)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	mutate(&g.x402Stats)
}

// On subscribes handler to eventType ("*" for every type) on the
// gateway-wide bus, which receives every session's forwarded events plus
// gateway-level events (call:*, x402:*, payment:*).
func (g *Gateway) On(eventType events.Type, handler events.Handler) func() {
	return g.bus.On(eventType, handler)
}

func (g *Gateway) validateIntent(ctx context.Context, intent Intent, verifier IntentVerifier) error {
	if intent.SellerID != g.identity {
		return gwerrors.ErrWrongSeller
	}
	if intent.MaxBudget == nil || intent.MaxBudget.Sign() <= 0 {
		return gwerrors.ErrInvalidBudget
	}
	if intent.TTLSeconds <= 0 {
		return gwerrors.ErrInvalidTTL
	}
	if time.Since(intent.CreatedAt) > time.Duration(intent.TTLSeconds)*time.Second {
		return gwerrors.ErrIntentExpired
	}
	if verifier != nil {
		if err := verifier.Verify(ctx, intent); err != nil {
			return fmt.Errorf("%w: %v", gwerrors.ErrIntentRejected, err)
		}
	}
	return nil
}

// OpenSession validates intent, resolves its tier, and creates an active
// session, forwarding the session's events onto the gateway-wide bus.
func (g *Gateway) OpenSession(ctx context.Context, intent Intent, opts OpenSessionOptions) (*session.Session, error) {
	if err := g.validateIntent(ctx, intent, opts.CustomVerifier); err != nil {
		return nil, err
	}

	tier := pricing.Tier{}
	if opts.TierOverride != nil {
		tier = *opts.TierOverride
	} else {
		t, ok := g.pricing.GetTier(intent.TierID)
		if !ok {
			return nil, gwerrors.ErrUnknownTier
		}
		tier = t
	}

	ttl := intent.TTLSeconds
	if opts.TTLOverride > 0 {
		ttl = opts.TTLOverride
	}

	id := uuid.NewString()
	sess := session.New(session.Config{
		ID:          id,
		BuyerID:     intent.BuyerID,
		SellerID:    intent.SellerID,
		Tier:        tier,
		IntentNonce: intent.Nonce,
		BudgetTotal: intent.MaxBudget,
		TTLSeconds:  ttl,
	})

	unsubscribe := sess.Bus().On(events.Wildcard, func(e events.Event) { g.bus.Emit(e) })

	// The capacity check and the slot reservation must happen under the same
	// lock acquisition: checking and inserting separately would let two
	// concurrent OpenSession calls both pass the check before either inserts.
	g.mu.Lock()
	if g.maxConcurrent > 0 && g.countOpenLocked() >= g.maxConcurrent {
		g.mu.Unlock()
		unsubscribe()
		return nil, gwerrors.ErrCapacityExceeded
	}
	g.sessions[id] = sess
	g.unsubscribes[id] = unsubscribe
	g.totalSessions++
	g.mu.Unlock()

	sess.EmitCreated()
	if err := sess.Activate(); err != nil {
		return nil, err
	}
	g.bus.Emit(events.Event{Type: events.PaymentIntent, SessionID: id, Payload: map[string]any{"nonce": intent.Nonce}})
	return sess, nil
}

// countOpenLocked counts sessions not yet in a terminal state. Must be
// called with mu held.
func (g *Gateway) countOpenLocked() int {
	n := 0
	for _, s := range g.sessions {
		if !s.IsTerminal() {
			n++
		}
	}
	return n
}

func (g *Gateway) getSessionInternal(id string) (*session.Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[id]
	return s, ok
}

// GetSession returns an immutable snapshot of a session.
func (g *Gateway) GetSession(id string) (session.Snapshot, bool) {
	s, ok := g.getSessionInternal(id)
	if !ok {
		return session.Snapshot{}, false
	}
	return s.Snapshot(), true
}

// ListSessions returns snapshots of every session, optionally filtered by
// status.
func (g *Gateway) ListSessions(statusFilter session.Status) []session.Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]session.Snapshot, 0, len(g.sessions))
	for _, s := range g.sessions {
		snap := s.Snapshot()
		if statusFilter != "" && snap.Status != statusFilter {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// PruneSessions removes sessions in a terminal status (settled or
// expired), returning the count removed.
func (g *Gateway) PruneSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for id, s := range g.sessions {
		snap := s.Snapshot()
		if snap.Status == session.StatusSettled || snap.Status == session.StatusExpired {
			delete(g.sessions, id)
			if unsub, ok := g.unsubscribes[id]; ok {
				unsub()
				delete(g.unsubscribes, id)
			}
			removed++
		}
	}
	return removed
}

// Execute runs the full per-call pipeline (spec §4.7): precall gate,
// upstream call, attestation, postcall commit, metrics, events.
func (g *Gateway) Execute(ctx context.Context, sessionID, method string, params any) (*attest.AttestedResult, error) {
	sess, ok := g.getSessionInternal(sessionID)
	if !ok {
		return nil, gwerrors.ErrSessionNotFound
	}

	g.bus.Emit(events.Event{Type: events.CallBefore, SessionID: sessionID, Payload: map[string]any{"method": method}})

	cost, callIndex, err := sess.PreCall(method)
	if err != nil {
		return nil, err
	}

	tier := sess.Tier()

	start := time.Now()
	result, slot, err := g.transport.Request(ctx, method, params)
	latencyMs := time.Since(start).Milliseconds()
	if err != nil {
		sess.Refund(cost)
		g.bus.Emit(events.Event{Type: events.CallError, SessionID: sessionID, Payload: map[string]any{"method": method, "error": err.Error()}})
		return nil, gwerrors.NewTransportError(method, err)
	}

	shouldAttest := tier.IncludesAttestation || g.attestByDefault

	var wrapped *attest.AttestedResult
	if g.attester != nil {
		wrapped, err = g.attester.WrapResult(ctx, result, sessionID, method, params, slot, latencyMs, callIndex, shouldAttest)
		if err != nil {
			sess.Refund(cost)
			return nil, err
		}
	} else {
		wrapped = &attest.AttestedResult{Result: result, LatencyMs: latencyMs, CallIndex: callIndex}
	}

	sess.PostCall(method, cost)

	g.mu.Lock()
	g.totalCallsServed++
	if wrapped.Attestation != nil {
		g.totalAttestations++
	}
	g.mu.Unlock()

	g.pricing.ReportLatency(float64(latencyMs))

	g.bus.Emit(events.Event{Type: events.CallAfter, SessionID: sessionID, Payload: map[string]any{"method": method, "latencyMs": latencyMs}})
	if wrapped.Attestation != nil {
		g.bus.Emit(events.Event{Type: events.CallAttested, SessionID: sessionID, Payload: map[string]any{"method": method}})
	}

	return wrapped, nil
}

// ExecuteBatch executes calls serially against sessionID; the first
// failure terminates the batch and is returned alongside the results
// collected so far.
func (g *Gateway) ExecuteBatch(ctx context.Context, sessionID string, calls []Call) ([]*attest.AttestedResult, error) {
	results := make([]*attest.AttestedResult, 0, len(calls))
	for _, c := range calls {
		r, err := g.Execute(ctx, sessionID, c.Method, c.Params)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

// SettleSession transitions a session to settled and returns its receipt.
// settlementKind should be "onchain" or "offchain-escrow"; txReference may
// be empty.
func (g *Gateway) SettleSession(sessionID, txReference, settlementKind string) (*Receipt, error) {
	sess, ok := g.getSessionInternal(sessionID)
	if !ok {
		return nil, gwerrors.ErrSessionNotFound
	}

	summary, err := sess.Settle()
	if err != nil {
		return nil, err
	}

	if settlementKind == "" {
		settlementKind = "offchain-escrow"
	}

	g.mu.Lock()
	g.totalRevenue.Add(g.totalRevenue, summary.AmountCharged)
	g.mu.Unlock()

	g.bus.Emit(events.Event{Type: events.PaymentSettled, SessionID: sessionID, Payload: map[string]any{"amountCharged": summary.AmountCharged.String()}})

	return &Receipt{
		IntentNonce:         sess.Snapshot().IntentNonce,
		AmountCharged:       summary.AmountCharged,
		CallCount:           summary.CallsMade,
		TxReference:         txReference,
		SettlementKind:      settlementKind,
		SettlementTimestamp: time.Now().UTC(),
	}, nil
}

// GetMetrics returns a snapshot of gateway-wide counters.
func (g *Gateway) GetMetrics() Metrics {
	g.mu.RLock()
	defer g.mu.RUnlock()

	active := 0
	for _, s := range g.sessions {
		if !s.IsTerminal() {
			active++
		}
	}

	return Metrics{
		TotalCallsServed:  g.totalCallsServed,
		TotalRevenue:      new(big.Int).Set(g.totalRevenue),
		ActiveSessions:    active,
		TotalSessions:     g.totalSessions,
		AvgLatencyMs:      g.pricing.AvgLatency(),
		TotalAttestations: g.totalAttestations,
		MarketplaceStats:  g.marketplace.Stats(),
		X402:              g.x402Stats,
	}
}

// Publish lists methods on the marketplace under this gateway's identity.
func (g *Gateway) Publish(methods []string, opts PublishOptions) {
	for _, method := range methods {
		tiers := g.pricing.TiersForMethod(method)
		description := ""
		if opts.DescriptionFn != nil {
			description = opts.DescriptionFn(method)
		}
		g.marketplace.Publish(marketplace.ToolListing{
			Method:               method,
			Description:          description,
			SellerID:             g.identity,
			Tiers:                tiers,
			AttestationAvailable: tierIncludesAttestation(tiers) || g.attestByDefault,
			Region:               opts.Region,
			CommitmentLevels:     opts.Commitments,
		})
	}
}

// PublishOptions customizes Publish.
type PublishOptions struct {
	Region        string
	Commitments   []string
	DescriptionFn func(method string) string
}

func tierIncludesAttestation(tiers []pricing.Tier) bool {
	for _, t := range tiers {
		if t.IncludesAttestation {
			return true
		}
	}
	return false
}

// PublishBundle registers a bundle on the marketplace and registers its tiers
// as a pricing override for its methods. Listings already published keep
// their tiers until they are published again.
func (g *Gateway) PublishBundle(name string, methods []string, tiers []pricing.Tier, description string) marketplace.ToolBundle {
	bundle := marketplace.ToolBundle{
		ID:            uuid.NewString(),
		Name:          name,
		Description:   description,
		Methods:       methods,
		SellerID:      g.identity,
		TierOverrides: tiers,
	}
	g.marketplace.PublishBundle(bundle)
	g.pricing.RegisterBundleOverride(methods, tiers...)
	return bundle
}

// Marketplace exposes the underlying registry for search/query operations.
func (g *Gateway) Marketplace() *marketplace.Registry { return g.marketplace }
