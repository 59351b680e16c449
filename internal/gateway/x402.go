package gateway

import (
	"context"
	"net/http"

	"github.com/r3e-network/agent-gateway/internal/events"
	"github.com/r3e-network/agent-gateway/internal/gwerrors"
	"github.com/r3e-network/agent-gateway/internal/payclient"
	"github.com/r3e-network/agent-gateway/internal/paywall"
)

// QuoteResolver maps a method to its accepted (network, asset, amount)
// quotes for the 402 paywall, falling back to gateway-wide defaults.
type QuoteResolver func(method string) []paywall.RouteQuote

// X402Config is the optional 402-protocol wiring for a Gateway. A Gateway
// with a nil Paywall never serves 402 challenges; ProcessX402Request and
// ExecuteWithX402 fail with ErrFacilitator in that case.
type X402Config struct {
	Paywall     *paywall.Paywall
	Quotes      QuoteResolver
	PayClient   *payclient.Client // used by ExecuteRemoteX402
	ResourceURL string
}

// WithX402 attaches 402-protocol support to an already-built Gateway.
func (g *Gateway) WithX402(cfg X402Config) *Gateway {
	g.x402 = &cfg
	return g
}

// ProcessX402Request runs the seller-side paywall check for method against
// the incoming headers.
func (g *Gateway) ProcessX402Request(ctx context.Context, method string, headers http.Header) (*paywall.Outcome, error) {
	if g.x402 == nil || g.x402.Paywall == nil {
		return nil, gwerrors.ErrFacilitator
	}
	var quotes []paywall.RouteQuote
	if g.x402.Quotes != nil {
		quotes = g.x402.Quotes(method)
	}
	resource := paywall.Resource{URL: g.x402.ResourceURL}

	outcome, err := g.x402.Paywall.Inspect(ctx, headers, resource, quotes)
	if err != nil {
		return nil, err
	}

	switch outcome.Kind {
	case paywall.PaymentRequiredResult:
		g.bus.Emit(events.Event{Type: events.X402PaymentReq, Payload: map[string]any{"method": method}})
	case paywall.PaymentValidResult:
		g.bus.Emit(events.Event{Type: events.X402PaymentValid, Payload: map[string]any{"method": method, "payer": outcome.Payer}})
	}
	return outcome, nil
}

// X402ExecResult is the return value of ExecuteWithX402.
type X402ExecResult struct {
	Result          any
	X402            *paywall.Outcome
	Settlement      *paywall.SettlementResponse
	ResponseHeaders http.Header
}

// ExecuteWithX402 combines a paywall check, execution, and settlement.
// When sessionID is empty, billing is purely per-call via the paywall:
// the call runs unmetered (no session budget tracking) but still produces
// an unattested wrapped result, per spec §9.
func (g *Gateway) ExecuteWithX402(ctx context.Context, sessionID, method string, params any, headers http.Header) (*X402ExecResult, error) {
	outcome, err := g.ProcessX402Request(ctx, method, headers)
	if err != nil {
		return nil, err
	}

	responseHeaders := http.Header{}
	if outcome.Kind == paywall.PaymentRequiredResult {
		responseHeaders.Set("PAYMENT-REQUIRED", outcome.ChallengeValue)
		return &X402ExecResult{X402: outcome, ResponseHeaders: responseHeaders}, nil
	}

	var result any
	if sessionID != "" {
		wrapped, err := g.Execute(ctx, sessionID, method, params)
		if err != nil {
			return nil, err
		}
		result = wrapped
	} else {
		raw, slot, err := g.transport.Request(ctx, method, params)
		if err != nil {
			return nil, gwerrors.NewTransportError(method, err)
		}
		wrapped, err := g.attester.WrapResult(ctx, raw, "", method, params, slot, 0, 0, false)
		if err != nil {
			return nil, err
		}
		result = wrapped
	}

	// A free (unpriced) method has nothing to settle.
	if outcome.Kind != paywall.PaymentValidResult {
		return &X402ExecResult{Result: result, X402: outcome, ResponseHeaders: responseHeaders}, nil
	}

	settlement, headerValue, err := g.x402.Paywall.Settle(ctx, *outcome.Payload, *outcome.Requirements)
	if err != nil {
		// Spec §4.4: settle failure is reported, but the resource is still
		// considered delivered.
		g.log.WithError(err).Warn("x402 settle failed after resource delivery")
		return &X402ExecResult{Result: result, X402: outcome, ResponseHeaders: responseHeaders}, nil
	}
	responseHeaders.Set("PAYMENT-RESPONSE", headerValue)
	g.bus.Emit(events.Event{Type: events.X402PaymentSettle, Payload: map[string]any{"method": method, "tx": settlement.TxRef}})

	return &X402ExecResult{Result: result, X402: outcome, Settlement: settlement, ResponseHeaders: responseHeaders}, nil
}

// RemoteX402Result is the return value of ExecuteRemoteX402.
type RemoteX402Result struct {
	Response       any
	PaymentOutcome *payclient.Outcome
}

// ExecuteRemoteX402 is the buyer side: it calls a remote method that may
// itself be gated by a 402 challenge, auto-paying via the configured
// payclient.Client.
func (g *Gateway) ExecuteRemoteX402(ctx context.Context, url, method string, params any) (*RemoteX402Result, error) {
	if g.x402 == nil || g.x402.PayClient == nil {
		return nil, gwerrors.ErrNoAcceptableRequirement
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}

	resp, outcome, err := g.x402.PayClient.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if outcome != nil && outcome.Paid {
		g.bus.Emit(events.Event{Type: events.X402PaymentSent, Payload: map[string]any{"method": method}})
	}

	return &RemoteX402Result{Response: resp, PaymentOutcome: outcome}, nil
}
