// Package paywall implements the seller-side HTTP 402 payment protocol: it
// turns an incoming request's headers into one of no-payment-needed,
// payment-required, or payment-valid, and talks to a facilitator HTTP
// service to verify and settle payments.
//
// The outbound HTTP client is throttled with golang.org/x/time/rate, the
// same client-wrapping idiom the teacher uses for its rate-limited upstream
// clients, rather than a bespoke retry loop.
package paywall

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/r3e-network/agent-gateway/internal/gwerrors"
)

const (
	protocolVersion       = 2
	headerPaymentRequired = "PAYMENT-REQUIRED"
	headerPaymentSig      = "PAYMENT-SIGNATURE"
	headerPaymentResponse = "PAYMENT-RESPONSE"

	// schemeExact is the only payment scheme a RouteQuote can produce today;
	// matchRequirement still checks it explicitly against the submitted
	// payload so a future multi-scheme seller can't be matched against the
	// wrong one.
	schemeExact = "exact"

	defaultFacilitatorTimeout = 30 * time.Second
)

// Resource describes what the 402 challenge is gating.
type Resource struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequirements is one acceptable way to pay for a resource.
type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	Asset             string         `json:"asset"`
	Amount            string         `json:"amount"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// PaymentRequired is the challenge object, encoded as base64(JSON) into the
// PAYMENT-REQUIRED header.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Resource    Resource              `json:"resource"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Extensions  map[string]any        `json:"extensions,omitempty"`
}

// PaymentPayload is the buyer's submitted payment, encoded as base64(JSON)
// into the PAYMENT-SIGNATURE header.
type PaymentPayload struct {
	X402Version int                 `json:"x402Version"`
	Resource    *Resource           `json:"resource,omitempty"`
	Accepted    PaymentRequirements `json:"accepted"`
	Payload     map[string]any      `json:"payload"`
	Extensions  map[string]any      `json:"extensions,omitempty"`
}

// SettlementResponse is encoded into the PAYMENT-RESPONSE header after a
// successful settle call.
type SettlementResponse struct {
	Success bool   `json:"success"`
	TxRef   string `json:"transaction"`
	Network string `json:"network"`
	Payer   string `json:"payer,omitempty"`
}

// Outcome is the seller-side verdict of inspecting an incoming request.
type Outcome struct {
	Kind ResultKind

	// Populated when Kind == PaymentRequiredResult.
	Challenge      *PaymentRequired
	ChallengeValue string // base64(JSON), ready to set on PAYMENT-REQUIRED

	// Populated when Kind == PaymentValidResult.
	Payload      *PaymentPayload
	Requirements *PaymentRequirements
	Payer        string
}

// ResultKind enumerates the three paywall verdicts.
type ResultKind string

const (
	NoPaymentNeeded       ResultKind = "no-payment-needed"
	PaymentRequiredResult ResultKind = "payment-required"
	PaymentValidResult    ResultKind = "payment-valid"
)

// RouteQuote is what the fee schedule resolves a method to.
type RouteQuote struct {
	Network           string
	Asset             string
	Amount            string
	PayTo             string
	MaxTimeoutSeconds int
	Extra             map[string]any
}

// FeeSchedule resolves a method (and optional bundle) to the accepted
// payment quotes for it, falling back to gateway defaults.
type FeeSchedule interface {
	QuotesForMethod(method string) []RouteQuote
}

// Verifier is a local, non-facilitator payment verification hook.
type Verifier interface {
	Verify(ctx context.Context, payload PaymentPayload, reqs PaymentRequirements) (valid bool, payer string, invalidReason string, err error)
}

// AuthHeaderFactory produces an Authorization (or custom) header value for
// facilitator calls. A nil factory means no auth header is sent.
type AuthHeaderFactory func() (name, value string)

// Config configures a Paywall.
type Config struct {
	FacilitatorBaseURL string
	HTTPClient         *http.Client
	Timeout            time.Duration
	AuthHeader         AuthHeaderFactory
	Verifier           Verifier // optional local verifier, bypasses the facilitator /verify call

	// RateLimit throttles outbound facilitator calls. Zero disables throttling.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Paywall implements the seller side of the 402 protocol for one resource
// scheme ("exact").
type Paywall struct {
	facilitatorBaseURL string
	httpClient         *http.Client
	timeout            time.Duration
	authHeader         AuthHeaderFactory
	verifier           Verifier
	limiter            *rate.Limiter
}

// New builds a Paywall from cfg.
func New(cfg Config) *Paywall {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFacilitatorTimeout
	}

	var limiter *rate.Limiter
	if cfg.RateLimitPerSecond > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), burst)
	}

	return &Paywall{
		facilitatorBaseURL: strings.TrimRight(cfg.FacilitatorBaseURL, "/"),
		httpClient:         client,
		timeout:            timeout,
		authHeader:         cfg.AuthHeader,
		verifier:           cfg.Verifier,
		limiter:            limiter,
	}
}

// BuildChallenge constructs a PaymentRequired challenge for resource from
// the given quotes, one PaymentRequirements entry per quote.
func BuildChallenge(resource Resource, quotes []RouteQuote) *PaymentRequired {
	accepts := make([]PaymentRequirements, 0, len(quotes))
	for _, q := range quotes {
		accepts = append(accepts, PaymentRequirements{
			Scheme:            schemeExact,
			Network:           q.Network,
			Asset:             q.Asset,
			Amount:            q.Amount,
			PayTo:             q.PayTo,
			MaxTimeoutSeconds: q.MaxTimeoutSeconds,
			Extra:             q.Extra,
		})
	}
	return &PaymentRequired{
		X402Version: protocolVersion,
		Resource:    resource,
		Accepts:     accepts,
	}
}

// EncodeHeader base64(JSON)-encodes v for use as an HTTP header value.
func EncodeHeader(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("paywall: encode header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHeader reverses EncodeHeader into v.
func DecodeHeader(value string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("%w: %v", gwerrors.ErrMalformedPayment, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", gwerrors.ErrMalformedPayment, err)
	}
	return nil
}

// HeaderValue does a case-insensitive lookup of name in headers, also
// tolerating an all-lowercase variant.
func HeaderValue(headers http.Header, name string) string {
	if v := headers.Get(name); v != "" {
		return v
	}
	if vs := headers[strings.ToLower(name)]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Inspect implements the verify path: a method with no configured quotes is
// not behind the paywall at all and returns no-payment-needed; otherwise it
// returns payment-required if no valid signature header is present or it
// fails verification, and payment-valid otherwise.
func (p *Paywall) Inspect(ctx context.Context, headers http.Header, resource Resource, quotes []RouteQuote) (*Outcome, error) {
	if len(quotes) == 0 {
		return &Outcome{Kind: NoPaymentNeeded}, nil
	}

	sigValue := HeaderValue(headers, headerPaymentSig)
	if sigValue == "" {
		return p.challengeOutcome(resource, quotes, "")
	}

	var payload PaymentPayload
	if err := DecodeHeader(sigValue, &payload); err != nil {
		return p.challengeOutcome(resource, quotes, "malformed payment header")
	}

	reqs, ok := matchRequirement(payload.Accepted, quotes)
	if !ok {
		return p.challengeOutcome(resource, quotes, "no acceptable payment requirement")
	}

	valid, payer, invalidReason, err := p.verify(ctx, payload, reqs)
	if err != nil {
		return nil, err
	}
	if !valid {
		return p.challengeOutcome(resource, quotes, invalidReason)
	}

	return &Outcome{
		Kind:         PaymentValidResult,
		Payload:      &payload,
		Requirements: &reqs,
		Payer:        payer,
	}, nil
}

func (p *Paywall) challengeOutcome(resource Resource, quotes []RouteQuote, reason string) (*Outcome, error) {
	challenge := BuildChallenge(resource, quotes)
	if reason != "" {
		challenge.Error = reason
	}
	value, err := EncodeHeader(challenge)
	if err != nil {
		return nil, err
	}
	return &Outcome{Kind: PaymentRequiredResult, Challenge: challenge, ChallengeValue: value}, nil
}

// matchRequirement finds the seller-side quote backing a submitted payment's
// accepted requirement. Spec §4.4's matching key is (scheme, network,
// asset); quotes are always offered under schemeExact, so a payload
// claiming any other scheme for the same network/asset can never match.
func matchRequirement(accepted PaymentRequirements, quotes []RouteQuote) (PaymentRequirements, bool) {
	if accepted.Scheme != schemeExact {
		return PaymentRequirements{}, false
	}
	for _, q := range quotes {
		if q.Network == accepted.Network && q.Asset == accepted.Asset {
			return PaymentRequirements{
				Scheme:            schemeExact,
				Network:           q.Network,
				Asset:             q.Asset,
				Amount:            q.Amount,
				PayTo:             q.PayTo,
				MaxTimeoutSeconds: q.MaxTimeoutSeconds,
				Extra:             q.Extra,
			}, true
		}
	}
	return PaymentRequirements{}, false
}

func (p *Paywall) verify(ctx context.Context, payload PaymentPayload, reqs PaymentRequirements) (valid bool, payer, invalidReason string, err error) {
	if p.verifier != nil {
		return p.verifier.Verify(ctx, payload, reqs)
	}

	var resp struct {
		IsValid       bool   `json:"isValid"`
		InvalidReason string `json:"invalidReason"`
		Payer         string `json:"payer"`
	}
	if err := p.callFacilitator(ctx, "/verify", map[string]any{
		"payload":      payload,
		"requirements": reqs,
	}, &resp); err != nil {
		return false, "", "", err
	}
	return resp.IsValid, resp.Payer, resp.InvalidReason, nil
}

// Settle calls the facilitator's settle endpoint for an already-verified
// payment and returns the PAYMENT-RESPONSE header value to set, along with
// the decoded settlement descriptor. A settle failure is returned as an
// error; the resource is still considered delivered by the caller.
func (p *Paywall) Settle(ctx context.Context, payload PaymentPayload, reqs PaymentRequirements) (*SettlementResponse, string, error) {
	var resp struct {
		Success     bool   `json:"success"`
		ErrorReason string `json:"errorReason"`
		Payer       string `json:"payer"`
		Transaction string `json:"transaction"`
		Network     string `json:"network"`
	}
	if err := p.callFacilitator(ctx, "/settle", map[string]any{
		"payload":      payload,
		"requirements": reqs,
	}, &resp); err != nil {
		return nil, "", err
	}
	if !resp.Success {
		return nil, "", gwerrors.NewFacilitatorError("/settle", 0, resp.ErrorReason)
	}

	settlement := &SettlementResponse{
		Success: true,
		TxRef:   resp.Transaction,
		Network: resp.Network,
		Payer:   resp.Payer,
	}
	value, err := EncodeHeader(settlement)
	if err != nil {
		return nil, "", err
	}
	return settlement, value, nil
}

// Supported queries the facilitator's /supported endpoint.
func (p *Paywall) Supported(ctx context.Context) ([]map[string]any, error) {
	var resp struct {
		Kinds []map[string]any `json:"kinds"`
	}
	if err := p.callFacilitator(ctx, "/supported", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Kinds, nil
}

func (p *Paywall) callFacilitator(ctx context.Context, path string, body any, out any) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", gwerrors.ErrFacilitator, err)
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("paywall: encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.facilitatorBaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("paywall: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.authHeader != nil {
		name, value := p.authHeader()
		if name != "" {
			req.Header.Set(name, value)
		}
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return gwerrors.NewFacilitatorError(path, 0, err.Error())
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gwerrors.NewFacilitatorError(path, resp.StatusCode, string(bodyBytes))
	}
	if out != nil {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("paywall: decode response: %w", err)
		}
	}
	return nil
}
