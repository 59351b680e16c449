// Package payclient implements the buyer-side HTTP 402 payment protocol: a
// Fetch wrapper that detects a 402 challenge, selects a payment
// requirement, invokes a signer callback, and retries the request with the
// signed payment attached.
package payclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/r3e-network/agent-gateway/internal/gwerrors"
	"github.com/r3e-network/agent-gateway/internal/paywall"
)

const (
	defaultMaxRetries            = 1
	defaultRetryBackoffPerSecond = 5 // one retry attempt every 200ms, at most
)

// BudgetCheck consults the buyer's own spending policy before signing.
// Returning false aborts the payment.
type BudgetCheck func(amount, asset, network string) bool

// Signer produces a PaymentPayload for the chosen requirements.
type Signer func(ctx context.Context, reqs paywall.PaymentRequirements, resource paywall.Resource) (paywall.PaymentPayload, error)

// Selector picks one requirement out of the accepted list. The default
// selector (see DefaultSelector) filters by preference then takes the
// cheapest remaining entry.
type Selector func(accepts []paywall.PaymentRequirements) (paywall.PaymentRequirements, bool)

// Config configures a Client.
type Config struct {
	HTTPClient            *http.Client
	Selector              Selector
	BudgetCheck           BudgetCheck // optional
	Signer                Signer
	MaxRetries            int // default 1
	MaxAmountPerCall      string
	RetryBackoffPerSecond float64 // paces repeated 402 retries; default 5/s
}

// Client drives the buyer side of the 402 protocol.
type Client struct {
	httpClient       *http.Client
	selector         Selector
	budgetCheck      BudgetCheck
	signer           Signer
	maxRetries       int
	maxAmountPerCall string
	retryLimiter     *rate.Limiter

	mu     sync.Mutex
	totals map[networkAsset]int64
}

type networkAsset struct {
	network string
	asset   string
}

// New builds a Client.
func New(cfg Config) *Client {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	selector := cfg.Selector
	if selector == nil {
		prefs := SelectorPreferences{}
		if cfg.MaxAmountPerCall != "" {
			prefs.MaxAmount = &BigAmount{Amount: cfg.MaxAmountPerCall}
		}
		selector = DefaultSelector(prefs)
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoffPerSecond := cfg.RetryBackoffPerSecond
	if backoffPerSecond <= 0 {
		backoffPerSecond = defaultRetryBackoffPerSecond
	}
	return &Client{
		httpClient:       client,
		selector:         selector,
		budgetCheck:      cfg.BudgetCheck,
		signer:           cfg.Signer,
		maxRetries:       maxRetries,
		maxAmountPerCall: cfg.MaxAmountPerCall,
		retryLimiter:     rate.NewLimiter(rate.Limit(backoffPerSecond), 1),
		totals:           make(map[networkAsset]int64),
	}
}

// PaidCallCount returns how many successful payments this client has made
// for a given (network, asset) pair, per spec §4.5 step 8.
func (c *Client) PaidCallCount(network, asset string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals[networkAsset{network: network, asset: asset}]
}

func (c *Client) recordPaid(network, asset string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals[networkAsset{network: network, asset: asset}]++
}

// SelectorPreferences parameterizes DefaultSelector.
type SelectorPreferences struct {
	PreferredNetwork string
	PreferredAsset   string
	MaxAmount        *BigAmount
}

// BigAmount compares decimal-string atomic-unit amounts without floating
// point. Amount is the decimal string as it appears on the wire.
type BigAmount struct {
	Amount string
}

// DefaultSelector filters accepts[] by the optional preferred network,
// preferred asset, and max per-call amount, then returns the entry with the
// lowest amount; ties keep the first (insertion-order) match.
func DefaultSelector(prefs SelectorPreferences) Selector {
	return func(accepts []paywall.PaymentRequirements) (paywall.PaymentRequirements, bool) {
		var candidates []paywall.PaymentRequirements
		for _, r := range accepts {
			if prefs.PreferredNetwork != "" && r.Network != prefs.PreferredNetwork {
				continue
			}
			if prefs.PreferredAsset != "" && r.Asset != prefs.PreferredAsset {
				continue
			}
			if prefs.MaxAmount != nil && compareDecimal(r.Amount, prefs.MaxAmount.Amount) > 0 {
				continue
			}
			candidates = append(candidates, r)
		}
		if len(candidates) == 0 {
			return paywall.PaymentRequirements{}, false
		}

		best := candidates[0]
		for _, c := range candidates[1:] {
			if compareDecimal(c.Amount, best.Amount) < 0 {
				best = c
			}
		}
		return best, true
	}
}

// compareDecimal compares two non-negative decimal-string integers without
// parsing into a fixed-width type, matching canonjson's big-integer
// representation. Returns -1, 0, or 1.
func compareDecimal(a, b string) int {
	a, b = trimLeadingZeros(a), trimLeadingZeros(b)
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func trimLeadingZeros(s string) string {
	i := 0
	for i < len(s)-1 && s[i] == '0' {
		i++
	}
	return s[i:]
}

// Outcome describes what happened to a request that hit the 402 protocol.
type Outcome struct {
	Paid        bool
	Requirement paywall.PaymentRequirements
	Settlement  *paywall.SettlementResponse // nil if the seller didn't return PAYMENT-RESPONSE
}

// Fetch performs req; if the response is not 402 it is returned verbatim
// with a nil Outcome. Otherwise it runs the 402 algorithm: select a
// requirement, check the buyer's budget policy, invoke the signer, and
// retry with the signed payment attached, up to maxRetries additional 402s.
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*http.Response, *Outcome, error) {
	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("payclient: request failed: %w", err)
	}

	attempt := 0
	for resp.StatusCode == http.StatusPaymentRequired {
		if attempt > 0 {
			// A prior signed retry was still rejected; pace further attempts
			// instead of hammering the seller.
			if err := c.retryLimiter.Wait(ctx); err != nil {
				return nil, nil, fmt.Errorf("payclient: retry backoff: %w", err)
			}
		}

		challenge, err := decodeChallenge(resp)
		resp.Body.Close()
		if err != nil {
			return nil, nil, err
		}

		reqs, ok := c.selector(challenge.Accepts)
		if !ok {
			return nil, nil, gwerrors.ErrNoAcceptableRequirement
		}

		if c.maxAmountPerCall != "" && compareDecimal(reqs.Amount, c.maxAmountPerCall) > 0 {
			return nil, nil, gwerrors.ErrNoAcceptableRequirement
		}

		if c.budgetCheck != nil && !c.budgetCheck(reqs.Amount, reqs.Asset, reqs.Network) {
			return nil, nil, gwerrors.ErrNoAcceptableRequirement
		}

		payload, err := c.signer(ctx, reqs, challenge.Resource)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", gwerrors.ErrSigningFailed, err)
		}

		sigValue, err := paywall.EncodeHeader(payload)
		if err != nil {
			return nil, nil, err
		}

		retryReq := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, nil, fmt.Errorf("payclient: rebuild request body: %w", err)
			}
			retryReq.Body = body
		}
		retryReq.Header.Set("PAYMENT-SIGNATURE", sigValue)

		resp, err = c.httpClient.Do(retryReq)
		if err != nil {
			return nil, nil, fmt.Errorf("payclient: retry request failed: %w", err)
		}

		if resp.StatusCode == http.StatusPaymentRequired {
			attempt++
			if attempt > c.maxRetries {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
				resp.Body.Close()
				return nil, nil, gwerrors.NewRetryError(resp.StatusCode, string(body))
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			return nil, nil, gwerrors.NewRetryError(resp.StatusCode, string(body))
		}

		c.recordPaid(reqs.Network, reqs.Asset)

		outcome := &Outcome{Paid: true, Requirement: reqs}
		if respValue := paywall.HeaderValue(resp.Header, "PAYMENT-RESPONSE"); respValue != "" {
			var settlement paywall.SettlementResponse
			if err := paywall.DecodeHeader(respValue, &settlement); err == nil {
				outcome.Settlement = &settlement
			}
		}
		return resp, outcome, nil
	}

	return resp, nil, nil
}

func decodeChallenge(resp *http.Response) (*paywall.PaymentRequired, error) {
	headerValue := paywall.HeaderValue(resp.Header, "PAYMENT-REQUIRED")
	var challenge paywall.PaymentRequired
	if headerValue != "" {
		if err := paywall.DecodeHeader(headerValue, &challenge); err != nil {
			return nil, err
		}
		return &challenge, nil
	}

	// Fallback: some sellers put the challenge in the response body instead
	// of a header.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("payclient: read 402 body: %w", err)
	}
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, fmt.Errorf("%w: %v", gwerrors.ErrMalformedPayment, err)
	}
	return &challenge, nil
}
