package payclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/r3e-network/agent-gateway/internal/paywall"
)

func challenge() *paywall.PaymentRequired {
	return &paywall.PaymentRequired{
		X402Version: 2,
		Resource:    paywall.Resource{URL: "/thing"},
		Accepts: []paywall.PaymentRequirements{
			{Scheme: "exact", Network: "solana:devnet", Asset: "USDC", Amount: "2000", PayTo: "Seller"},
			{Scheme: "exact", Network: "solana:devnet", Asset: "SOL", Amount: "500", PayTo: "Seller"},
		},
	}
}

func TestDefaultSelectorPicksCheapest(t *testing.T) {
	selector := DefaultSelector(SelectorPreferences{})
	chosen, ok := selector(challenge().Accepts)
	if !ok {
		t.Fatal("expected a selection")
	}
	if chosen.Asset != "SOL" {
		t.Errorf("expected the cheaper SOL entry, got %s", chosen.Asset)
	}
}

func TestDefaultSelectorHonorsPreferredAsset(t *testing.T) {
	selector := DefaultSelector(SelectorPreferences{PreferredAsset: "USDC"})
	chosen, ok := selector(challenge().Accepts)
	if !ok {
		t.Fatal("expected a selection")
	}
	if chosen.Asset != "USDC" {
		t.Errorf("expected USDC, got %s", chosen.Asset)
	}
}

func TestFetchPassesThroughNon402(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{})
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, outcome, err := c.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if outcome != nil {
		t.Error("expected no payment outcome for a non-402 response")
	}
}

func TestFetchPaysAndRetriesOn402(t *testing.T) {
	var sawSignature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig := r.Header.Get("PAYMENT-SIGNATURE")
		if sig == "" {
			value, err := paywall.EncodeHeader(challenge())
			if err != nil {
				t.Fatalf("EncodeHeader: %v", err)
			}
			w.Header().Set("PAYMENT-REQUIRED", value)
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		sawSignature = sig
		settlement := paywall.SettlementResponse{Success: true, TxRef: "tx1", Network: "solana:devnet"}
		value, _ := paywall.EncodeHeader(settlement)
		w.Header().Set("PAYMENT-RESPONSE", value)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	signed := false
	c := New(Config{
		Signer: func(ctx context.Context, reqs paywall.PaymentRequirements, resource paywall.Resource) (paywall.PaymentPayload, error) {
			signed = true
			return paywall.PaymentPayload{X402Version: 2, Accepted: reqs, Payload: map[string]any{"sig": "deadbeef"}}, nil
		},
	})

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, outcome, err := c.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !signed {
		t.Error("expected the signer to be invoked")
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after paying, got %d", resp.StatusCode)
	}
	if outcome == nil || !outcome.Paid {
		t.Fatal("expected a paid outcome")
	}
	if outcome.Settlement == nil || outcome.Settlement.TxRef != "tx1" {
		t.Error("expected a decoded settlement descriptor")
	}
	if sawSignature == "" {
		t.Error("expected the retried request to carry a PAYMENT-SIGNATURE header")
	}
	if got := c.PaidCallCount("solana:devnet", "SOL"); got != 1 {
		t.Errorf("expected one paid call recorded for (solana:devnet, SOL), got %d", got)
	}
}

func TestFetchAbortsWhenBudgetCheckRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value, _ := paywall.EncodeHeader(challenge())
		w.Header().Set("PAYMENT-REQUIRED", value)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := New(Config{
		BudgetCheck: func(amount, asset, network string) bool { return false },
		Signer: func(ctx context.Context, reqs paywall.PaymentRequirements, resource paywall.Resource) (paywall.PaymentPayload, error) {
			t.Fatal("signer should not be invoked when the budget check rejects")
			return paywall.PaymentPayload{}, nil
		},
	})

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, _, err := c.Fetch(context.Background(), req); err == nil {
		t.Fatal("expected an error when the budget check rejects")
	}
}

func TestFetchAbortsWhenRequirementExceedsMaxAmountPerCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value, _ := paywall.EncodeHeader(challenge())
		w.Header().Set("PAYMENT-REQUIRED", value)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := New(Config{
		MaxAmountPerCall: "100", // below both offered amounts (2000, 500)
		Signer: func(ctx context.Context, reqs paywall.PaymentRequirements, resource paywall.Resource) (paywall.PaymentPayload, error) {
			t.Fatal("signer should not be invoked when every requirement exceeds the per-call cap")
			return paywall.PaymentPayload{}, nil
		},
	})

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, _, err := c.Fetch(context.Background(), req); err == nil {
		t.Fatal("expected an error when the cheapest requirement still exceeds MaxAmountPerCall")
	}
}

func TestFetchPacesRepeatedRetriesWithoutBlockingFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value, _ := paywall.EncodeHeader(challenge())
		w.Header().Set("PAYMENT-REQUIRED", value)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := New(Config{
		MaxRetries:            1,
		RetryBackoffPerSecond: 1000, // fast enough that the test doesn't actually sleep
		Signer: func(ctx context.Context, reqs paywall.PaymentRequirements, resource paywall.Resource) (paywall.PaymentPayload, error) {
			return paywall.PaymentPayload{X402Version: 2, Accepted: reqs, Payload: map[string]any{}}, nil
		},
	})

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	start := time.Now()
	if _, _, err := c.Fetch(context.Background(), req); err == nil {
		t.Fatal("expected a retry-exhausted error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected the burst token to cover the first retry without blocking, took %s", elapsed)
	}
}

func TestFetchFailsAfterRetryExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value, _ := paywall.EncodeHeader(challenge())
		w.Header().Set("PAYMENT-REQUIRED", value)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := New(Config{
		MaxRetries: 1,
		Signer: func(ctx context.Context, reqs paywall.PaymentRequirements, resource paywall.Resource) (paywall.PaymentPayload, error) {
			return paywall.PaymentPayload{X402Version: 2, Accepted: reqs, Payload: map[string]any{}}, nil
		},
	})

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, _, err := c.Fetch(context.Background(), req); err == nil {
		t.Fatal("expected a retry-exhausted error")
	}
}
