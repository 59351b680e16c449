// Command gatewaydemo wires a Gateway end to end against a stub upstream
// transport and walks it through opening a session, executing a few calls,
// and settling — the minimal shape every integrator starts from. It is not
// an HTTP server; serving the gateway over the network is left to the
// integrator (spec non-goal: HTTP server plumbing).
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/r3e-network/agent-gateway/internal/attest"
	"github.com/r3e-network/agent-gateway/internal/cryptoutil"
	"github.com/r3e-network/agent-gateway/internal/events"
	"github.com/r3e-network/agent-gateway/internal/gateway"
	"github.com/r3e-network/agent-gateway/internal/gatewaycron"
	"github.com/r3e-network/agent-gateway/internal/marketplace"
	"github.com/r3e-network/agent-gateway/internal/obslog"
	"github.com/r3e-network/agent-gateway/internal/obsmetrics"
	"github.com/r3e-network/agent-gateway/internal/pricing"
)

// echoTransport stands in for a real RPC upstream: it just echoes params
// back as the result with a fixed slot.
type echoTransport struct{}

func (echoTransport) Request(ctx context.Context, method string, params any) (any, int64, error) {
	return map[string]any{"method": method, "echo": params}, 42, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gatewaydemo:", err)
		os.Exit(1)
	}
}

func run() error {
	log := obslog.NewDefault("gatewaydemo")

	signer, pubKey, err := cryptoutil.NewEd25519Signer()
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	log.WithField("attester_pubkey", pubKey).Info("generated attester keypair")

	standard := pricing.Tier{
		ID:                  "standard",
		Label:               "Standard",
		PricePerCall:        big.NewInt(100),
		MaxCallsPerSession:  1000,
		RateLimitPerSecond:  50,
		Token:               pricing.Token{Symbol: "USDC"},
		IncludesAttestation: true,
	}
	pricingEngine := pricing.NewEngine(standard)

	gw := gateway.New(gateway.Config{
		Identity:        "demo-gateway",
		Pricing:         pricingEngine,
		Attester:        attest.New(signer, "demo-attester", log),
		Transport:       echoTransport{},
		Marketplace:     marketplace.New(),
		AttestByDefault: true,
		Log:             log,
	})

	gw.On(events.Wildcard, func(evt events.Event) {
		log.WithFields(map[string]any{"event": string(evt.Type), "session": evt.SessionID}).Debug("gateway event")
	})

	gw.Publish([]string{"quote.get", "swap.execute"}, gateway.PublishOptions{
		Region:        "us-east",
		DescriptionFn: func(method string) string { return "Demo DEX quoting and swap execution: " + method },
	})

	registry := prometheus.NewRegistry()
	collectors := obsmetrics.NewCollectors(registry)

	scheduler := gatewaycron.New(log)
	if _, err := scheduler.SchedulePruning("@every 1m", gw); err != nil {
		return fmt.Errorf("schedule pruning: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	ctx := context.Background()
	intent := gateway.Intent{
		Nonce:      "demo-nonce-1",
		BuyerID:    "demo-buyer",
		SellerID:   "demo-gateway",
		TierID:     "standard",
		MaxBudget:  big.NewInt(10_000),
		CreatedAt:  time.Now().UTC(),
		TTLSeconds: 3600,
	}

	sess, err := gw.OpenSession(ctx, intent, gateway.OpenSessionOptions{})
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	log.WithField("session_id", sess.ID()).Info("session opened")

	for i := 0; i < 3; i++ {
		result, err := gw.Execute(ctx, sess.ID(), "quote.get", map[string]any{"pair": "SOL/USDC"})
		if err != nil {
			return fmt.Errorf("execute call %d: %w", i, err)
		}
		log.WithFields(map[string]any{"call_index": result.CallIndex, "attested": result.Attestation != nil}).Info("call completed")
	}

	receipt, err := gw.SettleSession(sess.ID(), "demo-tx-ref", "offchain-escrow")
	if err != nil {
		return fmt.Errorf("settle session: %w", err)
	}
	log.WithFields(map[string]any{"amount_charged": receipt.AmountCharged.String(), "calls": receipt.CallCount}).Info("session settled")

	collectors.Sample(gw)
	metrics := gw.GetMetrics()
	log.WithFields(map[string]any{"total_calls": metrics.TotalCallsServed, "total_revenue": metrics.TotalRevenue.String()}).Info("gateway metrics snapshot")

	return nil
}
