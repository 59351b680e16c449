package gatewaycron

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/r3e-network/agent-gateway/internal/attest"
	"github.com/r3e-network/agent-gateway/internal/cryptoutil"
	"github.com/r3e-network/agent-gateway/internal/gateway"
	"github.com/r3e-network/agent-gateway/internal/pricing"
)

type noopTransport struct{}

func (noopTransport) Request(ctx context.Context, method string, params any) (any, int64, error) {
	return 1, 0, nil
}

func TestSchedulePruningRemovesSettledSessions(t *testing.T) {
	signer, _, err := cryptoutil.NewEd25519Signer()
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	tier := pricing.Tier{ID: "std", PricePerCall: big.NewInt(10)}
	g := gateway.New(gateway.Config{
		Identity:  "gw",
		Pricing:   pricing.NewEngine(tier),
		Attester:  attest.New(signer, "a1", nil),
		Transport: noopTransport{},
	})

	intent := gateway.Intent{Nonce: "n1", SellerID: "gw", TierID: "std", MaxBudget: big.NewInt(100), CreatedAt: time.Now().UTC(), TTLSeconds: 3600}
	sess, err := g.OpenSession(context.Background(), intent, gateway.OpenSessionOptions{})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if _, err := g.SettleSession(sess.ID(), "", ""); err != nil {
		t.Fatalf("SettleSession: %v", err)
	}

	s := New(nil)
	if _, err := s.SchedulePruning("@every 50ms", g); err != nil {
		t.Fatalf("SchedulePruning: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := g.GetSession(sess.ID()); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the scheduled prune to run")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
