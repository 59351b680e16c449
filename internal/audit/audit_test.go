package audit

import (
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/r3e-network/agent-gateway/internal/attest"
	"github.com/r3e-network/agent-gateway/internal/gateway"
)

func TestRecordSettlementQueryShape(t *testing.T) {
	receipt := &gateway.Receipt{
		IntentNonce:         "nonce-1",
		AmountCharged:       big.NewInt(700),
		CallCount:           7,
		TxReference:         "tx-1",
		SettlementKind:      "onchain",
		SettlementTimestamp: time.Unix(0, 0).UTC(),
	}

	query, args := recordSettlementQuery("gateway_settlements", "sess-1", receipt)

	if !strings.Contains(query, "INSERT INTO gateway_settlements") {
		t.Errorf("expected insert into gateway_settlements, got %q", query)
	}
	if !strings.Contains(query, "ON CONFLICT (session_id) DO UPDATE") {
		t.Errorf("expected upsert on session_id, got %q", query)
	}
	if len(args) != 7 {
		t.Fatalf("expected 7 args, got %d: %v", len(args), args)
	}
	if args[0] != "sess-1" || args[1] != "nonce-1" || args[2] != "700" || args[3] != int64(7) {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestRecordAttestationQueryShape(t *testing.T) {
	ar := &attest.AttestedResult{
		CallIndex: 3,
		Attestation: &attest.Attestation{
			SessionID:    "sess-1",
			Method:       "m1",
			RequestHash:  "req-hash",
			ResponseHash: "resp-hash",
			Signature:    []byte{1, 2, 3},
			AttesterID:   "attester-1",
			Timestamp:    time.Unix(0, 0).UTC(),
		},
	}

	query, args := recordAttestationQuery("gateway_attestations", ar)

	if !strings.Contains(query, "INSERT INTO gateway_attestations") {
		t.Errorf("expected insert into gateway_attestations, got %q", query)
	}
	if !strings.Contains(query, "DO NOTHING") {
		t.Errorf("expected append-only insert, got %q", query)
	}
	if len(args) != 8 {
		t.Fatalf("expected 8 args, got %d: %v", len(args), args)
	}
	if args[0] != "sess-1" || args[1] != int64(3) || args[2] != "m1" {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestRecordAttestationSkipsUnattestedResults(t *testing.T) {
	s := &Store{attestationsTbl: "gateway_attestations"}
	ar := &attest.AttestedResult{CallIndex: 1}
	if err := s.RecordAttestation(nil, ar); err != nil {
		t.Fatalf("expected nil attestation to be a no-op, got %v", err)
	}
}
