// Package attest implements the response attestation pipeline: canonical
// hashing of a call's request/response pair and signing via a pluggable
// Signer.
package attest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/r3e-network/agent-gateway/internal/canonjson"
	"github.com/r3e-network/agent-gateway/internal/cryptoutil"
	"github.com/r3e-network/agent-gateway/internal/obslog"
)

// Attestation binds a method invocation, its parameters, and its response to
// an attester identity.
type Attestation struct {
	SessionID    string
	Method       string
	RequestHash  string // hex-encoded SHA-256 of canonical params
	ResponseHash string // hex-encoded SHA-256 of canonical result
	Slot         int64
	AttesterID   string
	Signature    []byte
	Timestamp    time.Time
}

// AttestedResult wraps a raw upstream result with optional attestation,
// observed latency, and the call's 1-based sequence number within its session.
type AttestedResult struct {
	Result      any
	Attestation *Attestation // nil when attestation was not produced
	LatencyMs   int64
	CallIndex   int64
}

// Attester produces attestations when policy requires one.
type Attester struct {
	signer     cryptoutil.Signer
	attesterID string
	log        *obslog.Logger
}

// New builds an Attester. A nil signer means attestations are never produced
// regardless of shouldAttest.
func New(signer cryptoutil.Signer, attesterID string, log *obslog.Logger) *Attester {
	if log == nil {
		log = obslog.NewDefault("attest")
	}
	return &Attester{signer: signer, attesterID: attesterID, log: log}
}

// WrapResult always returns an AttestedResult. When shouldAttest is true and
// a signer is configured, it additionally computes and signs an attestation;
// a signer failure is logged and leaves Attestation nil rather than failing
// the call — per spec, signer failure is not fatal to the call.
func (a *Attester) WrapResult(ctx context.Context, result any, sessionID, method string, params any, slot int64, latencyMs int64, callIndex int64, shouldAttest bool) (*AttestedResult, error) {
	wrapped := &AttestedResult{
		Result:    result,
		LatencyMs: latencyMs,
		CallIndex: callIndex,
	}

	if !shouldAttest || a.signer == nil {
		return wrapped, nil
	}

	requestHash, err := hashCanonical(params)
	if err != nil {
		return nil, fmt.Errorf("attest: hash request: %w", err)
	}
	responseHash, err := hashCanonical(result)
	if err != nil {
		return nil, fmt.Errorf("attest: hash response: %w", err)
	}

	message := []byte(method + requestHash + responseHash + fmt.Sprintf("%d", slot))
	signature, err := a.signer.Sign(ctx, message)
	if err != nil {
		a.log.WithField("session_id", sessionID).
			WithField("method", method).
			WithError(err).
			Warn("attestation signer failed; returning unattested result")
		return wrapped, nil
	}

	wrapped.Attestation = &Attestation{
		SessionID:    sessionID,
		Method:       method,
		RequestHash:  requestHash,
		ResponseHash: responseHash,
		Slot:         slot,
		AttesterID:   a.attesterID,
		Signature:    signature,
		Timestamp:    time.Now().UTC(),
	}
	return wrapped, nil
}

func hashCanonical(v any) (string, error) {
	canonical, err := canonjson.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
