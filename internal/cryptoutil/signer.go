// Package cryptoutil holds the pluggable attestation Signer contract and the
// Solana-class network/asset identifiers used by the 402 payment surfaces.
package cryptoutil

import (
	"context"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/ed25519"
)

// Signer maps a message to a signature. Implementations may suspend (make a
// remote KMS call, for instance), hence the context parameter.
type Signer interface {
	Sign(ctx context.Context, message []byte) ([]byte, error)
}

// Ed25519Signer is the default Signer, backed by an in-process private key.
type Ed25519Signer struct {
	privateKey ed25519.PrivateKey
}

// NewEd25519Signer generates a fresh ed25519 keypair and returns a Signer
// over it along with the public key for advertising in listings.
func NewEd25519Signer() (*Ed25519Signer, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptoutil: generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{privateKey: priv}, pub, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{privateKey: priv}
}

// Sign implements Signer.
func (s *Ed25519Signer) Sign(_ context.Context, message []byte) ([]byte, error) {
	if s == nil || len(s.privateKey) == 0 {
		return nil, fmt.Errorf("cryptoutil: signer not configured")
	}
	return ed25519.Sign(s.privateKey, message), nil
}
