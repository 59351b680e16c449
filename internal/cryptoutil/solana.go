package cryptoutil

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// Friendly network identifiers used in PaymentRequirements.network. The x402
// ecosystem favors these short cluster labels over a strict CAIP-2
// namespace:reference pair in practice; CAIP2 below builds the strict form
// for callers that need it.
const (
	NetworkSolanaMainnet = "solana-mainnet"
	NetworkSolanaDevnet  = "solana-devnet"
)

// Native SOL and common stablecoin mint addresses used as PaymentRequirements.asset.
const (
	AssetNativeSOL   = "11111111111111111111111111111111"
	AssetUSDCDevnet  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
	AssetUSDCMainnet = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// CAIP2 builds a strict "namespace:reference" network identifier.
func CAIP2(namespace, reference string) string {
	return namespace + ":" + reference
}

// ValidatePublicKey checks that s decodes as base58 and as a valid Solana
// public key, returning the parsed key.
func ValidatePublicKey(s string) (solana.PublicKey, error) {
	if _, err := base58.Decode(s); err != nil {
		return solana.PublicKey{}, fmt.Errorf("cryptoutil: invalid base58: %w", err)
	}
	pub, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("cryptoutil: invalid public key: %w", err)
	}
	return pub, nil
}
