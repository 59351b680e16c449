// Package intentauth implements an optional JWT-backed gateway.IntentVerifier:
// a buyer presents a signed token proving it is entitled to open a session
// at the claimed tier, the way infrastructure/serviceauth issues and checks
// RS256 service-to-service bearer tokens in the teacher tree (ServiceClaims,
// ServiceTokenGenerator, jwt.ParseWithClaims), adapted here to HMAC-signed
// buyer/seller/tier/nonce claims instead of service identity.
package intentauth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/r3e-network/agent-gateway/internal/gateway"
)

// IntentClaims is the JWT payload a buyer presents alongside an Intent. The
// gateway checks it against the Intent it was handed rather than trusting
// the Intent fields alone. Embedding RegisteredClaims gives ParseWithClaims
// automatic expiry checking, mirroring infrastructure/serviceauth.ServiceClaims.
type IntentClaims struct {
	BuyerID  string `json:"buyer_id"`
	SellerID string `json:"seller_id"`
	TierID   string `json:"tier_id"`
	Nonce    string `json:"nonce"`
	jwt.RegisteredClaims
}

// Issuer signs IntentClaims tokens for buyers out-of-band (e.g. after an
// off-chain KYC or subscription check). Sellers only need Verifier; Issuer
// exists for symmetry and for tests.
type Issuer struct {
	secret []byte
	expiry time.Duration
}

// NewIssuer builds an Issuer. expiry of 0 defaults to one hour.
func NewIssuer(secret []byte, expiry time.Duration) *Issuer {
	if expiry == 0 {
		expiry = time.Hour
	}
	return &Issuer{secret: secret, expiry: expiry}
}

// IssueToken signs a token binding buyerID to a (sellerID, tierID, nonce)
// triple, matching exactly what the resulting gateway.Intent must carry.
func (iss *Issuer) IssueToken(buyerID, sellerID, tierID, nonce string) (string, error) {
	now := time.Now()
	claims := IntentClaims{
		BuyerID:  buyerID,
		SellerID: sellerID,
		TierID:   tierID,
		Nonce:    nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(iss.expiry)),
			Subject:   buyerID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(iss.secret)
}

// Verifier implements gateway.IntentVerifier by requiring a bearer token
// carried as the intent's BuyerSignature to match the intent's own fields
// exactly.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier checking tokens against secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify decodes and validates the bearer token carried as the intent's
// BuyerSignature and checks its claims match the intent under review. It
// implements gateway.IntentVerifier.
func (v *Verifier) Verify(ctx context.Context, intent gateway.Intent) error {
	if len(intent.BuyerSignature) == 0 {
		return fmt.Errorf("intentauth: intent carries no signed token")
	}
	tokenString := string(intent.BuyerSignature)

	var claims IntentClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("intentauth: invalid token: %w", err)
	}

	if claims.BuyerID != intent.BuyerID {
		return fmt.Errorf("intentauth: token buyer %q does not match intent buyer %q", claims.BuyerID, intent.BuyerID)
	}
	if claims.SellerID != intent.SellerID {
		return fmt.Errorf("intentauth: token seller %q does not match intent seller %q", claims.SellerID, intent.SellerID)
	}
	if claims.TierID != intent.TierID {
		return fmt.Errorf("intentauth: token tier %q does not match intent tier %q", claims.TierID, intent.TierID)
	}
	if claims.Nonce != intent.Nonce {
		return fmt.Errorf("intentauth: token nonce %q does not match intent nonce %q", claims.Nonce, intent.Nonce)
	}
	return nil
}
