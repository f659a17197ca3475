// Package secure issues and checks the credentials used by the HTTP surface:
// per-call tokens for WebSocket observers and the shared API key.
package secure

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"sipgateway/call"
)

// ErrInvalidToken is returned for malformed, forged or expired call tokens.
var ErrInvalidToken = errors.New("invalid call token")

const issuer = "call"

// CallClaims are the private claims of a call token.
type CallClaims struct {
	Direction call.Direction `json:"direction"`
	CallID    string         `json:"call_id"`
}

// Tokens signs call tokens with HS256.
type Tokens struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewTokens derives the signing key from secret.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	key := sha256.Sum256([]byte(secret))
	return &Tokens{key: key[:], ttl: ttl, now: time.Now}
}

// Issue returns a token granting access to one call.
func (t *Tokens) Issue(dir call.Direction, callID string) (string, error) {
	sig, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: t.key},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", err
	}
	now := t.now()
	std := jwt.Claims{
		Issuer:   issuer,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(t.ttl)),
	}
	return jwt.Signed(sig).Claims(std).Claims(CallClaims{Direction: dir, CallID: callID}).Serialize()
}

// Verify checks signature, issuer and expiry and returns the call claims.
func (t *Tokens) Verify(token string) (CallClaims, error) {
	var claims CallClaims
	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return claims, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var std jwt.Claims
	if err := tok.Claims(t.key, &std, &claims); err != nil {
		return claims, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := std.ValidateWithLeeway(jwt.Expected{Issuer: issuer, Time: t.now()}, 0); err != nil {
		return claims, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// CheckSecret compares an API key in constant time.
func CheckSecret(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
