// Package identity issues and verifies the bearer tokens that identify ledger
// requesters, and turns them into authz.Requester values for handlers.
package identity

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jmerrifield20/ReportLedger/internal/authz"
)

// RequesterClaims are the JWT claims carried by a ledger access token.
type RequesterClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// Requester converts the claims into the value the authorizer checks.
func (c *RequesterClaims) Requester() (authz.Requester, error) {
	role, err := authz.ParseRole(c.Role)
	if err != nil {
		return authz.Requester{}, err
	}
	return authz.Requester{ID: c.Subject, TenantID: c.TenantID, Role: role}, nil
}

// TokenIssuer issues and verifies RS256 requester tokens.
type TokenIssuer struct {
	key    *rsa.PrivateKey
	pub    *rsa.PublicKey
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer. A zero ttl defaults to one hour.
func NewTokenIssuer(key *rsa.PrivateKey, issuer string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{key: key, pub: &key.PublicKey, issuer: issuer, ttl: ttl}
}

// Issue signs a token for r.
func (t *TokenIssuer) Issue(r authz.Requester) (string, error) {
	if strings.TrimSpace(r.ID) == "" {
		return "", errors.New("issue token: requester id is required")
	}
	if _, err := authz.ParseRole(string(r.Role)); err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	now := time.Now().UTC()
	claims := RequesterClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   r.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		TenantID: r.TenantID,
		Role:     string(r.Role),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign requester token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*RequesterClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&RequesterClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.pub, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify requester token: %w", err)
	}
	claims, ok := token.Claims.(*RequesterClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid requester token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("requester token has no subject")
	}
	return claims, nil
}

// PublicKeyPEM returns the verification key, PEM-encoded.
func (t *TokenIssuer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(t.pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
