package proxy

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName carries the capability token between requests.
const CookieName = "pinacle-proxy-token"

// CallbackPath is where the control plane redirects back to after minting a
// token for an authenticated user.
const CallbackPath = "/pinacle-proxy-callback"

// MaxTokenLifetime bounds a capability token. Tokens claiming a longer
// lifetime are rejected outright, whoever signed them.
const MaxTokenLifetime = 15 * time.Minute

// Claims scope a token to exactly one (pod, port) pair for one user.
type Claims struct {
	UserID     string `json:"userId"`
	PodID      string `json:"podId"`
	PodSlug    string `json:"podSlug"`
	TargetPort int    `json:"targetPort"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies capability tokens with a shared HMAC key.
type TokenIssuer struct {
	key []byte
}

func NewTokenIssuer(signingKey string) *TokenIssuer {
	return &TokenIssuer{key: []byte(signingKey)}
}

// Mint issues a token for one pod/port, capped at MaxTokenLifetime.
func (i *TokenIssuer) Mint(userID, podID, podSlug string, targetPort int, lifetime time.Duration) (string, error) {
	if lifetime <= 0 || lifetime > MaxTokenLifetime {
		lifetime = MaxTokenLifetime
	}

	now := time.Now()
	claims := Claims{
		UserID:     userID,
		PodID:      podID,
		PodSlug:    podSlug,
		TargetPort: targetPort,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
}

// Verify parses and validates a token: signature, expiry, and the lifetime
// cap between iat and exp.
func (i *TokenIssuer) Verify(raw string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	})
	if err != nil {
		return nil, err
	}

	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("token is missing iat or exp")
	}
	if claims.ExpiresAt.Sub(claims.IssuedAt.Time) > MaxTokenLifetime {
		return nil, fmt.Errorf("token lifetime exceeds %s", MaxTokenLifetime)
	}
	if claims.PodSlug == "" || claims.TargetPort == 0 {
		return nil, fmt.Errorf("token is not scoped to a pod port")
	}
	return &claims, nil
}
