// Package session guards the access/refresh token pair for the dabba client:
// local expiry checks, coalesced refresh, and the session-expired signal.
package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims mirrors the backend's access token payload. Tokens are decoded
// without signature verification: expiry here is a liveness heuristic, never
// cryptographic proof.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type TokenStatus struct {
	Valid     bool
	Expired   bool
	ExpiresIn time.Duration
	ExpiresAt time.Time
	IssuedAt  time.Time
	Subject   string
	Role      string
}

func decodeClaims(token string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func statusAt(claims *Claims, now time.Time) TokenStatus {
	status := TokenStatus{Subject: claims.Subject, Role: claims.Role}
	if claims.IssuedAt != nil {
		status.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt == nil {
		// No expiry claim: treat as invalid rather than immortal.
		return status
	}
	status.ExpiresAt = claims.ExpiresAt.Time
	status.ExpiresIn = claims.ExpiresAt.Sub(now)
	status.Expired = status.ExpiresIn <= 0
	status.Valid = !status.Expired
	return status
}
