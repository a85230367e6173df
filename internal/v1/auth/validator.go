package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xwordcollab/backend/internal/v1/logging"
)

// ReconnectClaims identifies the visitor and room a reconnect token was
// issued for. The broker hands a token carrying these claims to every
// connection in its welcome frame (§4.3.2) so that, on reconnect, the same
// visitor can reattach to its prior subscriptions without anyone else being
// able to spoof its visitorId.
type ReconnectClaims struct {
	VisitorID string `json:"vid"`
	RoomID    string `json:"rid"`
	jwt.RegisteredClaims
}

// TokenSigner issues and validates self-issued, HMAC-signed reconnect
// tokens. There is no external identity provider in this system (§1:
// no access control) — the token exists purely to bind a reconnecting
// WebSocket to the visitorId it was handed before disconnecting.
type TokenSigner struct {
	secret []byte
}

// NewTokenSigner builds a signer from a configured secret. The secret is
// validated to be at least 32 bytes by config.ValidateEnv before this is
// ever called.
func NewTokenSigner(secret string) *TokenSigner {
	return &TokenSigner{secret: []byte(secret)}
}

// Issue signs a reconnect token binding visitorID to roomID for ttl.
func (s *TokenSigner) Issue(visitorID, roomID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ReconnectClaims{
		VisitorID: visitorID,
		RoomID:    roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign reconnect token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a reconnect token, returning the visitor and
// room it was issued for.
func (s *TokenSigner) Validate(tokenString string) (*ReconnectClaims, error) {
	claims := &ReconnectClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse reconnect token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("reconnect token is invalid")
	}
	return claims, nil
}

// GetAllowedOriginsFromEnv reads a comma-separated origin allowlist from the
// named environment variable, falling back to defaultEnvs for local
// development when it isn't set.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	// Example: ALLOWED_ORIGINS="http://localhost:3000,https://your-app.com"
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}
