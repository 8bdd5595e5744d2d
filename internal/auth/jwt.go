package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of a local control-API token.
//
// These tokens are minted and verified by this process only; the access
// token used against the chat server is opaque to us apart from its expiry.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// GenerateToken creates an HS256 control token for userID.
func GenerateToken(userID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "echolink",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// ParseToken validates a control token and extracts its claims. Only HMAC
// signing methods are accepted.
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// ExpiresWithin reports whether the access token expires within d of now.
//
// The signature is not checked: the server owns that key. A token without
// an exp claim never expires. A token that is not a JWT at all is treated as
// opaque and also reported as not expiring.
func ExpiresWithin(tokenString string, d time.Duration, now time.Time) bool {
	if tokenString == "" {
		return true
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !claims.ExpiresAt.Time.After(now.Add(d))
}

// RefreshFunc exchanges the current access token for a fresh one.
type RefreshFunc func(ctx context.Context, current string) (string, error)

// ErrNoRefresher is returned when a token needs refreshing but no refresh
// endpoint was configured.
var ErrNoRefresher = errors.New("token expired and no refresher configured")

// TokenSource hands out the access token used to authenticate the socket,
// refreshing it ahead of expiry.
type TokenSource struct {
	mu      sync.Mutex
	token   string
	skew    time.Duration
	refresh RefreshFunc
	now     func() time.Time
}

func NewTokenSource(token string, skew time.Duration, refresh RefreshFunc) *TokenSource {
	return &TokenSource{token: token, skew: skew, refresh: refresh, now: time.Now}
}

// Token returns a token that is valid for at least the configured skew.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ExpiresWithin(s.token, s.skew, s.now()) {
		return s.token, nil
	}
	if s.refresh == nil {
		return "", ErrNoRefresher
	}
	fresh, err := s.refresh(ctx, s.token)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	s.token = fresh
	return fresh, nil
}

// Set replaces the current token, e.g. after a fresh login.
func (s *TokenSource) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}
