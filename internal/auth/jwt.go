package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of tokens minted by GenerateToken when no
// ttl is given.
const DefaultTokenTTL = 24 * time.Hour

var ErrMissingSecret = errors.New("jwt secret is not configured")

// JWTClaims represents the claims in our JWT token
type JWTClaims struct {
	SessionID string `json:"sessionId,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator signs and checks HS256 tokens for the /ws endpoint
type TokenValidator struct {
	secret []byte
}

// NewTokenValidator creates a validator for the given shared secret
func NewTokenValidator(secret string) *TokenValidator {
	return &TokenValidator{secret: []byte(secret)}
}

// GenerateToken generates a JWT token carrying sessionID
func (v *TokenValidator) GenerateToken(sessionID string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now()
	claims := &JWTClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (v *TokenValidator) ValidateToken(tokenString string) (*JWTClaims, error) {
	if len(v.secret) == 0 {
		return nil, ErrMissingSecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrTokenInvalidClaims
}
