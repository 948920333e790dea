package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenValidator_RoundTrip(t *testing.T) {
	v := NewTokenValidator("test-secret")

	token, err := v.GenerateToken("sess-1", time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := v.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", claims.SessionID)
	}
}

func TestTokenValidator_Rejects(t *testing.T) {
	v := NewTokenValidator("test-secret")

	past := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		SessionID: "sess-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	expired, err := past.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	otherKey, err := NewTokenValidator("other-secret").GenerateToken("sess-1", time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &JWTClaims{SessionID: "sess-1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{name: "expired", token: expired},
		{name: "wrong key", token: otherKey},
		{name: "unsigned", token: unsigned},
		{name: "garbage", token: "not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.ValidateToken(tt.token); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestTokenValidator_MissingSecret(t *testing.T) {
	v := NewTokenValidator("")
	if _, err := v.GenerateToken("sess-1", 0); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("GenerateToken error = %v, want ErrMissingSecret", err)
	}
	if _, err := v.ValidateToken("x"); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("ValidateToken error = %v, want ErrMissingSecret", err)
	}
}
