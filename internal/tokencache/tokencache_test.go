package tokencache

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenSignedAndCached(t *testing.T) {
	secret := []byte("test-secret")
	s, errNew := NewSigner(secret, "echo-proxy", "", time.Minute)
	if errNew != nil {
		t.Fatal(errNew)
	}
	ctx := context.Background()

	first, errToken := s.Token(ctx, "https://generativelanguage.googleapis.com")
	if errToken != nil {
		t.Fatal(errToken)
	}

	parsed, errParse := jwt.ParseWithClaims(first, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if errParse != nil || !parsed.Valid {
		t.Fatalf("token does not verify: %v", errParse)
	}
	claims := parsed.Claims.(*jwt.RegisteredClaims)
	if claims.Issuer != "echo-proxy" {
		t.Errorf("issuer = %q", claims.Issuer)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != "https://generativelanguage.googleapis.com" {
		t.Errorf("audience = %v", claims.Audience)
	}

	// Same audience reuses the cached token.
	second, errToken := s.Token(ctx, "https://generativelanguage.googleapis.com")
	if errToken != nil {
		t.Fatal(errToken)
	}
	if second != first {
		t.Error("cached token not reused")
	}

	// A different audience mints a different token.
	other, errToken := s.Token(ctx, "media-download")
	if errToken != nil {
		t.Fatal(errToken)
	}
	if other == first {
		t.Error("audiences share a token")
	}
}

func TestTokenRefreshNearExpiry(t *testing.T) {
	s, errNew := NewSigner([]byte("test-secret"), "echo-proxy", "", time.Minute)
	if errNew != nil {
		t.Fatal(errNew)
	}
	ctx := context.Background()

	if _, errToken := s.Token(ctx, "aud"); errToken != nil {
		t.Fatal(errToken)
	}

	// Age the cached entry into the refresh margin and poison it so a cache
	// hit is detectable.
	s.mu.Lock()
	s.local["aud"] = cachedToken{token: "stale", expiry: time.Now().Add(10 * time.Second)}
	s.mu.Unlock()

	second, errToken := s.Token(ctx, "aud")
	if errToken != nil {
		t.Fatal(errToken)
	}
	if second == "stale" {
		t.Error("near-expiry token was not refreshed")
	}
}

func TestNewSignerRejectsEmptySecret(t *testing.T) {
	if _, errNew := NewSigner(nil, "echo-proxy", "", time.Minute); errNew == nil {
		t.Fatal("expected error for empty secret")
	}
}
