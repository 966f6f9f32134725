// Package tokencache mints short-lived signed vendor tokens and caches them
// per audience. Tokens are cached in redis when configured so multiple proxy
// instances share them, with an in-process fallback otherwise.
package tokencache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	defaultTTL = 10 * time.Minute
	// refreshMargin keeps a token from being handed out moments before expiry.
	refreshMargin = 30 * time.Second
)

// Signer mints and caches HMAC-signed tokens keyed by audience.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration

	redisClient *redis.Client

	mu    sync.Mutex
	local map[string]cachedToken
}

type cachedToken struct {
	token  string
	expiry time.Time
}

// NewSigner builds a signer. redisURL is optional; when empty or unparseable
// the signer caches in process memory only.
func NewSigner(secret []byte, issuer, redisURL string, ttl time.Duration) (*Signer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("tokencache: empty signing secret")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	s := &Signer{
		secret: secret,
		issuer: issuer,
		ttl:    ttl,
		local:  make(map[string]cachedToken),
	}
	if redisURL != "" {
		opts, errParse := redis.ParseURL(redisURL)
		if errParse != nil {
			return nil, fmt.Errorf("tokencache: parse redis url: %w", errParse)
		}
		s.redisClient = redis.NewClient(opts)
	}
	return s, nil
}

// Token returns a signed token for the audience, minting a fresh one when
// the cached token is missing or close to expiry.
func (s *Signer) Token(ctx context.Context, audience string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("tokencache: nil signer")
	}

	if token, ok := s.cached(ctx, audience); ok {
		return token, nil
	}

	now := time.Now().UTC()
	expiry := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiry),
	}
	token, errSign := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if errSign != nil {
		return "", fmt.Errorf("tokencache: sign token for %q: %w", audience, errSign)
	}

	s.store(ctx, audience, token, expiry)
	return token, nil
}

func (s *Signer) cacheKey(audience string) string {
	return "signed-token:" + audience
}

func (s *Signer) cached(ctx context.Context, audience string) (string, bool) {
	if s.redisClient != nil {
		token, errGet := s.redisClient.Get(ctx, s.cacheKey(audience)).Result()
		if errGet == nil && token != "" {
			return token, true
		}
		if errGet != nil && errGet != redis.Nil {
			log.WithError(errGet).Debug("token cache read failed, falling back to local cache")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.local[audience]
	if !ok || time.Now().After(entry.expiry.Add(-refreshMargin)) {
		return "", false
	}
	return entry.token, true
}

func (s *Signer) store(ctx context.Context, audience, token string, expiry time.Time) {
	if s.redisClient != nil {
		ttl := time.Until(expiry.Add(-refreshMargin))
		if ttl > 0 {
			if errSet := s.redisClient.Set(ctx, s.cacheKey(audience), token, ttl).Err(); errSet != nil {
				log.WithError(errSet).Debug("token cache write failed")
			}
		}
	}

	s.mu.Lock()
	s.local[audience] = cachedToken{token: token, expiry: expiry}
	s.mu.Unlock()
}
