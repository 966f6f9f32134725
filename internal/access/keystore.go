// Package access authenticates proxy requests using API keys stored in the
// database and resolves the key to its user and app.
package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/echo-ai/echo-proxy/internal/httperr"
	"github.com/echo-ai/echo-proxy/internal/models"
)

// Principal is an authenticated API-key caller.
type Principal struct {
	APIKey *models.APIKey
	User   *models.User
	AppID  uint64
}

// Keystore resolves API keys against the database.
type Keystore struct {
	db *gorm.DB
}

// NewKeystore builds a keystore over the given store.
func NewKeystore(conn *gorm.DB) *Keystore {
	return &Keystore{db: conn}
}

// ExtractToken pulls the API key from a request, accepting both
// "Authorization: Bearer <key>" and the "x-api-key" header.
func ExtractToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// Authenticate resolves a token to its principal. Missing or unusable
// credentials map to ErrUnauthorized; keys without an owning user or
// app scope are rejected the same way.
func (k *Keystore) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if k == nil || k.db == nil {
		return nil, fmt.Errorf("access: keystore not initialized")
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("access: missing api key: %w", httperr.ErrUnauthorized)
	}

	var apiKey models.APIKey
	errFetch := k.db.WithContext(ctx).
		Preload("User").
		Where("api_key = ? AND active = ? AND revoked_at IS NULL", token, true).
		Where("(expires_at IS NULL OR expires_at >= ?)", time.Now().UTC()).
		First(&apiKey).Error
	switch {
	case errors.Is(errFetch, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("access: invalid api key: %w", httperr.ErrUnauthorized)
	case errFetch != nil:
		return nil, fmt.Errorf("access: api key lookup: %w", errFetch)
	}

	if apiKey.Status() != "active" && apiKey.Status() != "expiring" {
		return nil, fmt.Errorf("access: api key %s: %w", apiKey.Status(), httperr.ErrUnauthorized)
	}
	if apiKey.User == nil || apiKey.User.Disabled {
		return nil, fmt.Errorf("access: api key has no usable user: %w", httperr.ErrUnauthorized)
	}
	if apiKey.AppID == nil {
		return nil, fmt.Errorf("access: api key not scoped to an app: %w", httperr.ErrUnauthorized)
	}

	return &Principal{APIKey: &apiKey, User: apiKey.User, AppID: *apiKey.AppID}, nil
}
