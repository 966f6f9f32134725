package access

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/echo-ai/echo-proxy/internal/db"
	"github.com/echo-ai/echo-proxy/internal/httperr"
	"github.com/echo-ai/echo-proxy/internal/models"
)

func seedKey(t *testing.T, conn *gorm.DB, token string, mutate func(*models.APIKey)) *models.APIKey {
	t.Helper()
	user := models.User{Email: token + "@test.local"}
	if errCreate := conn.Create(&user).Error; errCreate != nil {
		t.Fatal(errCreate)
	}
	app := models.App{Name: "keystore-app"}
	if errCreate := conn.Create(&app).Error; errCreate != nil {
		t.Fatal(errCreate)
	}
	key := models.APIKey{UserID: &user.ID, AppID: &app.ID, Name: "k", APIKey: token, Active: true}
	if mutate != nil {
		mutate(&key)
	}
	if errCreate := conn.Create(&key).Error; errCreate != nil {
		t.Fatal(errCreate)
	}
	return &key
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer epk_abc")
	if got := ExtractToken(r); got != "epk_abc" {
		t.Errorf("bearer token = %q", got)
	}

	r = httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("x-api-key", "epk_def")
	if got := ExtractToken(r); got != "epk_def" {
		t.Errorf("x-api-key token = %q", got)
	}

	r = httptest.NewRequest("POST", "/v1/chat/completions", nil)
	if got := ExtractToken(r); got != "" {
		t.Errorf("token = %q, want empty", got)
	}
}

func TestAuthenticate(t *testing.T) {
	conn := openTestDB(t)
	k := NewKeystore(conn)
	ctx := context.Background()

	seedKey(t, conn, "epk_good", nil)
	principal, errAuth := k.Authenticate(ctx, "epk_good")
	if errAuth != nil {
		t.Fatal(errAuth)
	}
	if principal.User == nil || principal.AppID == 0 {
		t.Fatalf("principal = %+v", principal)
	}

	for name, token := range map[string]string{
		"missing": "",
		"unknown": "epk_nope",
	} {
		if _, errAuth := k.Authenticate(ctx, token); !errors.Is(errAuth, httperr.ErrUnauthorized) {
			t.Errorf("%s: expected ErrUnauthorized, got %v", name, errAuth)
		}
	}
}

func TestAuthenticateRejectsUnusableKeys(t *testing.T) {
	conn := openTestDB(t)
	k := NewKeystore(conn)
	ctx := context.Background()

	now := time.Now().UTC()
	past := now.Add(-48 * time.Hour)
	seedKey(t, conn, "epk_revoked", func(key *models.APIKey) { key.RevokedAt = &now })
	seedKey(t, conn, "epk_inactive", func(key *models.APIKey) { key.Active = false })
	seedKey(t, conn, "epk_unscoped", func(key *models.APIKey) { key.AppID = nil })
	seedKey(t, conn, "epk_expired", func(key *models.APIKey) { key.ExpiresAt = &past })

	disabled := seedKey(t, conn, "epk_disabled", nil)
	if errUpdate := conn.Model(&models.User{}).Where("id = ?", *disabled.UserID).
		Update("disabled", true).Error; errUpdate != nil {
		t.Fatal(errUpdate)
	}

	for _, token := range []string{"epk_revoked", "epk_inactive", "epk_unscoped", "epk_disabled", "epk_expired"} {
		if _, errAuth := k.Authenticate(ctx, token); !errors.Is(errAuth, httperr.ErrUnauthorized) {
			t.Errorf("%s: expected ErrUnauthorized, got %v", token, errAuth)
		}
	}
}

func TestAuthenticateAcceptsKeyNearExpiry(t *testing.T) {
	conn := openTestDB(t)
	k := NewKeystore(conn)

	soon := time.Now().UTC().Add(48 * time.Hour)
	seedKey(t, conn, "epk_expiring", func(key *models.APIKey) { key.ExpiresAt = &soon })

	principal, errAuth := k.Authenticate(context.Background(), "epk_expiring")
	if errAuth != nil {
		t.Fatal(errAuth)
	}
	if got := principal.APIKey.Status(); got != "expiring" {
		t.Errorf("status = %q, want expiring", got)
	}
}
