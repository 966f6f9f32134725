package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/echo-ai/echo-proxy/internal/db"
	"github.com/echo-ai/echo-proxy/internal/httperr"
	"github.com/echo-ai/echo-proxy/internal/models"
)

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

func counter(t *testing.T, conn *gorm.DB, userID, appID uint64) int64 {
	t.Helper()
	var row models.InFlightRequest
	errFetch := conn.Where("user_id = ? AND app_id = ?", userID, appID).First(&row).Error
	if errors.Is(errFetch, gorm.ErrRecordNotFound) {
		return 0
	}
	if errFetch != nil {
		t.Fatal(errFetch)
	}
	return row.NumberInFlight
}

func TestAdmitIncrementsAndReleaseDecrements(t *testing.T) {
	conn := openTestDB(t)
	c := NewController(conn, 0, false)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, errAdmit := c.Admit(ctx, 1, 10)
		if errAdmit != nil {
			t.Fatal(errAdmit)
		}
		if got != want {
			t.Fatalf("Admit #%d returned %d", want, got)
		}
	}

	c.Release(ctx, 1, 10)
	if got := counter(t, conn, 1, 10); got != 2 {
		t.Fatalf("counter after release = %d, want 2", got)
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	conn := openTestDB(t)
	c := NewController(conn, 0, false)
	ctx := context.Background()

	// Release with no counter row at all.
	c.Release(ctx, 7, 70)
	if got := counter(t, conn, 7, 70); got != 0 {
		t.Fatalf("counter = %d, want 0", got)
	}

	// Drain to zero, then keep releasing.
	if _, errAdmit := c.Admit(ctx, 7, 70); errAdmit != nil {
		t.Fatal(errAdmit)
	}
	c.Release(ctx, 7, 70)
	c.Release(ctx, 7, 70)
	c.Release(ctx, 7, 70)
	if got := counter(t, conn, 7, 70); got != 0 {
		t.Fatalf("counter = %d, want 0", got)
	}
}

func TestAdmitCeilingPolicies(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()

	// Log-only policy admits over the ceiling.
	soft := NewController(conn, 1, false)
	if _, errAdmit := soft.Admit(ctx, 1, 10); errAdmit != nil {
		t.Fatal(errAdmit)
	}
	if _, errAdmit := soft.Admit(ctx, 1, 10); errAdmit != nil {
		t.Fatalf("soft ceiling rejected: %v", errAdmit)
	}
	if got := counter(t, conn, 1, 10); got != 2 {
		t.Fatalf("counter = %d, want 2", got)
	}

	// Hard policy rejects and undoes its own increment.
	hard := NewController(conn, 2, true)
	_, errAdmit := hard.Admit(ctx, 1, 10)
	var httpErr *httperr.HTTPError
	if !errors.As(errAdmit, &httpErr) || httpErr.Status != 429 {
		t.Fatalf("expected 429, got %v", errAdmit)
	}
	if got := counter(t, conn, 1, 10); got != 2 {
		t.Fatalf("counter after rejection = %d, want 2", got)
	}
}

func TestSweepResetsOnlyStaleCounters(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()

	stale := models.InFlightRequest{UserID: 1, AppID: 10, NumberInFlight: 3, UpdatedAt: time.Now().UTC().Add(-time.Hour)}
	fresh := models.InFlightRequest{UserID: 2, AppID: 10, NumberInFlight: 1, UpdatedAt: time.Now().UTC()}
	if errCreate := conn.Create(&stale).Error; errCreate != nil {
		t.Fatal(errCreate)
	}
	if errCreate := conn.Create(&fresh).Error; errCreate != nil {
		t.Fatal(errCreate)
	}

	s := NewSweeper(conn, time.Minute, 10*time.Minute)
	swept, errSweep := s.SweepOnce(ctx)
	if errSweep != nil {
		t.Fatal(errSweep)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
	if got := counter(t, conn, 1, 10); got != 0 {
		t.Fatalf("stale counter = %d, want 0", got)
	}
	if got := counter(t, conn, 2, 10); got != 1 {
		t.Fatalf("fresh counter = %d, want 1", got)
	}
}

func TestSnapshotListsActiveCounters(t *testing.T) {
	conn := openTestDB(t)
	c := NewController(conn, 0, false)
	ctx := context.Background()

	if _, errAdmit := c.Admit(ctx, 1, 10); errAdmit != nil {
		t.Fatal(errAdmit)
	}
	if _, errAdmit := c.Admit(ctx, 2, 10); errAdmit != nil {
		t.Fatal(errAdmit)
	}
	c.Release(ctx, 2, 10)

	rows, errSnap := c.Snapshot(ctx)
	if errSnap != nil {
		t.Fatal(errSnap)
	}
	if len(rows) != 1 || rows[0].UserID != 1 {
		t.Fatalf("snapshot = %+v", rows)
	}
}
