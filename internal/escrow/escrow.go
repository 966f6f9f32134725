// Package escrow gates request admission: it tracks in-flight request
// counters per (user, app), checks spending capacity before a request is
// forwarded, and sweeps counters orphaned by crashed requests.
//
// Counters live in the database, not in process memory, so multiple proxy
// instances share one view of concurrency.
package escrow

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/echo-ai/echo-proxy/internal/httperr"
	"github.com/echo-ai/echo-proxy/internal/models"
)

// Controller owns the InFlightRequest counters.
type Controller struct {
	db *gorm.DB

	maxInFlight       int64
	rejectOverCeiling bool
}

// NewController builds a controller over the given store. maxInFlight <= 0
// disables the ceiling. rejectOverCeiling turns the ceiling from a logged
// warning into a hard rejection.
func NewController(conn *gorm.DB, maxInFlight int64, rejectOverCeiling bool) *Controller {
	return &Controller{db: conn, maxInFlight: maxInFlight, rejectOverCeiling: rejectOverCeiling}
}

// MaxInFlight returns the configured concurrency ceiling.
func (c *Controller) MaxInFlight() int64 {
	if c == nil {
		return 0
	}
	return c.maxInFlight
}

// Admit increments the caller's in-flight counter and returns the new count.
// The increment is a single conflict-upsert so concurrent admissions never
// lose updates. When the count reaches the ceiling the default policy is to
// log and admit anyway; with rejectOverCeiling set the admission is undone
// and the request rejected.
func (c *Controller) Admit(ctx context.Context, userID, appID uint64) (int64, error) {
	if c == nil || c.db == nil {
		return 0, fmt.Errorf("escrow: controller not initialized")
	}

	now := time.Now().UTC()
	row := models.InFlightRequest{UserID: userID, AppID: appID, NumberInFlight: 1, UpdatedAt: now}
	if errUpsert := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "app_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"number_in_flight": gorm.Expr("number_in_flight + 1"),
			"updated_at":       now,
		}),
	}).Create(&row).Error; errUpsert != nil {
		return 0, fmt.Errorf("escrow: increment in-flight: %w", errUpsert)
	}

	var current models.InFlightRequest
	if errFetch := c.db.WithContext(ctx).
		Where("user_id = ? AND app_id = ?", userID, appID).
		First(&current).Error; errFetch != nil {
		return 0, fmt.Errorf("escrow: read in-flight: %w", errFetch)
	}

	if c.maxInFlight > 0 && current.NumberInFlight > c.maxInFlight {
		log.WithFields(log.Fields{
			"user_id":       userID,
			"app_id":        appID,
			"in_flight":     current.NumberInFlight,
			"max_in_flight": c.maxInFlight,
		}).Warn("in-flight ceiling exceeded")
		if c.rejectOverCeiling {
			c.Release(ctx, userID, appID)
			return current.NumberInFlight, httperr.NewHTTPError(http.StatusTooManyRequests, "too many in-flight requests")
		}
	}
	return current.NumberInFlight, nil
}

// Release decrements the caller's in-flight counter. The guard in the WHERE
// clause keeps the counter from going below zero; a missing or already-zero
// row is logged and ignored since the sweeper restores consistency anyway.
func (c *Controller) Release(ctx context.Context, userID, appID uint64) {
	if c == nil || c.db == nil {
		return
	}

	res := c.db.WithContext(ctx).Model(&models.InFlightRequest{}).
		Where("user_id = ? AND app_id = ? AND number_in_flight > 0", userID, appID).
		Updates(map[string]interface{}{
			"number_in_flight": gorm.Expr("number_in_flight - 1"),
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		log.WithFields(log.Fields{"user_id": userID, "app_id": appID}).
			WithError(res.Error).Warn("failed to release in-flight counter")
		return
	}
	if res.RowsAffected == 0 {
		log.WithFields(log.Fields{"user_id": userID, "app_id": appID}).
			Debug("release on absent or zero in-flight counter")
	}
}

// Snapshot returns all counters with at least one in-flight request, for the
// monitoring endpoint.
func (c *Controller) Snapshot(ctx context.Context) ([]models.InFlightRequest, error) {
	if c == nil || c.db == nil {
		return nil, fmt.Errorf("escrow: controller not initialized")
	}
	var rows []models.InFlightRequest
	if errFetch := c.db.WithContext(ctx).
		Where("number_in_flight > 0").
		Order("updated_at DESC").
		Find(&rows).Error; errFetch != nil {
		return nil, fmt.Errorf("escrow: snapshot: %w", errFetch)
	}
	return rows, nil
}
