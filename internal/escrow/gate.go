package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/echo-ai/echo-proxy/internal/httperr"
	"github.com/echo-ai/echo-proxy/internal/models"
)

// Capacity sources, in resolution priority order.
const (
	SourceFreeTier = "free-tier"
	SourceBalance  = "balance"
)

// Capacity is the spending capacity resolved for one request. It is carried
// through the request context but never pre-debited: the actual debit happens
// after real usage is known.
type Capacity struct {
	UserID uint64
	AppID  uint64

	Source           string
	SpendPoolID      *uint64
	EffectiveBalance decimal.Decimal
}

// Gate resolves spending capacity before admission.
type Gate struct {
	db *gorm.DB

	safetyBuffer decimal.Decimal
}

// NewGate builds a gate. safetyBuffer is the minimum positive personal
// balance required for admission, keeping near-zero accounts from going
// further negative on a large request.
func NewGate(conn *gorm.DB, safetyBuffer decimal.Decimal) *Gate {
	return &Gate{db: conn, safetyBuffer: safetyBuffer}
}

// Check resolves the caller's capacity in priority order: the app's free-tier
// spend pool first, personal balance second, payment-required otherwise. The
// check is advisory; balances are only locked at debit time.
func (g *Gate) Check(ctx context.Context, userID, appID uint64) (*Capacity, error) {
	if g == nil || g.db == nil {
		return nil, fmt.Errorf("escrow: gate not initialized")
	}

	var user models.User
	if errFetch := g.db.WithContext(ctx).First(&user, userID).Error; errFetch != nil {
		return nil, fmt.Errorf("escrow: load user %d: %w", userID, errFetch)
	}
	if user.Disabled {
		return nil, fmt.Errorf("escrow: user %d disabled: %w", userID, httperr.ErrUnauthorized)
	}

	var app models.App
	if errFetch := g.db.WithContext(ctx).Preload("FreeTierSpendPool").First(&app, appID).Error; errFetch != nil {
		return nil, fmt.Errorf("escrow: load app %d: %w", appID, errFetch)
	}

	if capacity := g.poolCapacity(ctx, &user, &app); capacity != nil {
		return capacity, nil
	}

	if balance := user.Balance(); balance.GreaterThan(g.safetyBuffer) {
		return &Capacity{
			UserID:           userID,
			AppID:            appID,
			Source:           SourceBalance,
			EffectiveBalance: balance,
		}, nil
	}

	return nil, fmt.Errorf("escrow: user %d has no spending capacity for app %d: %w",
		userID, appID, httperr.ErrPaymentRequired)
}

// poolCapacity returns free-tier capacity when the app has a funded pool and
// the user is under its per-user limit, nil otherwise.
func (g *Gate) poolCapacity(ctx context.Context, user *models.User, app *models.App) *Capacity {
	pool := app.FreeTierSpendPool
	if pool == nil || pool.Archived {
		return nil
	}
	remaining := pool.Balance()
	if !remaining.IsPositive() {
		return nil
	}

	if pool.PerUserSpendLimit != nil {
		var usage models.UserSpendPoolUsage
		errFetch := g.db.WithContext(ctx).
			Where("user_id = ? AND spend_pool_id = ?", user.ID, pool.ID).
			First(&usage).Error
		if errFetch != nil && !errors.Is(errFetch, gorm.ErrRecordNotFound) {
			log.WithError(errFetch).WithFields(log.Fields{
				"user_id":       user.ID,
				"spend_pool_id": pool.ID,
			}).Error("failed to read spend pool usage; falling back to personal balance")
			return nil
		}
		headroom := pool.PerUserSpendLimit.Sub(usage.TotalSpent)
		if !headroom.IsPositive() {
			return nil
		}
		if headroom.LessThan(remaining) {
			remaining = headroom
		}
	}

	poolID := pool.ID
	return &Capacity{
		UserID:           user.ID,
		AppID:            app.ID,
		Source:           SourceFreeTier,
		SpendPoolID:      &poolID,
		EffectiveBalance: remaining,
	}
}
