package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SpendPool is an app-funded prepaid balance consumable by the app's users.
// TotalSpent <= TotalPaid is maintained best-effort; concurrent spenders can
// transiently overshoot within the store's default isolation.
type SpendPool struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AppID uint64 `gorm:"not null;index"` // Funding app ID.

	Name string `gorm:"type:text"` // Display name.

	TotalPaid  decimal.Decimal `gorm:"type:decimal(38,18);not null;default:0"` // Funds paid into the pool.
	TotalSpent decimal.Decimal `gorm:"type:decimal(38,18);not null;default:0"` // Funds consumed from the pool.

	PerUserSpendLimit *decimal.Decimal `gorm:"type:decimal(38,18)"` // Per-user consumption cap, nil for unlimited.

	Archived bool `gorm:"not null;default:false"` // Soft-delete marker.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Balance returns the pool's remaining spendable balance.
func (p *SpendPool) Balance() decimal.Decimal {
	return p.TotalPaid.Sub(p.TotalSpent)
}

// UserSpendPoolUsage tracks one user's consumption against a pool's per-user limit.
type UserSpendPoolUsage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID      uint64 `gorm:"not null;uniqueIndex:idx_pool_usage_user_pool"` // Consuming user ID.
	SpendPoolID uint64 `gorm:"not null;uniqueIndex:idx_pool_usage_user_pool"` // Pool ID.

	TotalSpent decimal.Decimal `gorm:"type:decimal(38,18);not null;default:0"` // Amount consumed by this user.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
