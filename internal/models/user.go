package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents an end user with a platform-wide prepaid balance.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Email string `gorm:"type:text;not null;uniqueIndex"` // Login identifier.
	Name  string `gorm:"type:text"`                      // Display name.

	TotalPaid  decimal.Decimal `gorm:"type:decimal(38,18);not null;default:0"` // Lifetime funds paid in.
	TotalSpent decimal.Decimal `gorm:"type:decimal(38,18);not null;default:0"` // Lifetime funds spent.

	Disabled bool `gorm:"not null;default:false"` // Blocks all requests when true.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Balance returns the user's remaining spendable balance.
func (u *User) Balance() decimal.Decimal {
	return u.TotalPaid.Sub(u.TotalSpent)
}
