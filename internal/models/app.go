package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// App represents a registered application whose users are billed through the proxy.
type App struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name    string  `gorm:"type:text;not null"` // Display name.
	OwnerID *uint64 `gorm:"index"`              // Owning user ID.
	Owner   *User   `gorm:"foreignKey:OwnerID"` // Owning user record.

	CurrentMarkUpID *uint64 `gorm:"index"`                      // Active markup rule, if any.
	CurrentMarkUp   *MarkUp `gorm:"foreignKey:CurrentMarkUpID"` // Active markup record.

	CurrentReferralRewardID *uint64         `gorm:"index"`                              // Active referral reward rule, if any.
	CurrentReferralReward   *ReferralReward `gorm:"foreignKey:CurrentReferralRewardID"` // Active referral reward record.

	FreeTierSpendPoolID *uint64    `gorm:"index"`                          // Free-tier spend pool, if funded.
	FreeTierSpendPool   *SpendPool `gorm:"foreignKey:FreeTierSpendPoolID"` // Free-tier pool record.

	Archived bool `gorm:"not null;default:false"` // Soft-delete marker.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// AppMembership links a user to an app and records who referred them.
type AppMembership struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;uniqueIndex:idx_membership_user_app"` // Member user ID.
	AppID  uint64 `gorm:"not null;uniqueIndex:idx_membership_user_app"` // App ID.

	ReferrerID *uint64 `gorm:"index"` // User who referred this member, if any.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// MarkUp is an app-owner-configured multiplier applied to raw upstream cost.
// Amount is always >= 1.0; 1.0 means pass-through pricing.
type MarkUp struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AppID  uint64          `gorm:"not null;index"`             // Owning app ID.
	Amount decimal.Decimal `gorm:"type:decimal(12,6);not null"` // Multiplier applied to raw cost.

	Archived bool `gorm:"not null;default:false"` // Superseded rules are archived, never deleted.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// ReferralReward is the fraction of markup profit redirected to a referrer,
// expressed as a multiplier: referralProfit = markUpProfit * (Amount - 1).
type ReferralReward struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AppID  uint64          `gorm:"not null;index"`             // Owning app ID.
	Amount decimal.Decimal `gorm:"type:decimal(12,6);not null"` // Reward multiplier, >= 1.0.

	Archived bool `gorm:"not null;default:false"` // Superseded rules are archived, never deleted.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
