package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment sources.
const (
	PaymentSourceStripe          = "stripe"
	PaymentSourceX402            = "x402"
	PaymentSourceAdminGrant      = "admin"
	PaymentSourceBalanceTransfer = "balance-transfer"
)

// Payment records funds entering the system. Creation is owned by external
// payment ingestion; the accounting engine only reads these rows for
// free-tier balance transfers.
type Payment struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;index"` // User credited with the funds.

	Amount decimal.Decimal `gorm:"type:decimal(38,18);not null"` // Credited amount.
	Source string          `gorm:"type:text;not null;index"`     // Origin of the funds.

	SpendPoolID *uint64 `gorm:"index"` // Target pool when funding a free tier.

	SettlementHash string `gorm:"type:text"` // On-chain operation hash for x402 settlements.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
