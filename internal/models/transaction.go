package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Transaction statuses.
const (
	TransactionStatusSuccess = "success"
	TransactionStatusFailed  = "failed"
)

// Transaction is the immutable record of one billed unit of work.
// Rows are created exactly once per completed upstream call, never
// mutated afterwards, and archived rather than deleted.
type Transaction struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;index"`    // Paying user ID.
	User   *User  `gorm:"foreignKey:UserID"` // Paying user record.

	AppID uint64 `gorm:"not null;index"`   // App the request was made through.
	App   *App   `gorm:"foreignKey:AppID"` // App record.

	APIKeyID *uint64 `gorm:"index"`               // API key used, when key-authenticated.
	APIKey   *APIKey `gorm:"foreignKey:APIKeyID"` // API key record.

	MetadataID uint64               `gorm:"not null;index"`        // Linked metadata row.
	Metadata   *TransactionMetadata `gorm:"foreignKey:MetadataID"` // Linked metadata record.

	MarkUpID         *uint64 `gorm:"index"` // Markup rule in effect, if any.
	ReferralRewardID *uint64 `gorm:"index"` // Referral reward rule in effect, if any.
	ReferrerID       *uint64 `gorm:"index"` // User credited with referral profit, if any.
	SpendPoolID      *uint64 `gorm:"index"` // Free-tier pool charged instead of the user, if any.

	RawCost        decimal.Decimal `gorm:"type:decimal(38,18);not null"`           // Upstream provider cost.
	TotalCost      decimal.Decimal `gorm:"type:decimal(38,18);not null"`           // Amount charged to the payer.
	MarkUpProfit   decimal.Decimal `gorm:"type:decimal(38,18);not null;default:0"` // TotalCost - RawCost.
	ReferralProfit decimal.Decimal `gorm:"type:decimal(38,18);not null;default:0"` // Share of markup profit owed to the referrer.
	AppProfit      decimal.Decimal `gorm:"type:decimal(38,18);not null;default:0"` // Markup profit kept by the app.
	EchoProfit     decimal.Decimal `gorm:"type:decimal(38,18);not null;default:0"` // Platform share, currently the raw cost pass-through.

	Status string `gorm:"type:text;not null;index"` // success or failed.

	Archived bool `gorm:"not null;default:false"` // Soft-delete marker.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}

// TransactionMetadata captures provider-level telemetry for one transaction.
type TransactionMetadata struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ProviderID   string `gorm:"type:text;index"`          // Opaque upstream identifier (operation name, response id).
	ProviderType string `gorm:"type:text;not null;index"` // Provider variant that handled the request.
	Model        string `gorm:"type:text;not null;index"` // Model identifier.

	InputTokens  int64 `gorm:"not null;default:0"` // Prompt token count.
	OutputTokens int64 `gorm:"not null;default:0"` // Completion token count.
	TotalTokens  int64 `gorm:"not null;default:0"` // Total token count.

	DurationSeconds int64 `gorm:"not null;default:0"`     // Requested duration for media generation.
	HasAudio        bool  `gorm:"not null;default:false"` // Whether generated media includes audio.

	ToolCost decimal.Decimal `gorm:"type:decimal(38,18);not null;default:0"` // Cost of an external tool call, if any.

	Raw datatypes.JSON `gorm:"type:jsonb"` // Raw usage payload as reported by the provider.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// TableName overrides the default pluralization.
func (TransactionMetadata) TableName() string { return "transaction_metadata" }
