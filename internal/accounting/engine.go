package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/echo-ai/echo-proxy/internal/models"
	"github.com/echo-ai/echo-proxy/internal/provider"
)

// Charge describes one completed upstream call to be recorded.
type Charge struct {
	UserID uint64
	AppID  uint64

	APIKeyID *uint64
	// SpendPoolID selects the free-tier debit path when set; the user's
	// personal balance is debited otherwise.
	SpendPoolID *uint64

	Cost *provider.NormalizedCost
}

// Engine persists transactions and mutates balances.
type Engine struct {
	db *gorm.DB

	defaultMarkUp decimal.Decimal
}

// NewEngine builds an engine. defaultMarkUp applies to apps without an
// active markup rule; values below 1.0 behave as 1.0.
func NewEngine(conn *gorm.DB, defaultMarkUp decimal.Decimal) *Engine {
	return &Engine{db: conn, defaultMarkUp: defaultMarkUp}
}

// Record writes the transaction for one completed call: metadata row,
// transaction row, and exactly one balance mutation (pool or personal,
// never both), plus the API key's last-used timestamp. Everything happens
// in one database transaction so a failure leaves no partial state.
//
// The app's markup and referral configuration is read inside the
// transaction, not cached, since rules can change between requests.
func (e *Engine) Record(ctx context.Context, charge Charge) (*models.Transaction, error) {
	if e == nil || e.db == nil {
		return nil, fmt.Errorf("accounting: engine not initialized")
	}
	if charge.Cost == nil {
		return nil, fmt.Errorf("accounting: nil cost")
	}

	var created models.Transaction
	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var app models.App
		if errFetch := tx.Preload("CurrentMarkUp").Preload("CurrentReferralReward").
			First(&app, charge.AppID).Error; errFetch != nil {
			return fmt.Errorf("load app %d: %w", charge.AppID, errFetch)
		}

		markUp := e.defaultMarkUp
		if app.CurrentMarkUp != nil && !app.CurrentMarkUp.Archived {
			markUp = app.CurrentMarkUp.Amount
		}
		referral := decimal.NewFromInt(1)
		if app.CurrentReferralReward != nil && !app.CurrentReferralReward.Archived {
			referral = app.CurrentReferralReward.Amount
		}

		referrerID := lookupReferrer(tx, charge.UserID, charge.AppID)
		split := ComputeSplit(charge.Cost.RawCost, markUp, referral)
		if referrerID == nil {
			// Referral profit only exists when someone can receive it.
			split.AppProfit = split.AppProfit.Add(split.ReferralProfit)
			split.ReferralProfit = decimal.Zero
		}

		meta := models.TransactionMetadata{
			ProviderID:      charge.Cost.ProviderID,
			ProviderType:    charge.Cost.ProviderType,
			Model:           charge.Cost.Model,
			InputTokens:     charge.Cost.InputTokens,
			OutputTokens:    charge.Cost.OutputTokens,
			TotalTokens:     charge.Cost.TotalTokens,
			DurationSeconds: charge.Cost.DurationSeconds,
			HasAudio:        charge.Cost.HasAudio,
			ToolCost:        charge.Cost.ToolCost,
			Raw:             datatypes.JSON(charge.Cost.Raw),
		}
		if errCreate := tx.Create(&meta).Error; errCreate != nil {
			return fmt.Errorf("create metadata: %w", errCreate)
		}

		created = models.Transaction{
			UserID:           charge.UserID,
			AppID:            charge.AppID,
			APIKeyID:         charge.APIKeyID,
			MetadataID:       meta.ID,
			MarkUpID:         app.CurrentMarkUpID,
			ReferralRewardID: app.CurrentReferralRewardID,
			ReferrerID:       referrerID,
			SpendPoolID:      charge.SpendPoolID,
			RawCost:          split.RawCost,
			TotalCost:        split.TotalCost,
			MarkUpProfit:     split.MarkUpProfit,
			ReferralProfit:   split.ReferralProfit,
			AppProfit:        split.AppProfit,
			EchoProfit:       split.EchoProfit,
			Status:           models.TransactionStatusSuccess,
		}
		if errCreate := tx.Create(&created).Error; errCreate != nil {
			return fmt.Errorf("create transaction: %w", errCreate)
		}

		if charge.SpendPoolID != nil {
			if errDebit := debitPool(tx, *charge.SpendPoolID, charge.UserID, split.TotalCost); errDebit != nil {
				return errDebit
			}
		} else {
			if errDebit := debitUser(tx, charge.UserID, split.TotalCost); errDebit != nil {
				return errDebit
			}
		}

		if charge.APIKeyID != nil {
			now := time.Now().UTC()
			if errTouch := tx.Model(&models.APIKey{}).Where("id = ?", *charge.APIKeyID).
				Update("last_used_at", now).Error; errTouch != nil {
				return fmt.Errorf("touch api key %d: %w", *charge.APIKeyID, errTouch)
			}
		}
		return nil
	})
	if errTx != nil {
		return nil, fmt.Errorf("accounting: record transaction: %w", errTx)
	}
	return &created, nil
}

// lookupReferrer returns the user who referred this member into the app,
// if the membership records one.
func lookupReferrer(tx *gorm.DB, userID, appID uint64) *uint64 {
	var membership models.AppMembership
	errFetch := tx.Where("user_id = ? AND app_id = ?", userID, appID).First(&membership).Error
	if errFetch != nil {
		return nil
	}
	return membership.ReferrerID
}

// forUpdate applies a row lock on backends that support it. SQLite
// serializes writers on its own.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func debitUser(tx *gorm.DB, userID uint64, amount decimal.Decimal) error {
	var user models.User
	if errFetch := forUpdate(tx).First(&user, userID).Error; errFetch != nil {
		return fmt.Errorf("lock user %d: %w", userID, errFetch)
	}
	if errUpdate := tx.Model(&models.User{}).Where("id = ?", userID).
		Update("total_spent", user.TotalSpent.Add(amount)).Error; errUpdate != nil {
		return fmt.Errorf("debit user %d: %w", userID, errUpdate)
	}
	return nil
}

func debitPool(tx *gorm.DB, poolID, userID uint64, amount decimal.Decimal) error {
	var pool models.SpendPool
	if errFetch := forUpdate(tx).First(&pool, poolID).Error; errFetch != nil {
		return fmt.Errorf("lock spend pool %d: %w", poolID, errFetch)
	}
	if errUpdate := tx.Model(&models.SpendPool{}).Where("id = ?", poolID).
		Update("total_spent", pool.TotalSpent.Add(amount)).Error; errUpdate != nil {
		return fmt.Errorf("debit spend pool %d: %w", poolID, errUpdate)
	}

	var usage models.UserSpendPoolUsage
	errFetch := forUpdate(tx).Where("user_id = ? AND spend_pool_id = ?", userID, poolID).
		First(&usage).Error
	switch {
	case errors.Is(errFetch, gorm.ErrRecordNotFound):
		usage = models.UserSpendPoolUsage{UserID: userID, SpendPoolID: poolID, TotalSpent: amount}
		if errCreate := tx.Create(&usage).Error; errCreate != nil {
			return fmt.Errorf("create pool usage: %w", errCreate)
		}
	case errFetch != nil:
		return fmt.Errorf("lock pool usage: %w", errFetch)
	default:
		if errUpdate := tx.Model(&models.UserSpendPoolUsage{}).Where("id = ?", usage.ID).
			Update("total_spent", usage.TotalSpent.Add(amount)).Error; errUpdate != nil {
			return fmt.Errorf("update pool usage: %w", errUpdate)
		}
	}
	return nil
}
