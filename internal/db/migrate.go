package db

import (
	"fmt"

	"github.com/echo-ai/echo-proxy/internal/models"
	"gorm.io/gorm"
)

// Migrate runs schema migrations for all proxy models.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.User{},
		&models.App{},
		&models.AppMembership{},
		&models.MarkUp{},
		&models.ReferralReward{},
		&models.APIKey{},
		&models.SpendPool{},
		&models.UserSpendPoolUsage{},
		&models.TransactionMetadata{},
		&models.Transaction{},
		&models.InFlightRequest{},
		&models.Payment{},
	)
}
