package db

import (
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestMigrateSQLiteCreatesCoreTables(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}

	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	for _, table := range []string{
		"users",
		"apps",
		"app_memberships",
		"mark_ups",
		"referral_rewards",
		"api_keys",
		"spend_pools",
		"user_spend_pool_usages",
		"transactions",
		"transaction_metadata",
		"in_flight_requests",
		"payments",
	} {
		if !conn.Migrator().HasTable(table) {
			t.Fatalf("missing table %s", table)
		}
	}
}

func TestMigrateTransactionColumns(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}

	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	for _, column := range []string{"raw_cost", "total_cost", "mark_up_profit", "referral_profit", "app_profit", "echo_profit", "status"} {
		if !conn.Migrator().HasColumn("transactions", column) {
			t.Fatalf("transactions missing column %s", column)
		}
	}
}
