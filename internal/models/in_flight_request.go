package models

import "time"

// InFlightRequest counts admitted-but-unfinished requests per (user, app).
// NumberInFlight never goes below zero; stale rows are reset by the
// escrow sweeper when a request crashes before reaching a terminal state.
type InFlightRequest struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;uniqueIndex:idx_in_flight_user_app"` // User ID.
	AppID  uint64 `gorm:"not null;uniqueIndex:idx_in_flight_user_app"` // App ID.

	NumberInFlight int64 `gorm:"not null;default:0"` // Current in-flight count.

	UpdatedAt time.Time `gorm:"not null;index"` // Last increment/decrement time.
}
