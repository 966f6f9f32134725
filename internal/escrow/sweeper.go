package escrow

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/echo-ai/echo-proxy/internal/models"
)

// Sweeper resets in-flight counters abandoned by requests that crashed
// before reaching a terminal state.
type Sweeper struct {
	db *gorm.DB

	interval   time.Duration
	staleAfter time.Duration
}

// NewSweeper builds a sweeper that runs every interval and treats counters
// untouched for staleAfter as orphaned.
func NewSweeper(conn *gorm.DB, interval, staleAfter time.Duration) *Sweeper {
	return &Sweeper{db: conn, interval: interval, staleAfter: staleAfter}
}

// Run loops until the context is canceled, sweeping on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil || s.db == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.WithFields(log.Fields{"interval": s.interval, "stale_after": s.staleAfter}).
		Info("in-flight sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info("in-flight sweeper stopped")
			return
		case <-ticker.C:
			swept, errSweep := s.SweepOnce(ctx)
			if errSweep != nil {
				log.WithError(errSweep).Warn("in-flight sweep failed")
				continue
			}
			if swept > 0 {
				log.WithField("swept", swept).Info("reset orphaned in-flight counters")
			}
		}
	}
}

// SweepOnce bulk-resets every counter whose UpdatedAt is older than the
// staleness window and returns how many rows were reset.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("escrow: sweeper not initialized")
	}

	cutoff := time.Now().UTC().Add(-s.staleAfter)
	res := s.db.WithContext(ctx).Model(&models.InFlightRequest{}).
		Where("number_in_flight > 0 AND updated_at < ?", cutoff).
		Update("number_in_flight", 0)
	if res.Error != nil {
		return 0, fmt.Errorf("escrow: sweep: %w", res.Error)
	}
	return res.RowsAffected, nil
}
