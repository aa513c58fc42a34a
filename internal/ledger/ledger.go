// Package ledger tracks trailing-window released amounts per user.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/openmotor/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Service reads and mirrors the release ledger. The database ledger is
// authoritative; the cache counter is a fast-path mirror that may lag and
// is never used to decide a release on its own.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates a ledger service. The cache is optional.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
	}
}

// ReleasedInWindow sums a user's released amounts at a level over the
// trailing window, read from the authoritative ledger.
func (s *Service) ReleasedInWindow(ctx context.Context, tenantID, userID string, level domain.LevelID, windowDays int) (decimal.Decimal, error) {
	if tenantID == "" || userID == "" {
		return decimal.Zero, fmt.Errorf("tenantID and userID are required")
	}
	if windowDays <= 0 {
		return decimal.Zero, fmt.Errorf("windowDays must be positive")
	}

	since := time.Now().UTC().Add(-time.Duration(windowDays) * 24 * time.Hour)
	return s.repo.ReleasedAmountSince(ctx, tenantID, userID, level, since)
}

// RecordRelease mirrors a released amount into the windowed cache counter.
// Errors are returned for observability but a mirror failure must not fail
// the release; the database transaction already committed.
func (s *Service) RecordRelease(ctx context.Context, tenantID, userID string, level domain.LevelID, amount decimal.Decimal, windowDays int) error {
	if s.cache == nil {
		return nil
	}

	minor := amount.Mul(decimal.NewFromInt(100)).IntPart()
	if minor <= 0 {
		return nil
	}

	window := time.Duration(windowDays) * 24 * time.Hour
	_, err := s.cache.IncrementAmount(ctx, tenantID, counterKey(userID, level), minor, window)
	return err
}

// FastPathReleased reads the cache mirror in minor units. Returns false
// when no cache is configured.
func (s *Service) FastPathReleased(ctx context.Context, tenantID, userID string, level domain.LevelID, windowDays int) (decimal.Decimal, bool) {
	if s.cache == nil {
		return decimal.Zero, false
	}

	window := time.Duration(windowDays) * 24 * time.Hour
	minor, err := s.cache.IncrementAmount(ctx, tenantID, counterKey(userID, level), 0, window)
	if err != nil {
		return decimal.Zero, false
	}
	return decimal.NewFromInt(minor).Div(decimal.NewFromInt(100)), true
}

func counterKey(userID string, level domain.LevelID) string {
	return fmt.Sprintf("released:%s:%s", userID, level)
}
