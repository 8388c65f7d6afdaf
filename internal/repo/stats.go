// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// primarily for conditional responses (e.g., ETag generation) in the HTTP
// layer. Each function is context-aware and safe to call from services or
// handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-claims-backend/internal/domain"
)

// FraudEventsStats returns aggregate metadata for the fraud events matching
// the filter: the total number of rows and the maximum UpdatedAt timestamp
// among those rows.
//
// It executes two lightweight queries against the fraud_events table. When
// no events match, the returned count is 0 and maxUpdatedAt is nil.
//
// Return values:
//   - count:        total matching events
//   - maxUpdatedAt: pointer to the greatest UpdatedAt, or nil if no rows
//   - err:          database error, if any
func FraudEventsStats(ctx context.Context, db *gorm.DB, f FraudEventFilter) (count int64, maxUpdatedAt *time.Time, err error) {
	q := fraudQuery(db.WithContext(ctx), f)

	// Count
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// ClaimsStats returns aggregate metadata for a user's claims: the total
// number of rows and the maximum UpdatedAt timestamp among those rows.
//
// When the user has no claims, the returned count is 0 and maxUpdatedAt is
// nil.
func ClaimsStats(ctx context.Context, db *gorm.DB, userID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Claim{}).Where("user_id = ?", userID)

	// Count
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
