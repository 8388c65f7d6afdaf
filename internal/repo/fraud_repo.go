// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the FraudEvent
// model.
//
// Events are created once per detected incident and never deleted. The only
// mutation is resolution, which is idempotent: resolving an already resolved
// event is a no-op, not an error.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-claims-backend/internal/domain"
)

// FraudEventFilter narrows ListFraudEvents. Zero values mean "no filter".
type FraudEventFilter struct {
	EventType string
	ClaimID   string
	// Resolved filters on resolution state when non-nil.
	Resolved *bool
}

// CreateFraudEvent inserts a fraud event. The ID is a generated UUID and
// CreatedAt is set to UTC.
func CreateFraudEvent(ctx context.Context, db *gorm.DB, ev *domain.FraudEvent) (*domain.FraudEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(ev).Error; err != nil {
		return nil, err
	}
	return ev, nil
}

// GetFraudEvent fetches an event by ID, or ErrNotFound if missing.
func GetFraudEvent(ctx context.Context, db *gorm.DB, id string) (*domain.FraudEvent, error) {
	var ev domain.FraudEvent
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&ev).Error
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// CountFraudEvents returns the total number of events matching the filter.
func CountFraudEvents(ctx context.Context, db *gorm.DB, f FraudEventFilter) (int64, error) {
	var total int64
	err := fraudQuery(db.WithContext(ctx), f).Count(&total).Error
	return total, err
}

// ListFraudEventsPage returns a page of events matching the filter, ordered
// by creation time descending. Use CountFraudEvents to obtain the total for
// pagination metadata.
func ListFraudEventsPage(ctx context.Context, db *gorm.DB, f FraudEventFilter, offset, limit int) ([]domain.FraudEvent, error) {
	var out []domain.FraudEvent
	err := fraudQuery(db.WithContext(ctx), f).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ResolveFraudEvent marks an event resolved by resolvedBy at the given
// instant. The WHERE clause excludes already-resolved rows, so a second call
// affects nothing and the operation is idempotent. It returns ErrNotFound
// when the event does not exist at all.
func ResolveFraudEvent(ctx context.Context, db *gorm.DB, id, resolvedBy string, now time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.FraudEvent{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]any{
			"resolved":    true,
			"resolved_at": now,
			"resolved_by": resolvedBy,
			"updated_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Either missing or already resolved; distinguish for the caller.
		if _, err := GetFraudEvent(ctx, db, id); err != nil {
			return err
		}
	}
	return nil
}

// fraudQuery composes the filtered base query.
func fraudQuery(q *gorm.DB, f FraudEventFilter) *gorm.DB {
	q = q.Model(&domain.FraudEvent{})
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if f.ClaimID != "" {
		q = q.Where("claim_id = ?", f.ClaimID)
	}
	if f.Resolved != nil {
		q = q.Where("resolved = ?", *f.Resolved)
	}
	return q
}
