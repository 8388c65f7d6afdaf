// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// ClaimVerification audit log.
//
// The audit log is append-only: this file deliberately exposes no update or
// delete helper. Every verification or redemption attempt, successful or
// not, becomes exactly one immutable row, and the PIN-failure throttle is
// computed from these rows rather than an in-memory counter so it survives
// process restarts and stays consistent across server instances.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-claims-backend/internal/domain"
)

// CreateVerification appends an audit row. The ID is a generated UUID and
// CreatedAt is set to UTC unless the caller pre-filled it (tests do, to
// control window queries).
func CreateVerification(ctx context.Context, db *gorm.DB, v *domain.ClaimVerification) (*domain.ClaimVerification, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(v).Error; err != nil {
		return nil, err
	}
	return v, nil
}

// CountFailedPinAttempts counts audit rows for claimID within the trailing
// window where the attempted PIN did not match. The verifier consults this
// before comparing a new PIN and refuses once the configured threshold is
// exceeded.
func CountFailedPinAttempts(ctx context.Context, db *gorm.DB, claimID string, since time.Time) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.ClaimVerification{}).
		Where("claim_id = ? AND pin_correct = ? AND created_at >= ?", claimID, false, since).
		Count(&n).Error
	return n, err
}

// ListVerifications returns the audit trail for a claim, newest first.
func ListVerifications(ctx context.Context, db *gorm.DB, claimID string) ([]domain.ClaimVerification, error) {
	var out []domain.ClaimVerification
	err := db.WithContext(ctx).
		Where("claim_id = ?", claimID).
		Order("created_at desc").
		Find(&out).Error
	return out, err
}
