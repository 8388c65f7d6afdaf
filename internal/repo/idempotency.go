// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the Idempotency
// model used to implement safe-retry semantics for claim issuance.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-claims-backend/internal/domain"
)

// ErrDuplicate indicates that an idempotency record already exists for the
// given (user_id, purchase_id, key) tuple.
var ErrDuplicate = errors.New("duplicate")

// GetIdempotency returns a non-expired record or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, userID, purchaseID, key string, now time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(purchaseID) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("user_id = ? AND purchase_id = ? AND key = ? AND expires_at > ?", userID, purchaseID, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// HasIdempotency reports whether any non-expired record exists for
// (user_id, key), regardless of purchase scope. The HTTP idempotency
// middleware uses this cheap existence probe to flag replays before the
// request body (which carries the purchase id) is parsed.
func HasIdempotency(ctx context.Context, db *gorm.DB, userID, key string, now time.Time) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Idempotency{}).
		Where("user_id = ? AND key = ? AND expires_at > ?", userID, key, now).
		Count(&n).Error
	return n > 0, err
}

// CreateIdempotency inserts a record and returns ErrDuplicate on unique violation.
func CreateIdempotency(ctx context.Context, db *gorm.DB, userID, purchaseID, key, claimID string, status int, ttl time.Duration) (*domain.Idempotency, error) {
	now := time.Now().UTC()
	rec := &domain.Idempotency{
		ID:         uuid.NewString(),
		UserID:     userID,
		PurchaseID: purchaseID,
		Key:        key,
		ClaimID:    claimID,
		Status:     status,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}
