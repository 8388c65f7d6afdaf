// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Claim model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition, with one deliberate exception:
// RedeemClaim applies the terminal state transition as a conditional update
// so the at-most-once redemption guarantee is enforced at the storage
// boundary, not by an application-level read-then-write.
//
// Error semantics:
//   - When a claim is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - RedeemClaim returns ErrStale when the precondition (status still
//     issued/pending) no longer holds; the caller should re-read the claim
//     and report the terminal state it observes.
//   - On other DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-claims-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrStale is returned by RedeemClaim when the conditional update matched no
// rows: another request already moved the claim to a terminal state.
var ErrStale = errors.New("claim state changed concurrently")

// CreateClaim inserts a new Claim row. The claim ID is a randomly generated
// UUID (string), CreatedAt is set to UTC, and the status defaults to issued
// unless the caller set one explicitly.
//
// On success, it returns the persisted Claim. On failure, it returns a DB error.
func CreateClaim(ctx context.Context, db *gorm.DB, c *domain.Claim) (*domain.Claim, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = domain.ClaimStatusIssued
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// GetClaimByCode fetches a single claim by its public claim code. If the
// record does not exist, it returns ErrNotFound. On other DB errors, the raw
// error is returned.
func GetClaimByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Claim, error) {
	var c domain.Claim
	err := db.WithContext(ctx).
		Where("claim_code = ?", code).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetClaim fetches a claim by its internal ID, or ErrNotFound if missing.
func GetClaim(ctx context.Context, db *gorm.DB, id string) (*domain.Claim, error) {
	var c domain.Claim
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindActiveClaim returns the unexpired, non-terminal claim for the given
// (purchase, claimType) pair if one exists, or ErrNotFound. Used to make
// issuance idempotent: the issuer returns this claim instead of minting a
// duplicate.
func FindActiveClaim(ctx context.Context, db *gorm.DB, purchaseID, claimType string, now time.Time) (*domain.Claim, error) {
	var c domain.Claim
	err := db.WithContext(ctx).
		Where("purchase_id = ? AND claim_type = ? AND status IN ? AND expires_at > ?",
			purchaseID, claimType,
			[]string{domain.ClaimStatusIssued, domain.ClaimStatusPending}, now).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListClaims returns all claims belonging to userID, ordered by creation
// time descending. It returns an empty slice if the user has no claims.
func ListClaims(ctx context.Context, db *gorm.DB, userID string) ([]domain.Claim, error) {
	var out []domain.Claim
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&out).Error
	return out, err
}

// CountClaims returns the total number of claims owned by userID.
func CountClaims(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Claim{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListClaimsPage returns a paginated slice of claims for userID, ordered by
// creation time descending. Use CountClaims to obtain the total for
// pagination metadata.
func ListClaimsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Claim, error) {
	var out []domain.Claim
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// TerminalUpdate carries the fields stamped by a successful terminal
// transition.
type TerminalUpdate struct {
	Status         string
	RedeemedAmount *float64
	RedeemedAt     time.Time
	MerchantID     string
	MerchantUserID string
}

// RedeemClaim applies a terminal state transition with compare-and-swap
// semantics: the UPDATE's WHERE clause re-checks that the claim is still in
// a non-terminal state, so of two concurrent redemption attempts exactly one
// can match the row. The loser gets ErrStale and must re-read the claim to
// observe the terminal state the winner installed.
//
// On success the updated claim is re-fetched and returned.
func RedeemClaim(ctx context.Context, db *gorm.DB, claimID string, upd TerminalUpdate) (*domain.Claim, error) {
	values := map[string]any{
		"status":                  upd.Status,
		"redeemed_at":             upd.RedeemedAt,
		"redeemed_by_merchant_id": upd.MerchantID,
		"redeemed_by_user_id":     upd.MerchantUserID,
		"updated_at":              time.Now().UTC(),
	}
	if upd.RedeemedAmount != nil {
		values["redeemed_amount"] = *upd.RedeemedAmount
	}

	res := db.WithContext(ctx).
		Model(&domain.Claim{}).
		Where("id = ? AND status IN ?", claimID,
			[]string{domain.ClaimStatusIssued, domain.ClaimStatusPending}).
		Updates(values)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrStale
	}
	return GetClaim(ctx, db, claimID)
}
