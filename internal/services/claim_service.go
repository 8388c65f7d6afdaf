// Package services – ClaimService
//
// This file implements the ClaimService, which issues claims against the
// purchase ledger. It validates purchase ownership and claim type, enforces
// idempotent issuance (one live claim per purchase and claim type), mints
// the claim code and PIN, snapshots the purchase facts onto the claim, and
// signs the portable credential embedded in the QR payload.
//
// Service-level errors (e.g., ErrPurchaseNotFound, ErrNotOwner) are returned
// for predictable cases so handlers can map them to HTTP results
// consistently.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-claims-backend/internal/credential"
	"github.com/tbourn/go-claims-backend/internal/domain"
	"github.com/tbourn/go-claims-backend/internal/repo"
)

// codeMintAttempts bounds retries when a freshly minted claim code collides
// with an existing one. At ~100 bits of entropy a collision is effectively a
// broken RNG, but the unique index is the authority.
const codeMintAttempts = 3

// ClaimService issues claims and serves owner-facing claim reads. It
// enforces ownership constraints and idempotent issuance.
type ClaimService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Signer produces the portable signed credential.
	Signer *credential.Signer

	// Validity is how long an issued claim stays redeemable.
	Validity time.Duration

	// Now is a clock seam for tests; defaults to time.Now.
	Now func() time.Time
}

// NewClaimService constructs a ClaimService with the given validity window.
func NewClaimService(db *gorm.DB, signer *credential.Signer, validity time.Duration) *ClaimService {
	return &ClaimService{DB: db, Signer: signer, Validity: validity, Now: time.Now}
}

// Issue creates a claim of claimType against purchaseID on behalf of userID.
//
// Semantics and validation:
//   - claimType must be return, warranty, or exchange; otherwise
//     ErrInvalidClaimType.
//   - The purchase must exist (ErrPurchaseNotFound) and belong to userID
//     (ErrNotOwner). A claim is never issued for a purchase that cannot be
//     attributed.
//   - Issuance is idempotent: if an unexpired, non-terminal claim of the
//     same type already exists for the purchase, that claim is returned
//     unchanged instead of a second row.
//
// Side effects: persists the claim in state issued with a fresh claim code,
// PIN, expiry deadline, and signed QR payload. No verification or fraud
// records are emitted.
//
// Concurrency: the existence check and insert run inside a transaction so
// two concurrent issue calls for the same (purchase, type) pair cannot both
// insert.
func (s *ClaimService) Issue(ctx context.Context, purchaseID, userID, claimType string) (*domain.Claim, error) {
	if !domain.ValidClaimType(claimType) {
		return nil, ErrInvalidClaimType
	}

	purchase, err := repo.GetPurchase(ctx, s.DB, purchaseID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPurchaseNotFound
		}
		return nil, err
	}
	if purchase.UserID != userID {
		return nil, ErrNotOwner
	}

	now := s.now().UTC()
	var out *domain.Claim
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := repo.FindActiveClaim(ctx, tx, purchaseID, claimType, now)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		pin, err := credential.MintPIN()
		if err != nil {
			return err
		}

		claim := &domain.Claim{
			PIN:            pin,
			PurchaseID:     purchase.ID,
			UserID:         userID,
			ClaimType:      claimType,
			Status:         domain.ClaimStatusIssued,
			OriginalAmount: purchase.TotalAmount,
			MerchantName:   purchase.MerchantName,
			PurchaseDate:   purchase.PurchaseDate,
			ExpiresAt:      now.Add(s.Validity),
			CreatedAt:      now,
		}

		for attempt := 0; ; attempt++ {
			code, err := credential.MintClaimCode()
			if err != nil {
				return err
			}
			claim.ClaimCode = code

			token, err := s.Signer.Issue(claim)
			if err != nil {
				return err
			}
			claim.QRCodeData = s.Signer.QRPayload(token)

			if _, err := repo.CreateClaim(ctx, tx, claim); err != nil {
				if isDuplicate(err) && attempt < codeMintAttempts-1 {
					continue
				}
				return err
			}
			break
		}
		out = claim
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a claim by code, restricted to its owner. Merchants use the
// verification path instead; this exists so the consumer can re-display a
// previously issued credential.
func (s *ClaimService) Get(ctx context.Context, userID, claimCode string) (*domain.Claim, error) {
	claim, err := repo.GetClaimByCode(ctx, s.DB, claimCode)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrClaimNotFound
		}
		return nil, err
	}
	if claim.UserID != userID {
		// Do not reveal that the code exists.
		return nil, ErrClaimNotFound
	}
	return claim, nil
}

// ListPage returns a page of claims for a user (paginated).
// It applies defaults for invalid page/pageSize and returns total count.
func (s *ClaimService) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Claim, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountClaims(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Claim{}, 0, nil
	}

	items, err := repo.ListClaimsPage(ctx, s.DB, userID, offset, pageSize)
	return items, total, err
}

// now returns the service clock, falling back to time.Now when unset.
func (s *ClaimService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// isDuplicate attempts to detect unique-constraint violations across drivers
// that may not map to gorm.ErrDuplicatedKey.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// SQLite typically: "UNIQUE constraint failed"
	// Postgres typically: "duplicate key value violates unique constraint"
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
