// Package services – VerificationService
//
// This file implements the merchant-side verification and redemption
// handshake. Verify is the read-only half: it checks throttling, expiry,
// PIN, credential integrity, and current state, and reports an explicit
// status a human at the point of sale can act on. Redeem is the privileged
// continuation: it re-runs the same checks and then applies the terminal
// state transition with compare-and-swap semantics at the storage boundary,
// so at most one redemption ever succeeds per claim.
//
// Every verification or redemption attempt against a known claim appends
// exactly one row to the audit log, and the fraud detector is invoked
// synchronously after each audit write.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-claims-backend/internal/credential"
	"github.com/tbourn/go-claims-backend/internal/domain"
	"github.com/tbourn/go-claims-backend/internal/repo"
)

// Status is the explicit outcome reported to the merchant-facing caller.
// Verification is read by a human making an in-person decision, so the
// caller always receives one of these rather than a bare error.
type Status string

// Verification statuses.
const (
	StatusMatch           Status = "MATCH"
	StatusNoMatch         Status = "NO_MATCH"
	StatusExpired         Status = "EXPIRED"
	StatusAlreadyRedeemed Status = "ALREADY_REDEEMED"
	StatusInvalid         Status = "INVALID"
	StatusRateLimited     Status = "RATE_LIMITED"
)

// VerifyInput carries one verification attempt as presented at the point of
// sale. MerchantID and MerchantUserID are optional: self-checkout and
// unauthenticated probing are verified (and audited) too.
type VerifyInput struct {
	ClaimCode  string
	PIN        string
	Credential string // optional scanned QR payload or bare token

	MerchantID     *string
	MerchantUserID *string

	// Request provenance, recorded verbatim in the audit trail.
	RemoteIP  string
	UserAgent string
}

// VerifyResult is the outcome of a verification attempt.
type VerifyResult struct {
	Status     Status
	PinCorrect bool
	// Claim and Purchase are populated whenever the claim code resolved,
	// regardless of status, so the caller can render context for the
	// in-person decision.
	Claim    *domain.Claim
	Purchase *domain.Purchase
}

// RedeemInput carries a redemption request. Exactly one of the three
// outcomes is driven: full redemption (IsPartial=false, Decline=false),
// partial redemption (IsPartial=true with RefundAmount), or explicit refusal
// (Decline=true).
type RedeemInput struct {
	ClaimCode  string
	PIN        string
	Credential string

	RefundAmount *float64
	IsPartial    bool
	Decline      bool
	Notes        string

	MerchantID     string
	MerchantUserID string

	RemoteIP  string
	UserAgent string
}

// VerificationService implements the verify/redeem protocol on top of the
// claim store, the audit log, and the fraud detector.
type VerificationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Signer validates scanned credentials.
	Signer *credential.Signer
	// Fraud is consulted for throttling and notified of suspicious attempts.
	Fraud *FraudService

	// PinFailThreshold and PinFailWindow configure the per-claim throttle
	// computed from the audit log.
	PinFailThreshold int
	PinFailWindow    time.Duration

	// Now is a clock seam for tests; defaults to time.Now.
	Now func() time.Time
}

// NewVerificationService constructs a VerificationService with the given
// throttle settings.
func NewVerificationService(db *gorm.DB, signer *credential.Signer, fraud *FraudService, threshold int, window time.Duration) *VerificationService {
	return &VerificationService{
		DB:               db,
		Signer:           signer,
		Fraud:            fraud,
		PinFailThreshold: threshold,
		PinFailWindow:    window,
		Now:              time.Now,
	}
}

// Verify runs the read-only verification protocol and records the attempt.
//
// Check order:
//  1. Unknown claim code → StatusInvalid. Nothing to audit against; the
//     edge rate limiter is the defense for code scanning.
//  2. Throttle gate: once the failed-PIN count in the trailing window
//     reaches the threshold the attempt is refused without comparing the
//     PIN, and the attempt that crosses the threshold raises exactly one
//     invalid_pin_attempts fraud event.
//  3. Lazy expiry: past ExpiresAt with a non-terminal state → StatusExpired.
//     No state is mutated; expiry is a property of now vs the deadline.
//  4. PIN comparison; pin_correct is recorded in the audit row regardless
//     of the overall outcome.
//  5. Credential consistency (QR path): signature or schema failure →
//     StatusInvalid; a valid signature whose payload disagrees with the
//     stored claim → StatusNoMatch plus a duplicate_claim_attempt event,
//     since that is the shape of a cloned or stale credential.
//  6. Terminal states report themselves; Verify never re-executes a
//     transition.
//  7. Otherwise StatusMatch with the claim's current non-terminal state.
//
// A cross-merchant attempt (acting merchant differs from the purchase's
// merchant attribution) is allowed to proceed but always notifies the fraud
// detector.
func (s *VerificationService) Verify(ctx context.Context, in VerifyInput) (*VerifyResult, error) {
	return s.verify(ctx, in, false)
}

func (s *VerificationService) verify(ctx context.Context, in VerifyInput, forRedemption bool) (*VerifyResult, error) {
	now := s.now().UTC()

	claim, err := repo.GetClaimByCode(ctx, s.DB, in.ClaimCode)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &VerifyResult{Status: StatusInvalid}, nil
		}
		return nil, err
	}

	purchase, err := repo.GetPurchase(ctx, s.DB, claim.PurchaseID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	res := &VerifyResult{Claim: claim, Purchase: purchase}

	audit := &domain.ClaimVerification{
		ClaimID:        claim.ID,
		MerchantID:     in.MerchantID,
		MerchantUserID: in.MerchantUserID,
		PinAttempted:   in.PIN,
		RemoteIP:       in.RemoteIP,
		UserAgent:      in.UserAgent,
		CreatedAt:      now,
	}

	// Throttle gate first: past the threshold the PIN is not even compared.
	failed, err := s.Fraud.CountFailedPinAttempts(ctx, claim.ID, now.Add(-s.PinFailWindow))
	if err != nil {
		return nil, err
	}
	if failed >= int64(s.PinFailThreshold) {
		res.Status = StatusRateLimited
		audit.Result = domain.VerificationFraudSuspected
		audit.Notes = "pin attempt refused: failure threshold exceeded"
		if err := s.finish(ctx, audit); err != nil {
			return nil, err
		}
		// Exactly one event per incident: raised by the attempt that
		// crosses the threshold, not by every refusal after it.
		if failed == int64(s.PinFailThreshold) {
			s.notify(ctx, claim, domain.FraudInvalidPinAttempt,
				fmt.Sprintf("%d failed pin attempts within %s", failed, s.PinFailWindow))
		}
		s.crossMerchantCheck(ctx, claim, purchase, in.MerchantID)
		return res, nil
	}

	res.PinCorrect = claim.PIN == in.PIN
	audit.PinCorrect = res.PinCorrect

	// Lazy expiry: reported, never swept.
	if claim.IsExpired(now) && !claim.IsTerminal() {
		res.Status = StatusExpired
		audit.Result = domain.VerificationRejected
		audit.Notes = "claim past its deadline"
		if err := s.finish(ctx, audit); err != nil {
			return nil, err
		}
		if forRedemption {
			s.notify(ctx, claim, domain.FraudExpiredClaimUse,
				fmt.Sprintf("redemption attempted %s after expiry", now.Sub(claim.ExpiresAt).Round(time.Minute)))
		}
		s.crossMerchantCheck(ctx, claim, purchase, in.MerchantID)
		return res, nil
	}

	if !res.PinCorrect {
		res.Status = StatusNoMatch
		audit.Result = domain.VerificationRejected
		audit.Notes = "pin mismatch"
		if err := s.finish(ctx, audit); err != nil {
			return nil, err
		}
		s.crossMerchantCheck(ctx, claim, purchase, in.MerchantID)
		return res, nil
	}

	// Credential consistency (QR path). The signature proves the payload is
	// unedited; the stored claim stays the authority on validity.
	if in.Credential != "" {
		payload, perr := s.parseCredential(in.Credential)
		if perr != nil {
			res.Status = StatusInvalid
			audit.Result = domain.VerificationRejected
			audit.Notes = "credential failed signature or schema validation"
			if err := s.finish(ctx, audit); err != nil {
				return nil, err
			}
			s.crossMerchantCheck(ctx, claim, purchase, in.MerchantID)
			return res, nil
		}
		if !payload.Matches(claim) {
			res.Status = StatusNoMatch
			audit.Result = domain.VerificationFraudSuspected
			audit.Notes = "credential payload does not match stored claim"
			if err := s.finish(ctx, audit); err != nil {
				return nil, err
			}
			s.notify(ctx, claim, domain.FraudDuplicateClaim,
				"signed credential payload disagrees with stored claim; cloned or stale credential suspected")
			s.crossMerchantCheck(ctx, claim, purchase, in.MerchantID)
			return res, nil
		}
	}

	// Terminal states report themselves; no transition re-executes.
	if claim.IsTerminal() {
		if claim.Status == domain.ClaimStatusExpired {
			res.Status = StatusExpired
		} else {
			res.Status = StatusAlreadyRedeemed
		}
		audit.Result = domain.VerificationRejected
		audit.Notes = "claim already " + claim.Status
		if err := s.finish(ctx, audit); err != nil {
			return nil, err
		}
		s.crossMerchantCheck(ctx, claim, purchase, in.MerchantID)
		return res, nil
	}

	res.Status = StatusMatch
	audit.Result = domain.VerificationApproved
	// On the redemption path the terminal transition writes the single
	// audit row for this attempt; writing one here too would double-count.
	if !forRedemption {
		if err := s.finish(ctx, audit); err != nil {
			return nil, err
		}
	}
	s.crossMerchantCheck(ctx, claim, purchase, in.MerchantID)
	return res, nil
}

// Redeem performs the state-changing half of the handshake. A failed
// verification never proceeds to mutation, and the transition itself is a
// conditional update whose precondition is "status still issued or pending",
// so two racing redemption attempts cannot both succeed: the loser receives
// ErrAlreadyTerminal.
//
// Outcomes:
//   - Decline: state → refused. A deliberate terminal outcome (staff
//     declined despite a technical match), not an error.
//   - IsPartial: state → partial; requires 0 < RefundAmount <
//     OriginalAmount, enforced before any mutation (ErrInvalidAmount).
//   - Otherwise: state → redeemed with RedeemedAmount = OriginalAmount.
func (s *VerificationService) Redeem(ctx context.Context, in RedeemInput) (*domain.Claim, error) {
	claim, err := repo.GetClaimByCode(ctx, s.DB, in.ClaimCode)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrClaimNotFound
		}
		return nil, err
	}

	// Pure input validation: caught before any state mutation and before
	// the audit write; not a fraud signal by itself.
	if !in.Decline {
		if in.IsPartial {
			if in.RefundAmount == nil || *in.RefundAmount <= 0 || *in.RefundAmount >= claim.OriginalAmount {
				return nil, ErrInvalidAmount
			}
		} else if in.RefundAmount != nil && *in.RefundAmount != claim.OriginalAmount {
			return nil, ErrInvalidAmount
		}
	}

	// Redemption requires an authenticated, active merchant context.
	if err := s.checkMerchant(ctx, in.MerchantID, in.MerchantUserID); err != nil {
		return nil, err
	}

	vres, err := s.verify(ctx, VerifyInput{
		ClaimCode:      in.ClaimCode,
		PIN:            in.PIN,
		Credential:     in.Credential,
		MerchantID:     &in.MerchantID,
		MerchantUserID: &in.MerchantUserID,
		RemoteIP:       in.RemoteIP,
		UserAgent:      in.UserAgent,
	}, true)
	if err != nil {
		return nil, err
	}
	switch vres.Status {
	case StatusMatch:
		// proceed
	case StatusExpired:
		return nil, ErrExpired
	case StatusAlreadyRedeemed:
		return nil, ErrAlreadyTerminal
	case StatusRateLimited:
		return nil, ErrRateLimited
	case StatusNoMatch:
		if vres.PinCorrect {
			return nil, ErrInvalidCredential
		}
		return nil, ErrPinMismatch
	default:
		return nil, ErrInvalidCredential
	}

	now := s.now().UTC()
	upd := repo.TerminalUpdate{
		RedeemedAt:     now,
		MerchantID:     in.MerchantID,
		MerchantUserID: in.MerchantUserID,
	}
	result := domain.VerificationApproved
	switch {
	case in.Decline:
		upd.Status = domain.ClaimStatusRefused
		result = domain.VerificationRejected
	case in.IsPartial:
		upd.Status = domain.ClaimStatusPartial
		upd.RedeemedAmount = in.RefundAmount
		result = domain.VerificationPartial
	default:
		amount := claim.OriginalAmount
		upd.Status = domain.ClaimStatusRedeemed
		upd.RedeemedAmount = &amount
	}

	updated, err := repo.RedeemClaim(ctx, s.DB, claim.ID, upd)
	if err != nil {
		if errors.Is(err, repo.ErrStale) {
			// Race loser: record the refused attempt and re-observe the
			// terminal state rather than double-redeem.
			if _, aerr := repo.CreateVerification(ctx, s.DB, &domain.ClaimVerification{
				ClaimID:        claim.ID,
				MerchantID:     &in.MerchantID,
				MerchantUserID: &in.MerchantUserID,
				Result:         domain.VerificationRejected,
				PinAttempted:   in.PIN,
				PinCorrect:     true,
				Notes:          "claim reached a terminal state concurrently",
				RemoteIP:       in.RemoteIP,
				UserAgent:      in.UserAgent,
				CreatedAt:      now,
			}); aerr != nil {
				log.Error().
					Err(aerr).
					Str("claim_id", claim.ID).
					Msg("failed to record race-loser audit row")
			}
			return nil, ErrAlreadyTerminal
		}
		return nil, err
	}

	audit := &domain.ClaimVerification{
		ClaimID:        claim.ID,
		MerchantID:     &in.MerchantID,
		MerchantUserID: &in.MerchantUserID,
		Result:         result,
		PinAttempted:   in.PIN,
		PinCorrect:     true,
		RefundAmount:   upd.RedeemedAmount,
		Notes:          in.Notes,
		RemoteIP:       in.RemoteIP,
		UserAgent:      in.UserAgent,
		CreatedAt:      now,
	}
	if _, err := repo.CreateVerification(ctx, s.DB, audit); err != nil {
		return nil, err
	}

	return updated, nil
}

// checkMerchant validates that the acting merchant and staff member exist,
// belong together, and are active.
func (s *VerificationService) checkMerchant(ctx context.Context, merchantID, merchantUserID string) error {
	m, err := repo.GetMerchant(ctx, s.DB, merchantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMerchantInactive
		}
		return err
	}
	mu, err := repo.GetMerchantUser(ctx, s.DB, merchantUserID, merchantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMerchantInactive
		}
		return err
	}
	if !m.IsActive || !mu.IsActive {
		return ErrMerchantInactive
	}
	return nil
}

// parseCredential unwraps and validates a scanned payload.
func (s *VerificationService) parseCredential(raw string) (*credential.Payload, error) {
	token, err := s.Signer.TokenFromQR(raw)
	if err != nil {
		return nil, err
	}
	return s.Signer.Verify(token)
}

// finish appends the audit row for the attempt. Exactly one row per attempt
// against a known claim, regardless of outcome.
func (s *VerificationService) finish(ctx context.Context, audit *domain.ClaimVerification) error {
	_, err := repo.CreateVerification(ctx, s.DB, audit)
	return err
}

// notify raises a fraud event via the detector. Detection failures are not
// allowed to fail the verification itself; the audit row already exists.
func (s *VerificationService) notify(ctx context.Context, claim *domain.Claim, eventType, description string) {
	s.Fraud.RecordForClaim(ctx, claim, eventType, description)
}

// crossMerchantCheck notifies the detector when the acting merchant differs
// from the merchant the purchase was attributed to. The attempt itself is
// allowed regardless of outcome.
func (s *VerificationService) crossMerchantCheck(ctx context.Context, claim *domain.Claim, purchase *domain.Purchase, actingMerchant *string) {
	if actingMerchant == nil || purchase == nil || purchase.MerchantID == "" {
		return
	}
	if *actingMerchant != purchase.MerchantID {
		s.notify(ctx, claim, domain.FraudCrossMerchant,
			fmt.Sprintf("verification by merchant %s on a purchase attributed to merchant %s", *actingMerchant, purchase.MerchantID))
	}
}

// now returns the service clock, falling back to time.Now when unset.
func (s *VerificationService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
