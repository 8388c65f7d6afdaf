// Package services defines the business logic for claim issuance,
// verification, redemption, and fraud detection. This file centralizes
// common service-level error values so that they can be consistently
// returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler/controller layer.
package services

import "errors"

// Issuance errors.
var (
	// ErrPurchaseNotFound indicates that the referenced purchase does not
	// exist in the ledger.
	ErrPurchaseNotFound = errors.New("purchase not found")

	// ErrNotOwner is returned when issuance is attempted by a user who does
	// not own the referenced purchase.
	ErrNotOwner = errors.New("purchase not owned by user")

	// ErrInvalidClaimType is returned when the claim type is not one of
	// return, warranty, or exchange.
	ErrInvalidClaimType = errors.New("claim type must be return, warranty, or exchange")
)

// Verification and redemption errors.
var (
	// ErrClaimNotFound indicates that no claim exists for the presented
	// claim code.
	ErrClaimNotFound = errors.New("claim not found")

	// ErrExpired is returned when the claim is past its deadline.
	ErrExpired = errors.New("claim expired")

	// ErrAlreadyTerminal is returned when redemption is attempted on a claim
	// that already reached a terminal state. Losers of a redemption race get
	// this outcome, never a generic error.
	ErrAlreadyTerminal = errors.New("claim already in a terminal state")

	// ErrPinMismatch is returned when the attempted PIN does not match.
	ErrPinMismatch = errors.New("pin does not match")

	// ErrRateLimited is returned once the per-claim PIN-failure threshold is
	// exceeded; the PIN is not even compared at that point.
	ErrRateLimited = errors.New("too many failed pin attempts")

	// ErrInvalidCredential is returned for a scanned credential that fails
	// signature or schema validation.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrInvalidAmount is returned when a partial refund amount is not
	// strictly between zero and the claim's original amount.
	ErrInvalidAmount = errors.New("refund amount must be positive and below the original amount")

	// ErrMerchantInactive is returned when the acting merchant or staff
	// member is unknown or deactivated.
	ErrMerchantInactive = errors.New("merchant or staff member is not active")
)

// Fraud review errors.
var (
	// ErrFraudEventNotFound indicates that the requested fraud event does
	// not exist.
	ErrFraudEventNotFound = errors.New("fraud event not found")
)
