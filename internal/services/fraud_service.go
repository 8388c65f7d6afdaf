// Package services – FraudService
//
// This file implements the fraud detector. It is not an always-on process:
// the verification path invokes it synchronously after each audit write, and
// review tooling queries it on demand. Signals are computed from the durable
// audit log, never from in-memory counters, so detection survives restarts
// and stays consistent across any number of server instances.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-claims-backend/internal/domain"
	"github.com/tbourn/go-claims-backend/internal/repo"
)

// severityFor maps each event type to its default severity. Callers can
// override via RecordInput.Severity; suspicious_pattern defaults low because
// it is the escape hatch for heuristics without a dedicated type yet.
func severityFor(eventType string) string {
	switch eventType {
	case domain.FraudInvalidPinAttempt, domain.FraudDuplicateClaim:
		return domain.SeverityHigh
	case domain.FraudExpiredClaimUse, domain.FraudCrossMerchant:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// RecordInput describes a detected incident.
type RecordInput struct {
	ClaimID    *string
	PurchaseID *string
	UserID     *string
	EventType  string
	// Severity overrides the per-type default when non-empty.
	Severity    string
	Description string
}

// FraudService records, lists, and resolves fraud events, and answers the
// throttle queries the verifier needs.
type FraudService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
}

// NewFraudService constructs a FraudService.
func NewFraudService(db *gorm.DB) *FraudService {
	return &FraudService{DB: db}
}

// CountFailedPinAttempts counts failed PIN attempts for a claim since the
// given instant, straight from the audit log. The verifier consults this
// before comparing a new PIN.
func (s *FraudService) CountFailedPinAttempts(ctx context.Context, claimID string, since time.Time) (int64, error) {
	return repo.CountFailedPinAttempts(ctx, s.DB, claimID, since)
}

// Record creates one fraud event for a detected incident.
func (s *FraudService) Record(ctx context.Context, in RecordInput) (*domain.FraudEvent, error) {
	sev := in.Severity
	if sev == "" {
		sev = severityFor(in.EventType)
	}
	ev := &domain.FraudEvent{
		ClaimID:     in.ClaimID,
		PurchaseID:  in.PurchaseID,
		UserID:      in.UserID,
		EventType:   in.EventType,
		Severity:    sev,
		Description: in.Description,
	}
	return repo.CreateFraudEvent(ctx, s.DB, ev)
}

// RecordForClaim records an incident bound to a claim's references. It is
// the hook the verifier calls synchronously after audit writes; a failure to
// record is logged but never fails the verification that triggered it.
func (s *FraudService) RecordForClaim(ctx context.Context, claim *domain.Claim, eventType, description string) {
	_, err := s.Record(ctx, RecordInput{
		ClaimID:     &claim.ID,
		PurchaseID:  &claim.PurchaseID,
		UserID:      &claim.UserID,
		EventType:   eventType,
		Description: description,
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("claim_id", claim.ID).
			Str("event_type", eventType).
			Msg("failed to record fraud event")
	}
}

// ListPage returns a page of fraud events matching the filter and the total
// count. It applies defaults for invalid page/pageSize.
func (s *FraudService) ListPage(ctx context.Context, f repo.FraudEventFilter, page, pageSize int) ([]domain.FraudEvent, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountFraudEvents(ctx, s.DB, f)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.FraudEvent{}, 0, nil
	}

	items, err := repo.ListFraudEventsPage(ctx, s.DB, f, offset, pageSize)
	return items, total, err
}

// Resolve marks a fraud event resolved by resolvedBy. Resolving an already
// resolved event is a no-op, not an error; it never reverses claim state.
// Returns ErrFraudEventNotFound when the event does not exist.
func (s *FraudService) Resolve(ctx context.Context, id, resolvedBy string) error {
	err := repo.ResolveFraudEvent(ctx, s.DB, id, resolvedBy, time.Now().UTC())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrFraudEventNotFound
	}
	return err
}
