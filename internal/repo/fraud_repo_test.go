package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-claims-backend/internal/domain"
)

func seedFraudEvent(t *testing.T, db *gorm.DB, mutate func(*domain.FraudEvent)) *domain.FraudEvent {
	t.Helper()
	claimID := "c1"
	ev := &domain.FraudEvent{
		ClaimID:     &claimID,
		EventType:   domain.FraudInvalidPinAttempt,
		Severity:    domain.SeverityHigh,
		Description: "seeded",
	}
	if mutate != nil {
		mutate(ev)
	}
	out, err := CreateFraudEvent(context.Background(), db, ev)
	if err != nil {
		t.Fatalf("CreateFraudEvent: %v", err)
	}
	return out
}

func TestCreateAndGetFraudEvent(t *testing.T) {
	db := newRepoDB(t, &domain.FraudEvent{})

	ev := seedFraudEvent(t, db, nil)
	if ev.ID == "" || ev.CreatedAt.IsZero() {
		t.Fatalf("expected generated id and timestamp: %+v", ev)
	}

	got, err := GetFraudEvent(context.Background(), db, ev.ID)
	if err != nil || got.EventType != domain.FraudInvalidPinAttempt {
		t.Fatalf("GetFraudEvent: %+v %v", got, err)
	}

	if _, err := GetFraudEvent(context.Background(), db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFraudEventFilter_CountAndList(t *testing.T) {
	db := newRepoDB(t, &domain.FraudEvent{})

	seedFraudEvent(t, db, nil)
	seedFraudEvent(t, db, func(ev *domain.FraudEvent) {
		ev.EventType = domain.FraudCrossMerchant
		ev.Severity = domain.SeverityMedium
	})
	resolvedID := "c9"
	seedFraudEvent(t, db, func(ev *domain.FraudEvent) {
		ev.ClaimID = &resolvedID
		ev.Resolved = true
	})

	n, err := CountFraudEvents(context.Background(), db, FraudEventFilter{})
	if err != nil || n != 3 {
		t.Fatalf("unfiltered count = %d, %v", n, err)
	}

	n, err = CountFraudEvents(context.Background(), db, FraudEventFilter{EventType: domain.FraudCrossMerchant})
	if err != nil || n != 1 {
		t.Fatalf("event_type filter count = %d, %v", n, err)
	}

	n, err = CountFraudEvents(context.Background(), db, FraudEventFilter{ClaimID: "c9"})
	if err != nil || n != 1 {
		t.Fatalf("claim_id filter count = %d, %v", n, err)
	}

	unresolved := false
	n, err = CountFraudEvents(context.Background(), db, FraudEventFilter{Resolved: &unresolved})
	if err != nil || n != 2 {
		t.Fatalf("resolved filter count = %d, %v", n, err)
	}

	page, err := ListFraudEventsPage(context.Background(), db, FraudEventFilter{}, 0, 2)
	if err != nil || len(page) != 2 {
		t.Fatalf("ListFraudEventsPage = %d, %v", len(page), err)
	}
}

func TestResolveFraudEvent_IdempotentAndMissing(t *testing.T) {
	db := newRepoDB(t, &domain.FraudEvent{})
	ev := seedFraudEvent(t, db, nil)
	now := time.Now().UTC()

	if err := ResolveFraudEvent(context.Background(), db, ev.ID, "analyst-1", now); err != nil {
		t.Fatalf("ResolveFraudEvent: %v", err)
	}

	got, err := GetFraudEvent(context.Background(), db, ev.ID)
	if err != nil {
		t.Fatalf("GetFraudEvent: %v", err)
	}
	if !got.Resolved || got.ResolvedBy == nil || *got.ResolvedBy != "analyst-1" || got.ResolvedAt == nil {
		t.Fatalf("resolution fields not stamped: %+v", got)
	}

	// Second resolve is a no-op, not an error, and does not re-stamp.
	if err := ResolveFraudEvent(context.Background(), db, ev.ID, "analyst-2", now.Add(time.Hour)); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	again, _ := GetFraudEvent(context.Background(), db, ev.ID)
	if *again.ResolvedBy != "analyst-1" {
		t.Fatalf("second resolve overwrote attribution: %+v", again)
	}

	// Missing event is an error.
	if err := ResolveFraudEvent(context.Background(), db, "missing", "analyst-1", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFraudEventsStats(t *testing.T) {
	db := newRepoDB(t, &domain.FraudEvent{})

	n, max, err := FraudEventsStats(context.Background(), db, FraudEventFilter{})
	if err != nil || n != 0 || max != nil {
		t.Fatalf("empty stats: n=%d max=%v err=%v", n, max, err)
	}

	seedFraudEvent(t, db, nil)
	seedFraudEvent(t, db, func(ev *domain.FraudEvent) { ev.EventType = domain.FraudExpiredClaimUse })

	n, max, err = FraudEventsStats(context.Background(), db, FraudEventFilter{})
	if err != nil || n != 2 || max == nil {
		t.Fatalf("stats: n=%d max=%v err=%v", n, max, err)
	}
}
