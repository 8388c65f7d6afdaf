package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-claims-backend/internal/domain"
)

func newRepoDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("claims_repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

var seedSeq int64

func seedClaim(t *testing.T, db *gorm.DB, mutate func(*domain.Claim)) *domain.Claim {
	t.Helper()
	seedSeq++
	c := &domain.Claim{
		ClaimCode:      fmt.Sprintf("CODE%016d", seedSeq),
		PIN:            "123456",
		PurchaseID:     "p1",
		UserID:         "u1",
		ClaimType:      domain.ClaimTypeReturn,
		Status:         domain.ClaimStatusIssued,
		OriginalAmount: 100,
		MerchantName:   "Acme",
		PurchaseDate:   time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt:      time.Now().UTC().Add(24 * time.Hour),
	}
	if mutate != nil {
		mutate(c)
	}
	out, err := CreateClaim(context.Background(), db, c)
	if err != nil {
		t.Fatalf("CreateClaim: %v", err)
	}
	return out
}

func TestCreateClaim_SetsDefaults(t *testing.T) {
	db := newRepoDB(t, &domain.Claim{})

	c := seedClaim(t, db, func(c *domain.Claim) { c.Status = "" })
	if c.ID == "" {
		t.Fatalf("expected generated id")
	}
	if c.Status != domain.ClaimStatusIssued {
		t.Fatalf("expected default status issued, got %q", c.Status)
	}
	if c.CreatedAt.IsZero() {
		t.Fatalf("expected CreatedAt to be set")
	}
}

func TestCreateClaim_DuplicateCode(t *testing.T) {
	db := newRepoDB(t, &domain.Claim{})

	first := seedClaim(t, db, nil)
	dup := &domain.Claim{
		ClaimCode:    first.ClaimCode,
		PIN:          "000000",
		PurchaseID:   "p2",
		UserID:       "u2",
		ClaimType:    domain.ClaimTypeWarranty,
		MerchantName: "Other",
		PurchaseDate: time.Now().UTC(),
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
	}
	if _, err := CreateClaim(context.Background(), db, dup); err == nil {
		t.Fatalf("expected unique violation for duplicate claim code")
	}
}

func TestGetClaimByCode_And_GetClaim(t *testing.T) {
	db := newRepoDB(t, &domain.Claim{})
	c := seedClaim(t, db, nil)

	got, err := GetClaimByCode(context.Background(), db, c.ClaimCode)
	if err != nil {
		t.Fatalf("GetClaimByCode: %v", err)
	}
	if got.ID != c.ID {
		t.Fatalf("wrong claim: %+v", got)
	}

	if _, err := GetClaimByCode(context.Background(), db, "NOPE"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	byID, err := GetClaim(context.Background(), db, c.ID)
	if err != nil || byID.ClaimCode != c.ClaimCode {
		t.Fatalf("GetClaim: %+v %v", byID, err)
	}
}

func TestFindActiveClaim(t *testing.T) {
	db := newRepoDB(t, &domain.Claim{})
	now := time.Now().UTC()

	active := seedClaim(t, db, nil)

	got, err := FindActiveClaim(context.Background(), db, "p1", domain.ClaimTypeReturn, now)
	if err != nil {
		t.Fatalf("FindActiveClaim: %v", err)
	}
	if got.ID != active.ID {
		t.Fatalf("wrong active claim: %+v", got)
	}

	// Different type → not found.
	if _, err := FindActiveClaim(context.Background(), db, "p1", domain.ClaimTypeWarranty, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other type, got %v", err)
	}

	// Expired claims are not active.
	if _, err := FindActiveClaim(context.Background(), db, "p1", domain.ClaimTypeReturn, now.Add(48*time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound past expiry, got %v", err)
	}

	// Terminal claims are not active either.
	seedClaim(t, db, func(c *domain.Claim) {
		c.PurchaseID = "p2"
		c.Status = domain.ClaimStatusRedeemed
	})
	if _, err := FindActiveClaim(context.Background(), db, "p2", domain.ClaimTypeReturn, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for terminal claim, got %v", err)
	}
}

func TestListAndCountClaims_Pagination(t *testing.T) {
	db := newRepoDB(t, &domain.Claim{})

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		i := i
		seedClaim(t, db, func(c *domain.Claim) {
			c.PurchaseID = fmt.Sprintf("p%d", i)
			c.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		})
	}
	seedClaim(t, db, func(c *domain.Claim) { c.UserID = "other" })

	n, err := CountClaims(context.Background(), db, "u1")
	if err != nil || n != 5 {
		t.Fatalf("CountClaims = %d, %v; want 5", n, err)
	}

	all, err := ListClaims(context.Background(), db, "u1")
	if err != nil || len(all) != 5 {
		t.Fatalf("ListClaims = %d, %v", len(all), err)
	}
	// Newest first.
	if all[0].CreatedAt.Before(all[4].CreatedAt) {
		t.Fatalf("expected created_at desc ordering")
	}

	page, err := ListClaimsPage(context.Background(), db, "u1", 2, 2)
	if err != nil || len(page) != 2 {
		t.Fatalf("ListClaimsPage = %d, %v", len(page), err)
	}
}

func TestRedeemClaim_CAS(t *testing.T) {
	db := newRepoDB(t, &domain.Claim{})
	c := seedClaim(t, db, nil)
	amount := 100.0

	upd := TerminalUpdate{
		Status:         domain.ClaimStatusRedeemed,
		RedeemedAmount: &amount,
		RedeemedAt:     time.Now().UTC(),
		MerchantID:     "m1",
		MerchantUserID: "mu1",
	}

	got, err := RedeemClaim(context.Background(), db, c.ID, upd)
	if err != nil {
		t.Fatalf("RedeemClaim: %v", err)
	}
	if got.Status != domain.ClaimStatusRedeemed {
		t.Fatalf("status = %q", got.Status)
	}
	if got.RedeemedAmount == nil || *got.RedeemedAmount != amount {
		t.Fatalf("redeemed amount = %v", got.RedeemedAmount)
	}
	if got.RedeemedByMerchantID == nil || *got.RedeemedByMerchantID != "m1" {
		t.Fatalf("merchant attribution missing: %+v", got)
	}

	// Second transition on the same claim loses the precondition.
	if _, err := RedeemClaim(context.Background(), db, c.ID, upd); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale on second redemption, got %v", err)
	}
}

func TestRedeemClaim_PendingIsStillRedeemable(t *testing.T) {
	db := newRepoDB(t, &domain.Claim{})
	c := seedClaim(t, db, func(c *domain.Claim) { c.Status = domain.ClaimStatusPending })

	got, err := RedeemClaim(context.Background(), db, c.ID, TerminalUpdate{
		Status:         domain.ClaimStatusRefused,
		RedeemedAt:     time.Now().UTC(),
		MerchantID:     "m1",
		MerchantUserID: "mu1",
	})
	if err != nil {
		t.Fatalf("RedeemClaim from pending: %v", err)
	}
	if got.Status != domain.ClaimStatusRefused {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestClaimsStats(t *testing.T) {
	db := newRepoDB(t, &domain.Claim{})

	n, max, err := ClaimsStats(context.Background(), db, "u1")
	if err != nil || n != 0 || max != nil {
		t.Fatalf("empty stats: n=%d max=%v err=%v", n, max, err)
	}

	seedClaim(t, db, nil)
	seedClaim(t, db, func(c *domain.Claim) { c.PurchaseID = "p2" })

	n, max, err = ClaimsStats(context.Background(), db, "u1")
	if err != nil || n != 2 || max == nil {
		t.Fatalf("stats: n=%d max=%v err=%v", n, max, err)
	}
}
