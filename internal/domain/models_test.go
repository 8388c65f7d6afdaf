package domain

import (
	"testing"
	"time"
)

func TestIsTerminalStatus(t *testing.T) {
	terminal := []string{ClaimStatusRedeemed, ClaimStatusPartial, ClaimStatusRefused, ClaimStatusExpired}
	for _, s := range terminal {
		if !IsTerminalStatus(s) {
			t.Fatalf("IsTerminalStatus(%q) = false; want true", s)
		}
	}
	open := []string{ClaimStatusIssued, ClaimStatusPending, "", "bogus"}
	for _, s := range open {
		if IsTerminalStatus(s) {
			t.Fatalf("IsTerminalStatus(%q) = true; want false", s)
		}
	}
}

func TestValidClaimType(t *testing.T) {
	for _, ct := range []string{ClaimTypeReturn, ClaimTypeWarranty, ClaimTypeExchange} {
		if !ValidClaimType(ct) {
			t.Fatalf("ValidClaimType(%q) = false; want true", ct)
		}
	}
	for _, ct := range []string{"", "refund", "RETURN", "coupon"} {
		if ValidClaimType(ct) {
			t.Fatalf("ValidClaimType(%q) = true; want false", ct)
		}
	}
}

func TestClaim_IsTerminal_IsExpired(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	c := &Claim{Status: ClaimStatusIssued, ExpiresAt: now.Add(time.Hour)}
	if c.IsTerminal() {
		t.Fatalf("issued claim should not be terminal")
	}
	if c.IsExpired(now) {
		t.Fatalf("claim before its deadline should not be expired")
	}

	// Expiry is a property of the clock, not of Status.
	if !c.IsExpired(now.Add(2 * time.Hour)) {
		t.Fatalf("claim past its deadline should be expired")
	}
	if c.IsExpired(c.ExpiresAt) {
		t.Fatalf("deadline instant itself is not yet expired")
	}

	c.Status = ClaimStatusRedeemed
	if !c.IsTerminal() {
		t.Fatalf("redeemed claim should be terminal")
	}
}

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		Purchase{}.TableName():          "purchases",
		Merchant{}.TableName():          "merchants",
		MerchantUser{}.TableName():      "merchant_users",
		Claim{}.TableName():             "claims",
		ClaimVerification{}.TableName(): "claim_verifications",
		FraudEvent{}.TableName():        "fraud_events",
		Idempotency{}.TableName():       "idempotency",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("table name %q; want %q", got, want)
		}
	}
}
