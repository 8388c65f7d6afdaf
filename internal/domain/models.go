// Package domain defines the persistence models for purchases, claims,
// verification attempts, and fraud events. These types are mapped with GORM
// and form the core data layer of the claims application.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Claim types accepted by the issuer.
const (
	ClaimTypeReturn   = "return"
	ClaimTypeWarranty = "warranty"
	ClaimTypeExchange = "exchange"
)

// Claim lifecycle states. Issued and Pending are the only non-terminal
// states; every other state is terminal and immutable once reached.
const (
	ClaimStatusIssued   = "issued"
	ClaimStatusPending  = "pending"
	ClaimStatusRedeemed = "redeemed"
	ClaimStatusPartial  = "partial"
	ClaimStatusRefused  = "refused"
	ClaimStatusExpired  = "expired"
)

// Verification results recorded in the audit trail.
const (
	VerificationApproved       = "approved"
	VerificationPartial        = "partial_approved"
	VerificationRejected       = "rejected"
	VerificationFraudSuspected = "fraud_suspected"
)

// Fraud event types raised by the detector.
const (
	FraudDuplicateClaim    = "duplicate_claim_attempt"
	FraudExpiredClaimUse   = "expired_claim_use"
	FraudInvalidPinAttempt = "invalid_pin_attempts"
	FraudCrossMerchant     = "cross_merchant_claim"
	FraudSuspiciousPattern = "suspicious_pattern"
)

// Fraud event severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// IsTerminalStatus reports whether a claim status permits no further
// transitions.
func IsTerminalStatus(s string) bool {
	switch s {
	case ClaimStatusRedeemed, ClaimStatusPartial, ClaimStatusRefused, ClaimStatusExpired:
		return true
	}
	return false
}

// ValidClaimType reports whether t is one of the accepted claim types.
func ValidClaimType(t string) bool {
	switch t {
	case ClaimTypeReturn, ClaimTypeWarranty, ClaimTypeExchange:
		return true
	}
	return false
}

// Purchase represents a row in the purchase ledger: the immutable facts a
// claim is issued against. The claim subsystem reads purchases and never
// mutates them; writes happen upstream (receipt ingestion).
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: identifier of the purchase owner; indexed for retrieval.
//   - MerchantID: optional link to a known merchant (empty when the receipt
//     could not be attributed to a registered merchant).
//   - MerchantName / PurchaseDate / TotalAmount: facts extracted from the
//     receipt, used for eligibility and credential fingerprinting.
type Purchase struct {
	ID           string    `json:"id"            gorm:"type:char(36);primaryKey"`
	UserID       string    `json:"user_id"       gorm:"type:varchar(64);not null;index:idx_user_purchases"`
	MerchantID   string    `json:"merchant_id"   gorm:"type:char(36);index"`
	MerchantName string    `json:"merchant_name" gorm:"type:varchar(255);not null"`
	PurchaseDate time.Time `json:"purchase_date" gorm:"not null"`
	TotalAmount  float64   `json:"total_amount"  gorm:"not null"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the database table name for Purchase.
func (Purchase) TableName() string { return "purchases" }

// Merchant is the opaque merchant identity consumed by the claim protocol.
// Only IsActive is behaviorally significant here: inactive merchants may not
// redeem claims.
type Merchant struct {
	ID        string    `json:"id"        gorm:"type:char(36);primaryKey"`
	Name      string    `json:"name"      gorm:"type:varchar(255);not null"`
	IsActive  bool      `json:"is_active" gorm:"not null;default:true"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Merchant.
func (Merchant) TableName() string { return "merchants" }

// MerchantUser is a staff member acting on behalf of a merchant at the point
// of sale. Redemptions are attributed to a MerchantUser; inactive staff may
// not redeem.
type MerchantUser struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	MerchantID  string    `json:"merchant_id"  gorm:"type:char(36);not null;index"`
	DisplayName string    `json:"display_name" gorm:"type:varchar(255);not null"`
	IsActive    bool      `json:"is_active"    gorm:"not null;default:true"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Merchant Merchant `json:"-" gorm:"foreignKey:MerchantID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for MerchantUser.
func (MerchantUser) TableName() string { return "merchant_users" }

// Claim is the central entity: a single-use, time-bounded credential
// asserting that a purchase is eligible for a return, warranty, or exchange
// action.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - ClaimCode: public, unguessable, typeable identifier (unique).
//   - PIN: short numeric secret presented alongside the claim code. Its
//     safety comes from verification throttling, not secrecy strength.
//   - PurchaseID / UserID: binding to exactly one purchase and owner.
//   - ClaimType: return, warranty, or exchange.
//   - Status: lifecycle state (see state constants above). Exactly one
//     terminal transition ever succeeds per claim.
//   - OriginalAmount / MerchantName / PurchaseDate: denormalized from the
//     purchase at issuance so the claim stays verifiable even if the
//     purchase record is later edited.
//   - RedeemedAmount / RedeemedAt / RedeemedByMerchantID / RedeemedByUserID:
//     set only by a successful terminal transition.
//   - ExpiresAt: absolute deadline fixed at issuance; expiry is evaluated
//     lazily at read time, never by a background sweep.
//   - QRCodeData: the serialized scannable payload (signed credential
//     wrapped in a verifier URI).
type Claim struct {
	ID                   string         `json:"id"              gorm:"type:char(36);primaryKey"`
	ClaimCode            string         `json:"claim_code"      gorm:"type:varchar(32);not null;uniqueIndex:ux_claim_code"`
	PIN                  string         `json:"-"               gorm:"column:pin;type:char(6);not null"`
	PurchaseID           string         `json:"purchase_id"     gorm:"type:char(36);not null;index:idx_purchase_claims"`
	UserID               string         `json:"user_id"         gorm:"type:varchar(64);not null;index:idx_user_claims"`
	ClaimType            string         `json:"claim_type"      gorm:"type:varchar(16);not null;check:claim_type IN ('return','warranty','exchange')"`
	Status               string         `json:"status"          gorm:"type:varchar(16);not null;default:'issued';check:status IN ('issued','pending','redeemed','partial','refused','expired')"`
	OriginalAmount       float64        `json:"original_amount" gorm:"not null"`
	RedeemedAmount       *float64       `json:"redeemed_amount,omitempty"`
	MerchantName         string         `json:"merchant_name"   gorm:"type:varchar(255);not null"`
	PurchaseDate         time.Time      `json:"purchase_date"   gorm:"not null"`
	ExpiresAt            time.Time      `json:"expires_at"      gorm:"not null;index"`
	RedeemedAt           *time.Time     `json:"redeemed_at,omitempty"`
	RedeemedByMerchantID *string        `json:"redeemed_by_merchant_id,omitempty" gorm:"type:char(36)"`
	RedeemedByUserID     *string        `json:"redeemed_by_user_id,omitempty"     gorm:"type:char(36)"`
	QRCodeData           string         `json:"qr_code_data"    gorm:"type:text"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	DeletedAt            gorm.DeletedAt `json:"-"               gorm:"index"`

	// Purchase is the ledger row this claim was issued against.
	Purchase Purchase `json:"-" gorm:"foreignKey:PurchaseID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Claim.
func (Claim) TableName() string { return "claims" }

// IsTerminal reports whether the claim has reached a terminal state.
func (c *Claim) IsTerminal() bool { return IsTerminalStatus(c.Status) }

// IsExpired reports whether the claim is past its deadline at the given
// instant. Expiry is a property check, not a stored transition: a claim can
// be expired while its Status column still reads issued or pending.
func (c *Claim) IsExpired(now time.Time) bool { return now.After(c.ExpiresAt) }

// ClaimVerification is one row per verification or redemption attempt,
// successful or not. It is the forensic trail fraud detection and disputes
// rely on: rows are immutable once written and nothing deletes them.
//
// MerchantID and MerchantUserID are nullable: self-checkout or
// unauthenticated probing is still logged.
type ClaimVerification struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	ClaimID        string    `json:"claim_id"        gorm:"type:char(36);not null;index:idx_claim_verifications,priority:1"`
	MerchantID     *string   `json:"merchant_id,omitempty"      gorm:"type:char(36)"`
	MerchantUserID *string   `json:"merchant_user_id,omitempty" gorm:"type:char(36)"`
	Result         string    `json:"result"          gorm:"type:varchar(24);not null;check:result IN ('approved','partial_approved','rejected','fraud_suspected')"`
	PinAttempted   string    `json:"-"               gorm:"type:char(6)"`
	PinCorrect     bool      `json:"pin_correct"     gorm:"not null"`
	RefundAmount   *float64  `json:"refund_amount,omitempty"`
	Notes          string    `json:"notes,omitempty" gorm:"type:text"`
	RemoteIP       string    `json:"remote_ip"       gorm:"type:varchar(64)"`
	UserAgent      string    `json:"user_agent"      gorm:"type:varchar(255)"`
	CreatedAt      time.Time `json:"created_at"      gorm:"index:idx_claim_verifications,priority:2"`

	Claim Claim `json:"-" gorm:"foreignKey:ClaimID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ClaimVerification.
func (ClaimVerification) TableName() string { return "claim_verifications" }

// FraudEvent records a suspicious pattern detected from the verification
// audit trail. Events are created once per incident; resolution is a
// separate, idempotent operation and never reverses claim state.
type FraudEvent struct {
	ID          string     `json:"id"          gorm:"type:char(36);primaryKey"`
	ClaimID     *string    `json:"claim_id,omitempty"    gorm:"type:char(36);index"`
	PurchaseID  *string    `json:"purchase_id,omitempty" gorm:"type:char(36)"`
	UserID      *string    `json:"user_id,omitempty"     gorm:"type:varchar(64)"`
	EventType   string     `json:"event_type"  gorm:"type:varchar(32);not null;index;check:event_type IN ('duplicate_claim_attempt','expired_claim_use','invalid_pin_attempts','cross_merchant_claim','suspicious_pattern')"`
	Severity    string     `json:"severity"    gorm:"type:varchar(8);not null;check:severity IN ('low','medium','high')"`
	Description string     `json:"description" gorm:"type:text"`
	Resolved    bool       `json:"resolved"    gorm:"not null;default:false;index"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  *string    `json:"resolved_by,omitempty" gorm:"type:varchar(64)"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name for FraudEvent.
func (FraudEvent) TableName() string { return "fraud_events" }
