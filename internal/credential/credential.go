// Package credential implements the portable signed credential embedded in a
// claim's QR payload, plus the random material (claim code, PIN) minted at
// issuance.
//
// The credential is an HS256-signed token whose payload is the minimum needed
// to re-identify a claim and detect tampering: claim code, purchase
// fingerprint, merchant name, purchase date, and amount. The signature proves
// the payload was not edited; it does not prove the claim is still valid.
// Eligibility always requires a live lookup of the stored claim.
//
// The signer is an explicitly constructed value passed into the issuing and
// verifying services at startup. There is no package-level key state.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tbourn/go-claims-backend/internal/domain"
)

// ErrInvalidCredential is returned for any signature, schema, or expiry
// failure while parsing a scanned credential. Callers must treat it as
// fail-closed: a credential that cannot be proven authentic is worthless.
var ErrInvalidCredential = errors.New("invalid credential")

// codeAlphabet is the symbol set for claim codes: uppercase letters and
// digits with the ambiguous 0/O/1/I removed, so codes survive being read
// aloud or typed from a faded receipt. 32 symbols × 20 positions ≈ 100 bits.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the fixed length of a claim code.
const CodeLength = 20

// PINLength is the fixed length of a claim PIN.
const PINLength = 6

// Payload is the decoded content of a verified credential token.
type Payload struct {
	ClaimCode    string
	MerchantName string
	PurchaseDate time.Time
	AmountCents  int64
	Fingerprint  string
}

// claimSet maps the token claims. Field names are kept short because the
// token must fit comfortably in a QR code.
type claimSet struct {
	ClaimCode    string `json:"cc"`
	MerchantName string `json:"mn"`
	PurchaseDate string `json:"pd"` // YYYY-MM-DD
	AmountCents  int64  `json:"amt"`
	Fingerprint  string `json:"pf"`
	jwt.RegisteredClaims
}

// Signer issues and verifies portable claim credentials with a server-held
// HMAC key. Construct one with NewSigner and share it between the issuing
// and verifying services.
type Signer struct {
	secret []byte
	issuer string
	scheme string

	// now is a clock seam for tests.
	now func() time.Time
}

// NewSigner returns a Signer bound to the given HMAC secret. issuer is
// stamped into the token's iss claim; scheme is the URI scheme used by
// QRPayload (e.g. "receiptclaim").
func NewSigner(secret []byte, issuer, scheme string) *Signer {
	return &Signer{secret: secret, issuer: issuer, scheme: scheme, now: time.Now}
}

// MintClaimCode returns a fresh claim code: CodeLength symbols drawn
// uniformly from codeAlphabet using crypto/rand.
func MintClaimCode() (string, error) {
	return randomString(codeAlphabet, CodeLength)
}

// MintPIN returns a fresh 6-digit numeric PIN using crypto/rand. Leading
// zeros are allowed (the PIN is a string, not a number).
func MintPIN() (string, error) {
	return randomString("0123456789", PINLength)
}

// randomString draws length symbols uniformly from alphabet.
func randomString(alphabet string, length int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}

// Fingerprint derives the purchase fingerprint stamped into a credential:
// SHA-256 over the identifying purchase facts, truncated to 16 hex chars.
// Enough to detect a credential re-bound to a different purchase; not a key.
func Fingerprint(purchaseID, merchantName string, purchaseDate time.Time, amountCents int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", purchaseID, merchantName, purchaseDate.UTC().Format("2006-01-02"), amountCents)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// AmountCents converts a currency amount to integer cents with half-away
// rounding, so tokens never carry floating point.
func AmountCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// Issue signs a credential token for the given claim. The token expires at
// the claim's ExpiresAt, so a leaked credential is bounded by the same
// deadline as the claim itself.
func (s *Signer) Issue(c *domain.Claim) (string, error) {
	cents := AmountCents(c.OriginalAmount)
	claims := claimSet{
		ClaimCode:    c.ClaimCode,
		MerchantName: c.MerchantName,
		PurchaseDate: c.PurchaseDate.UTC().Format("2006-01-02"),
		AmountCents:  cents,
		Fingerprint:  Fingerprint(c.PurchaseID, c.MerchantName, c.PurchaseDate, cents),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(s.now().UTC()),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt.UTC()),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a credential token. Any failure (wrong
// signing method, bad signature, malformed schema, expired token) yields
// ErrInvalidCredential. The caller still has to compare the payload against
// the stored claim; a valid signature only proves the payload is unedited.
func (s *Signer) Verify(token string) (*Payload, error) {
	var cs claimSet
	parsed, err := jwt.ParseWithClaims(token, &cs, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }), jwt.WithIssuer(s.issuer))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidCredential
	}
	if cs.ClaimCode == "" || cs.Fingerprint == "" || cs.PurchaseDate == "" {
		return nil, ErrInvalidCredential
	}
	pd, err := time.ParseInLocation("2006-01-02", cs.PurchaseDate, time.UTC)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	return &Payload{
		ClaimCode:    cs.ClaimCode,
		MerchantName: cs.MerchantName,
		PurchaseDate: pd,
		AmountCents:  cs.AmountCents,
		Fingerprint:  cs.Fingerprint,
	}, nil
}

// Matches reports whether the decoded payload is consistent with the stored
// claim: same code, merchant name, purchase date (exact day), amount to the
// cent, and purchase fingerprint. Any mismatch signals a tampered or stale
// credential even when the signature itself verified.
func (p *Payload) Matches(c *domain.Claim) bool {
	cents := AmountCents(c.OriginalAmount)
	return p.ClaimCode == c.ClaimCode &&
		p.MerchantName == c.MerchantName &&
		p.PurchaseDate.Format("2006-01-02") == c.PurchaseDate.UTC().Format("2006-01-02") &&
		p.AmountCents == cents &&
		p.Fingerprint == Fingerprint(c.PurchaseID, c.MerchantName, c.PurchaseDate, cents)
}

// QRPayload wraps a signed token in the verifier URI scheme scanned at the
// point of sale. Rendering the actual QR image is the client's concern.
func (s *Signer) QRPayload(token string) string {
	return fmt.Sprintf("%s://verify?t=%s", s.scheme, url.QueryEscape(token))
}

// TokenFromQR extracts the signed token from a scanned QR payload. It also
// accepts a bare token so manual entry paths need no special casing.
func (s *Signer) TokenFromQR(payload string) (string, error) {
	u, err := url.Parse(payload)
	if err != nil || u.Scheme == "" {
		// Not a URI; assume the payload is the token itself.
		return payload, nil
	}
	if u.Scheme != s.scheme {
		return "", ErrInvalidCredential
	}
	tok := u.Query().Get("t")
	if tok == "" {
		return "", ErrInvalidCredential
	}
	return tok, nil
}
