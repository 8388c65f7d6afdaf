// Claim HTTP handlers.
//
// This file exposes the REST endpoints for the claim protocol:
//   - POST /claims           (issue a claim for a purchase)
//   - GET  /claims           (list the caller's claims, paginated, ETag support)
//   - GET  /claims/{code}    (owner re-displays an issued claim)
//   - POST /claims/verify    (merchant-side read-only verification)
//   - POST /claims/redeem    (merchant-side redemption, requires merchant context)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses. Verification and redemption
// always answer with an explicit status string, never a bare error, since the
// response is read by a human making an in-person decision.
//
// Idempotency:
// If the client supplies an Idempotency-Key header on POST /claims and a
// previous successful issuance is recorded for (user, purchase, key), the
// handler replays the originally issued claim and sets
// `Idempotency-Replayed: true`.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/tbourn/go-claims-backend/internal/domain"
	"github.com/tbourn/go-claims-backend/internal/http/middleware"
	"github.com/tbourn/go-claims-backend/internal/repo"
	"github.com/tbourn/go-claims-backend/internal/services"
	"github.com/tbourn/go-claims-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// ClaimService defines claim issuance and owner-read operations consumed by
// HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ClaimService interface {
	// Issue creates (or idempotently returns) a claim for a purchase.
	Issue(ctx context.Context, purchaseID, userID, claimType string) (*domain.Claim, error)
	// Get returns a claim by code, restricted to its owner.
	Get(ctx context.Context, userID, claimCode string) (*domain.Claim, error)
	// ListPage returns a page of the user's claims and the total count.
	ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Claim, int64, error)
}

// VerificationService defines the merchant-side verification and redemption
// handshake consumed by HTTP handlers.
type VerificationService interface {
	// Verify runs the read-only verification protocol.
	Verify(ctx context.Context, in services.VerifyInput) (*services.VerifyResult, error)
	// Redeem applies the terminal state transition at most once.
	Redeem(ctx context.Context, in services.RedeemInput) (*domain.Claim, error)
}

// FraudService defines fraud review operations consumed by HTTP handlers.
type FraudService interface {
	// ListPage returns a page of fraud events matching the filter.
	ListPage(ctx context.Context, f repo.FraudEventFilter, page, pageSize int) ([]domain.FraudEvent, int64, error)
	// Resolve marks an event resolved; resolving twice is a no-op.
	Resolve(ctx context.Context, id, resolvedBy string) error
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for claims, verification, and fraud review.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	claimSvc  ClaimService
	verifySvc VerificationService
	fraudSvc  FraudService
}

// New constructs and returns a Handlers instance bound to the given services.
func New(claimSvc ClaimService, verifySvc VerificationService, fraudSvc FraudService) *Handlers {
	return &Handlers{claimSvc: claimSvc, verifySvc: verifySvc, fraudSvc: fraudSvc}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

// merchantContext reads the optional merchant attribution headers. Both
// return nil when absent: verification is deliberately callable without a
// merchant identity (self-checkout, probing), and such attempts are audited
// with null attribution.
func merchantContext(c *gin.Context) (merchantID, merchantUserID *string) {
	if v := strings.TrimSpace(c.GetHeader("X-Merchant-ID")); v != "" {
		merchantID = &v
	}
	if v := strings.TrimSpace(c.GetHeader("X-Merchant-User-ID")); v != "" {
		merchantUserID = &v
	}
	return
}

//
// DTOs
//

// IssueClaimRequest is the JSON payload for issuing a claim.
type IssueClaimRequest struct {
	// PurchaseID references the verified purchase the claim is issued against.
	PurchaseID string `json:"purchase_id" binding:"required" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	// ClaimType is one of: return, warranty, exchange.
	ClaimType string `json:"claim_type" binding:"required,oneof=return warranty exchange" example:"return"`
}

// IssueClaimResponse returns the credential material handed to the consumer.
// The PIN appears here exactly once; it is not included in claim summaries.
type IssueClaimResponse struct {
	ClaimCode string    `json:"claim_code" example:"H7KQ2MWPX4ZDR8TNCVJB"`
	PIN       string    `json:"pin"        example:"042319"`
	QRPayload string    `json:"qr_payload"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VerifyClaimRequest is the JSON payload for the read-only verification step.
type VerifyClaimRequest struct {
	ClaimCode string `json:"claim_code" binding:"required" example:"H7KQ2MWPX4ZDR8TNCVJB"`
	PIN       string `json:"pin"        binding:"required,len=6,numeric" example:"042319"`
	// Credential optionally carries the scanned QR payload for signature
	// and tamper checking.
	Credential string `json:"credential,omitempty"`
}

// RedeemClaimRequest is the JSON payload for redemption.
type RedeemClaimRequest struct {
	ClaimCode string `json:"claim_code" binding:"required" example:"H7KQ2MWPX4ZDR8TNCVJB"`
	PIN       string `json:"pin"        binding:"required,len=6,numeric" example:"042319"`
	Credential string `json:"credential,omitempty"`

	// RefundAmount is required for partial redemption and must be strictly
	// below the claim's original amount.
	RefundAmount *float64 `json:"refund_amount,omitempty" example:"75.00"`
	IsPartial    bool     `json:"is_partial"`
	// Decline drives the claim to refused: staff rejected the item despite
	// a technical match.
	Decline bool   `json:"decline"`
	Notes   string `json:"notes,omitempty" example:"item returned in original packaging"`
}

// ClaimSummary is the merchant- and owner-facing projection of a claim. It
// never includes the PIN.
type ClaimSummary struct {
	ClaimCode       string     `json:"claim_code"`
	ClaimType       string     `json:"claim_type"`
	Status          string     `json:"status"`
	MerchantName    string     `json:"merchant_name"`
	PurchaseDate    string     `json:"purchase_date"`
	OriginalAmount  float64    `json:"original_amount"`
	AmountDisplay   string     `json:"amount_display"`
	RedeemedAmount  *float64   `json:"redeemed_amount,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
	RedeemedAt      *time.Time `json:"redeemed_at,omitempty"`
}

// VerifyClaimResponse wraps the explicit verification status and the claim
// summary for the in-person decision.
type VerifyClaimResponse struct {
	Status     string        `json:"status" example:"MATCH"`
	PinCorrect bool          `json:"pin_correct"`
	Claim      *ClaimSummary `json:"claim,omitempty"`
}

// RedeemClaimResponse reports the new terminal state after redemption.
type RedeemClaimResponse struct {
	Status string        `json:"status" example:"redeemed"`
	Claim  *ClaimSummary `json:"claim"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListClaimsResponse wraps a page of claims and pagination information.
type ListClaimsResponse struct {
	Claims     []ClaimSummary `json:"claims"`
	Pagination Pagination     `json:"pagination"`
}

//
// Helpers
//

// amountPrinter renders amounts for human display (grouping separators,
// two decimals). Currency symbols are the presentation layer's concern; the
// claim subsystem stores bare decimal amounts.
var amountPrinter = message.NewPrinter(language.English)

// summarize projects a claim into its transport shape.
func summarize(cl *domain.Claim) *ClaimSummary {
	if cl == nil {
		return nil
	}
	return &ClaimSummary{
		ClaimCode:      cl.ClaimCode,
		ClaimType:      cl.ClaimType,
		Status:         cl.Status,
		MerchantName:   cl.MerchantName,
		PurchaseDate:   cl.PurchaseDate.UTC().Format("2006-01-02"),
		OriginalAmount: cl.OriginalAmount,
		AmountDisplay:  amountPrinter.Sprintf("%.2f", cl.OriginalAmount),
		RedeemedAmount: cl.RedeemedAmount,
		ExpiresAt:      cl.ExpiresAt,
		RedeemedAt:     cl.RedeemedAt,
	}
}

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

//
// Handlers
//

// IssueClaim godoc
// @ID          issueClaim
// @Summary     Issue a claim for a purchase
// @Description Creates a return/warranty/exchange claim and returns the claim code, PIN, and QR payload. Issuing again while a live claim exists returns the same claim. Supports idempotency via the Idempotency-Key header.
// @Tags        Claims
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "User ID (demo header)" example(user123)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)" example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    handlers.IssueClaimRequest  true  "Issue claim payload"
//
// @Success     201  {object}  handlers.IssueClaimResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Purchase not owned by user"
// @Failure     404  {object}  handlers.ErrorResponse  "Purchase not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /claims [post]
func (h *Handlers) IssueClaim(c *gin.Context) {
	ctx := c.Request.Context()

	var req IssueClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "purchase_id and a valid claim_type are required")
		return
	}

	currentUser := userID(c)

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := middleware.GetIdempotencyKey(c)
	if idemKey != "" {
		if svc, okSvc := h.claimSvc.(*services.ClaimService); okSvc && svc.DB != nil {
			if rec, err := repo.GetIdempotency(ctx, svc.DB, currentUser, req.PurchaseID, idemKey, time.Now().UTC()); err == nil && rec != nil {
				if prev, err2 := repo.GetClaim(ctx, svc.DB, rec.ClaimID); err2 == nil {
					c.Header("Idempotency-Replayed", "true")
					ok(c, http.StatusCreated, issueResponse(prev))
					return
				}
			}
		}
	}

	claim, err := h.claimSvc.Issue(ctx, req.PurchaseID, currentUser, req.ClaimType)
	if err != nil {
		switch err {
		case services.ErrPurchaseNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "purchase not found")
		case services.ErrNotOwner:
			fail(c, http.StatusForbidden, ErrCodeForbidden, "purchase not owned by user")
		case services.ErrInvalidClaimType:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "claim_type must be return, warranty, or exchange")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeIssueFailed, err.Error())
		}
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" {
		if svc, okSvc := h.claimSvc.(*services.ClaimService); okSvc && svc.DB != nil {
			ttl := 24 * time.Hour
			_, _ = repo.CreateIdempotency(ctx, svc.DB, currentUser, req.PurchaseID, idemKey, claim.ID, http.StatusCreated, ttl)
		}
	}

	middleware.ObserveClaimIssued(claim.ClaimType)
	ok(c, http.StatusCreated, issueResponse(claim))
}

// issueResponse builds the one response shape that carries the PIN.
func issueResponse(cl *domain.Claim) IssueClaimResponse {
	return IssueClaimResponse{
		ClaimCode: cl.ClaimCode,
		PIN:       cl.PIN,
		QRPayload: cl.QRCodeData,
		ExpiresAt: cl.ExpiresAt,
	}
}

// ListClaims godoc
// @ID          listClaims
// @Summary     List claims (paginated)
// @Description Returns a page of the user's claims. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Claims
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID (demo header)"       example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListClaimsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /claims [get]
func (h *Handlers) ListClaims(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	if svc, okSvc := h.claimSvc.(*services.ClaimService); okSvc && svc.DB != nil {
		count, maxTS, err := repo.ClaimsStats(ctx, svc.DB, uid)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"claims:%s:%d:%d"`, uid, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.claimSvc.ListPage(ctx, uid, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	summaries := make([]ClaimSummary, 0, len(items))
	for i := range items {
		summaries = append(summaries, *summarize(&items[i]))
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListClaimsResponse{
		Claims: summaries,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GetClaim godoc
// @ID          getClaim
// @Summary     Get one of the caller's claims
// @Description Returns the claim summary and QR payload so the consumer can re-display a previously issued credential. The PIN is never returned here.
// @Tags        Claims
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)" example(user123)
// @Param       code       path    string  true  "Claim code"
//
// @Success     200  {object} handlers.ClaimSummary
// @Failure     404  {object} handlers.ErrorResponse "Claim not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /claims/{code} [get]
func (h *Handlers) GetClaim(c *gin.Context) {
	claim, err := h.claimSvc.Get(c.Request.Context(), userID(c), c.Param("code"))
	if err != nil {
		if err == services.ErrClaimNotFound {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "claim not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, summarize(claim))
}

// VerifyClaim godoc
// @ID          verifyClaim
// @Summary     Verify a claim (read-only)
// @Description Runs the point-of-sale verification handshake: throttle, expiry, PIN, and credential checks. Always answers 200 with an explicit status (MATCH, NO_MATCH, EXPIRED, ALREADY_REDEEMED, INVALID, RATE_LIMITED); never mutates claim state.
// @Tags        Verification
// @Accept      json
// @Produce     json
//
// @Param       X-Merchant-ID       header  string  false "Acting merchant (optional; recorded in the audit trail)"
// @Param       X-Merchant-User-ID  header  string  false "Acting staff member (optional)"
// @Param       body                body    handlers.VerifyClaimRequest  true  "Verification payload"
//
// @Success     200  {object} handlers.VerifyClaimResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /claims/verify [post]
func (h *Handlers) VerifyClaim(c *gin.Context) {
	var req VerifyClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "claim_code and a 6-digit pin are required")
		return
	}

	merchantID, merchantUserID := merchantContext(c)
	res, err := h.verifySvc.Verify(c.Request.Context(), services.VerifyInput{
		ClaimCode:      req.ClaimCode,
		PIN:            req.PIN,
		Credential:     req.Credential,
		MerchantID:     merchantID,
		MerchantUserID: merchantUserID,
		RemoteIP:       c.ClientIP(),
		UserAgent:      c.Request.UserAgent(),
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeVerifyFailed, err.Error())
		return
	}

	middleware.ObserveVerification(string(res.Status))
	ok(c, http.StatusOK, VerifyClaimResponse{
		Status:     string(res.Status),
		PinCorrect: res.PinCorrect,
		Claim:      summarize(res.Claim),
	})
}

// RedeemClaim godoc
// @ID          redeemClaim
// @Summary     Redeem a claim
// @Description Applies the terminal state transition (redeemed, partial, or refused) exactly once. Requires an authenticated merchant context. Losers of a redemption race receive 409 already_terminal.
// @Tags        Verification
// @Accept      json
// @Produce     json
//
// @Param       X-Merchant-ID       header  string  true  "Acting merchant"
// @Param       X-Merchant-User-ID  header  string  true  "Acting staff member"
// @Param       body                body    handlers.RedeemClaimRequest  true  "Redemption payload"
//
// @Success     200  {object} handlers.RedeemClaimResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request / invalid amount"
// @Failure     401  {object} handlers.ErrorResponse "Missing merchant context"
// @Failure     403  {object} handlers.ErrorResponse "Merchant or staff inactive"
// @Failure     404  {object} handlers.ErrorResponse "Claim not found"
// @Failure     409  {object} handlers.ErrorResponse "Claim already terminal"
// @Failure     410  {object} handlers.ErrorResponse "Claim expired"
// @Failure     422  {object} handlers.ErrorResponse "PIN mismatch or invalid credential"
// @Failure     429  {object} handlers.ErrorResponse "PIN failure threshold exceeded"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /claims/redeem [post]
func (h *Handlers) RedeemClaim(c *gin.Context) {
	merchantID, merchantUserID := merchantContext(c)
	if merchantID == nil || merchantUserID == nil {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "merchant context required")
		return
	}

	var req RedeemClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "claim_code and a 6-digit pin are required")
		return
	}

	claim, err := h.verifySvc.Redeem(c.Request.Context(), services.RedeemInput{
		ClaimCode:      req.ClaimCode,
		PIN:            req.PIN,
		Credential:     req.Credential,
		RefundAmount:   req.RefundAmount,
		IsPartial:      req.IsPartial,
		Decline:        req.Decline,
		Notes:          req.Notes,
		MerchantID:     *merchantID,
		MerchantUserID: *merchantUserID,
		RemoteIP:       c.ClientIP(),
		UserAgent:      c.Request.UserAgent(),
	})
	if err != nil {
		switch err {
		case services.ErrClaimNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "claim not found")
		case services.ErrInvalidAmount:
			fail(c, http.StatusBadRequest, ErrCodeInvalidAmount, err.Error())
		case services.ErrMerchantInactive:
			fail(c, http.StatusForbidden, ErrCodeForbidden, err.Error())
		case services.ErrExpired:
			fail(c, http.StatusGone, ErrCodeExpired, "claim expired")
		case services.ErrAlreadyTerminal:
			fail(c, http.StatusConflict, ErrCodeAlreadyTerminal, err.Error())
		case services.ErrPinMismatch:
			fail(c, http.StatusUnprocessableEntity, ErrCodeVerifyFailed, "pin does not match")
		case services.ErrInvalidCredential:
			fail(c, http.StatusUnprocessableEntity, ErrCodeInvalidCredential, "credential failed validation")
		case services.ErrRateLimited:
			fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, err.Error())
		default:
			fail(c, http.StatusInternalServerError, ErrCodeRedeemFailed, err.Error())
		}
		return
	}

	middleware.ObserveVerification(claim.Status)
	ok(c, http.StatusOK, RedeemClaimResponse{
		Status: claim.Status,
		Claim:  summarize(claim),
	})
}
