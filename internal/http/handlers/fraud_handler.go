// Fraud review HTTP handlers.
//
// This file exposes the REST endpoints consumed by administrative review
// tooling:
//   - GET  /fraud-events               (list, filtered, paginated, ETag support)
//   - POST /fraud-events/{id}/resolve  (idempotent resolution)
//
// Resolution never reverses claim state; it only records that a human looked
// at the incident.
package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-claims-backend/internal/domain"
	"github.com/tbourn/go-claims-backend/internal/repo"
	"github.com/tbourn/go-claims-backend/internal/services"
)

// ListFraudEventsResponse wraps a page of fraud events and pagination
// information.
type ListFraudEventsResponse struct {
	Events     []domain.FraudEvent `json:"events"`
	Pagination Pagination          `json:"pagination"`
}

// ResolveFraudEventRequest is the JSON payload for resolving a fraud event.
type ResolveFraudEventRequest struct {
	// ResolvedBy identifies the reviewer closing the incident.
	ResolvedBy string `json:"resolved_by" binding:"required,min=1,max=64" example:"reviewer42"`
}

// fraudFilter parses the supported query parameters into a repo filter.
func fraudFilter(c *gin.Context) repo.FraudEventFilter {
	f := repo.FraudEventFilter{
		EventType: strings.TrimSpace(c.Query("event_type")),
		ClaimID:   strings.TrimSpace(c.Query("claim_id")),
	}
	switch strings.ToLower(strings.TrimSpace(c.Query("resolved"))) {
	case "true", "1":
		t := true
		f.Resolved = &t
	case "false", "0":
		fv := false
		f.Resolved = &fv
	}
	return f
}

// ListFraudEvents godoc
// @ID          listFraudEvents
// @Summary     List fraud events (paginated)
// @Description Returns fraud events for review tooling, filterable by event_type, claim_id, and resolved. Supports weak ETag via If-None-Match.
// @Tags        Fraud
// @Produce     json
//
// @Param       event_type  query  string  false "Filter by event type"  Enums(duplicate_claim_attempt, expired_claim_use, invalid_pin_attempts, cross_merchant_claim, suspicious_pattern)
// @Param       claim_id    query  string  false "Filter by claim ID"
// @Param       resolved    query  bool    false "Filter by resolution state"
// @Param       page        query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size   query  int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListFraudEventsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /fraud-events [get]
func (h *Handlers) ListFraudEvents(c *gin.Context) {
	ctx := c.Request.Context()
	f := fraudFilter(c)
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	if svc, okSvc := h.fraudSvc.(*services.FraudService); okSvc && svc.DB != nil {
		count, maxTS, err := repo.FraudEventsStats(ctx, svc.DB, f)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"fraud:%s:%s:%v:%d:%d"`, f.EventType, f.ClaimID, f.Resolved != nil, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.fraudSvc.ListPage(ctx, f, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListFraudEventsResponse{
		Events: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// ResolveFraudEvent godoc
// @ID          resolveFraudEvent
// @Summary     Resolve a fraud event
// @Description Marks the event as reviewed. Idempotent: resolving an already resolved event is a no-op. Does not change any claim state.
// @Tags        Fraud
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true "Fraud event ID (UUID)" format(uuid)
// @Param       body  body  handlers.ResolveFraudEventRequest  true  "Resolution payload"
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Fraud event not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /fraud-events/{id}/resolve [post]
func (h *Handlers) ResolveFraudEvent(c *gin.Context) {
	eventID := c.Param("id")
	if _, err := uuid.Parse(eventID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "fraud event id must be a UUID")
		return
	}

	var req ResolveFraudEventRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ResolvedBy) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "resolved_by required")
		return
	}

	if err := h.fraudSvc.Resolve(c.Request.Context(), eventID, req.ResolvedBy); err != nil {
		if err == services.ErrFraudEventNotFound {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "fraud event not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	noContent(c)
}
