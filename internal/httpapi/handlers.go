package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"membership-reconciler/internal/approval"
	"membership-reconciler/internal/audit"
	"membership-reconciler/internal/auth"
	"membership-reconciler/internal/staging"
)

// Reviewer is the operator-facing surface of the approval engine.
type Reviewer interface {
	List(ctx context.Context, f staging.ListFilter) ([]staging.Record, error)
	Inspect(ctx context.Context, stagingID string) (approval.Inspection, error)
	Approve(ctx context.Context, stagingID, actor string, req approval.ApproveRequest) (approval.Result, error)
	Reject(ctx context.Context, stagingID, actor, reason string) (staging.Record, error)
	History(ctx context.Context, stagingID string) ([]audit.Entry, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Reviewer Reviewer
	Orders   OrderIngester

	// WebhookSecret verifies order deliveries. Empty disables verification.
	WebhookSecret string
}

// actor is the authenticated operator, or the shared default when auth is off.
func actor(c *gin.Context) string {
	id, err := auth.OperatorID(c.Request.Context())
	if err != nil {
		return audit.DefaultActor
	}
	return id
}

func (h Handlers) ListStaging(c *gin.Context) {
	f := staging.ListFilter{Status: staging.Status(strings.ToLower(strings.TrimSpace(c.Query("status"))))}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	recs, err := h.Reviewer.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (h Handlers) GetStaging(c *gin.Context) {
	ins, err := h.Reviewer.Inspect(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ins)
}

func (h Handlers) ApproveStaging(c *gin.Context) {
	var req approval.ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	res, err := h.Reviewer.Approve(c.Request.Context(), c.Param("id"), actor(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) RejectStaging(c *gin.Context) {
	var req rejectRequest
	// The body is optional.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid json")
		return
	}
	rec, err := h.Reviewer.Reject(c.Request.Context(), c.Param("id"), actor(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"staging_id": rec.ID, "status": rec.Status, "updated_at": rec.UpdatedAt})
}

func (h Handlers) StagingHistory(c *gin.Context) {
	entries, err := h.Reviewer.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
