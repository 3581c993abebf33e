package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"membership-reconciler/internal/approval"
	"membership-reconciler/pkg/logger"
)

var statusByKind = map[string]int{
	approval.KindValidation:          http.StatusBadRequest,
	approval.KindNotFound:            http.StatusNotFound,
	approval.KindCustomerNotFound:    http.StatusNotFound,
	approval.KindNotPending:          http.StatusConflict,
	approval.KindDuplicateCardNumber: http.StatusConflict,
	approval.KindRegistryUnavailable: http.StatusServiceUnavailable,
	approval.KindOrphanedCustomer:    http.StatusInternalServerError,
}

// writeError renders err as {"error", "kind"} with a status derived from its kind.
func writeError(c *gin.Context, err error) {
	kind := approval.Kind(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	body := gin.H{"error": err.Error(), "kind": kind}
	var orphan *approval.OrphanedCustomerError
	if errors.As(err, &orphan) {
		body["customer_id"] = orphan.CustomerID
	}
	if kind == approval.KindInternal {
		logger.FromGin(c).Error("request failed", "err", err)
		body["error"] = "internal error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "kind": approval.KindValidation})
}
