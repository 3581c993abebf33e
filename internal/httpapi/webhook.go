package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"membership-reconciler/internal/ingest"
	"membership-reconciler/pkg/logger"
)

const (
	headerSignature = "X-WC-Webhook-Signature"
	maxWebhookBody  = 1 << 20
)

type OrderIngester interface {
	HandlePayload(ctx context.Context, body []byte) (ingest.Result, error)
}

// Sign returns the base64 HMAC-SHA256 of body, as the order source sends it.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func validSignature(secret string, body []byte, got string) bool {
	want := Sign(secret, body)
	return hmac.Equal([]byte(want), []byte(got))
}

// ReceiveOrder stages membership line items from an order webhook.
// Duplicate deliveries and pings are acknowledged with 200.
func (h Handlers) ReceiveOrder(c *gin.Context) {
	log := logger.FromGin(c)

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		badRequest(c, "unreadable body")
		return
	}

	if h.WebhookSecret != "" && !validSignature(h.WebhookSecret, body, c.GetHeader(headerSignature)) {
		log.Warn("order webhook signature mismatch")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature", "kind": "unauthorized"})
		return
	}

	res, err := h.Orders.HandlePayload(c.Request.Context(), body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
