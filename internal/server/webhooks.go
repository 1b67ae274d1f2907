package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/sokoline/sokopay/internal/payment/domain"
)

const maxWebhookBody = 1 << 20

func (s *Server) handleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, paymentdomain.ErrInvalidPayload)
		return
	}

	err = s.webhookSvc.Ingest(c.Request.Context(), c.Param("provider"), payload, c.Request.Header)
	if err != nil {
		// Duplicates are acknowledged so the provider stops retrying.
		if errors.Is(err, paymentdomain.ErrEventAlreadyProcessed) {
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
			return
		}
		// Rejected deliveries get the same ack as accepted ones. The
		// audit row records the cause; the sender is not told what
		// failed, a signature mismatch least of all.
		if errors.Is(err, paymentdomain.ErrInvalidSignature) ||
			errors.Is(err, paymentdomain.ErrInvalidPayload) ||
			errors.Is(err, paymentdomain.ErrPaymentNotFound) {
			c.JSON(http.StatusOK, gin.H{"status": "accepted"})
			return
		}
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}
