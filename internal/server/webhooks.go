package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
	signaldomain "github.com/smallbiznis/commerce/internal/signal/domain"
)

const maxWebhookBody = 1 << 20

// HandlePaymentWebhook authenticates a provider notification and hands it to
// the signal ingestor. Duplicate deliveries answer 200 with "skipped" so the
// provider stops retrying.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	ctx := c.Request.Context()
	event, err := s.paymentSvc.ParseWebhook(ctx, provider, payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		AbortWithError(c, err)
		return
	}
	c.Set("event_id", event.EventID)

	status, err := s.signalSvc.Handle(ctx, signaldomain.FromProviderEvent(event))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": status})
}
