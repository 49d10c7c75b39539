package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
)

func (s *Server) Purchase(c *gin.Context) {
	var req paymentdomain.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	if key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)); key != "" {
		req.IdempotencyKey = key
	}

	res, err := s.paymentSvc.Purchase(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}
