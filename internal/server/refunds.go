package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/commerce/internal/entitlement/domain"
	refunddomain "github.com/smallbiznis/commerce/internal/refund/domain"
)

type refundRequest struct {
	OrderID         snowflake.ID        `json:"order_id"`
	Provider        string              `json:"provider"`
	ProviderOrderID string              `json:"provider_order_id"`
	Items           []refunddomain.Item `json:"items"`
	Reason          string              `json:"reason"`
}

// Refund applies a provider-reported refund. Replays of an already refunded
// order report "skipped".
func (s *Server) Refund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	res, err := s.refundSvc.Refund(c.Request.Context(), refunddomain.Request{
		Order: entitlementdomain.OrderRef{
			ID:              req.OrderID,
			Provider:        req.Provider,
			ProviderOrderID: req.ProviderOrderID,
		},
		Items:  req.Items,
		Reason: req.Reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

type adminRefundRequest struct {
	Items  []refunddomain.Item `json:"items"`
	Reason string              `json:"reason"`
}

func (s *Server) AdminRefundOrder(c *gin.Context) {
	id, err := snowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req adminRefundRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
			return
		}
	}

	res, err := s.refundSvc.Refund(c.Request.Context(), refunddomain.Request{
		Order:  entitlementdomain.OrderRef{ID: id},
		Items:  req.Items,
		Manual: true,
		Reason: strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) AdminRevokeEntitlement(c *gin.Context) {
	id, err := snowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req entitlementdomain.RevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	req.EntitlementID = id

	ent, err := s.entitlementSvc.Revoke(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ent})
}
