package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/commerce/internal/entitlement/domain"
	ledgerdomain "github.com/smallbiznis/commerce/internal/ledger/domain"
)

func (s *Server) GrantEntitlement(c *gin.Context) {
	var req entitlementdomain.GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	if key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)); key != "" {
		req.IdempotencyKey = key
	}

	res, err := s.entitlementSvc.Grant(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) GetEntitlement(c *gin.Context) {
	id, err := snowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ent, err := s.entitlementSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ent})
}

func (s *Server) SpendEntitlement(c *gin.Context) {
	id, err := snowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req ledgerdomain.SpendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	req.EntitlementID = id
	if key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)); key != "" {
		req.IdempotencyKey = key
	}

	entry, err := s.ledgerSvc.Spend(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entry})
}

func (s *Server) ListEntitlementLedger(c *gin.Context) {
	id, err := snowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	entries, err := s.ledgerSvc.Entries(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entries})
}

func (s *Server) ListUserEntitlements(c *gin.Context) {
	ents, err := s.entitlementSvc.ListActive(c.Request.Context(), c.Param("userId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ents})
}

func (s *Server) GetUserDebt(c *gin.Context) {
	report, err := s.ledgerSvc.Debt(c.Request.Context(), strings.TrimSpace(c.Param("userId")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (s *Server) ListUserLedger(c *gin.Context) {
	var req ledgerdomain.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	req.UserID = strings.TrimSpace(c.Param("userId"))

	resp, err := s.ledgerSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Entries, "page_info": resp.PageInfo})
}
