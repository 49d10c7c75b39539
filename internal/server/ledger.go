package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/commerce/internal/ledger/domain"
	"go.uber.org/zap"
)

// AdminVerifyLedger replays an entitlement's ledger and reports whether every
// stored balance matches the running sum.
func (s *Server) AdminVerifyLedger(c *gin.Context) {
	id, err := snowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	err = s.ledgerSvc.Verify(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"entitlement_id": id, "consistent": true})
	case errors.Is(err, ledgerdomain.ErrReplayMismatch):
		s.log.Error("ledger replay mismatch", zap.String("entitlement_id", id.String()), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"entitlement_id": id, "consistent": false, "detail": err.Error()})
	default:
		AbortWithError(c, err)
	}
}
