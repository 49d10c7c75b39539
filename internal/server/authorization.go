package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/commerce/internal/authorization"
	obscontext "github.com/smallbiznis/commerce/internal/observability/context"
)

func (s *Server) authorizeAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := obscontext.ActorValue(c.Request.Context())
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if s.authzSvc == nil {
			AbortWithError(c, ErrForbidden)
			return
		}
		err := s.authzSvc.Authorize(c.Request.Context(), authorization.Actor{
			ID:   actor.ID,
			Role: actor.Role,
		}, strings.TrimSpace(object), strings.TrimSpace(action))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}
