package server

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (s *Server) limitWebhooks() gin.HandlerFunc {
	return func(c *gin.Context) {
		res := s.webhookLimiter.Allow(c.Request.Context(), c.Param("provider"))
		if res.Allowed {
			c.Next()
			return
		}
		if seconds := int(math.Ceil(res.RetryAfter.Seconds())); seconds > 1 {
			c.Header("Retry-After", strconv.Itoa(seconds))
		}
		AbortWithError(c, ErrRateLimited)
	}
}
