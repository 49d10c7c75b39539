package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/commerce/internal/observability/context"
)

const (
	HeaderActorID        = "X-Actor-Id"
	HeaderActorRole      = "X-Actor-Role"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// ActorContext attaches the gateway-asserted operator to the request
// context so audit records name who acted.
func ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if actorID != "" {
			ctx := obscontext.WithActor(c.Request.Context(), obscontext.Actor{
				Type: obscontext.ActorTypeAdmin,
				ID:   actorID,
				Role: strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole))),
			})
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

// AdminRequired rejects admin requests that arrive without an operator identity.
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := obscontext.ActorValue(c.Request.Context())
		if !ok || actor.Type != obscontext.ActorTypeAdmin || actor.ID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}
