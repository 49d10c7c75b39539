package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type actorKey struct{}

// Actor identifies who triggered a request.
type Actor struct {
	Type string
	ID   string
	Role string
}

// Actor types recognised by the service.
const (
	ActorTypeSystem  = "system"
	ActorTypeUser    = "user"
	ActorTypeAdmin   = "admin"
	ActorTypeWebhook = "webhook"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	actor.Type = strings.TrimSpace(actor.Type)
	actor.ID = strings.TrimSpace(actor.ID)
	actor.Role = strings.TrimSpace(actor.Role)
	if actor.Type == "" && actor.ID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor type and id, or empty strings.
func ActorFromContext(ctx context.Context) (string, string) {
	actor, ok := ActorValue(ctx)
	if !ok {
		return "", ""
	}
	return actor.Type, actor.ID
}

func ActorValue(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}
