package authorization

import (
	"context"
	"errors"
)

// Actor is the operator identity asserted by the gateway.
type Actor struct {
	ID   string
	Role string
}

type Service interface {
	Authorize(ctx context.Context, actor Actor, object string, action string) error
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidRole   = errors.New("invalid_role")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)
