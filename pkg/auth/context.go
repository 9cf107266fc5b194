package auth

import (
	"context"
	"errors"

	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

type contextKey string

const (
	principalKey contextKey = "principal"
)

// Principal is the authenticated entity making a request.
type Principal interface {
	GetID() string
}

// BasePrincipal is a simple implementation of Principal.
type BasePrincipal struct {
	ID string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return nil, errors.New("no principal in context")
	}
	return p, nil
}

// Caller returns the registry identity of the request's principal, or the
// empty identity for anonymous requests.
func Caller(ctx context.Context) registry.Identity {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return ""
	}
	return registry.Identity(p.GetID())
}
