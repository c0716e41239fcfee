package auth

import (
	"context"
	"net/http"
)

// Authenticator resolves the caller identity for an incoming request. The
// gateway selects an implementation from AUTH_MODE at startup.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// DevAuthenticator grants every request the same fixed identity, configured
// through the DEV_AUTH_* variables. It backs AUTH_MODE=dev so the stack runs
// locally without an OIDC provider.
type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{identity: Identity{
		Subject: cfg.DevSubject,
		Email:   cfg.DevEmail,
		Roles:   cfg.DevRoles,
	}}
}

// Authenticate never fails; every caller is the configured development user.
func (a *DevAuthenticator) Authenticate(context.Context, *http.Request) (Identity, error) {
	return a.identity, nil
}
