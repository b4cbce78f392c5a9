package identity

import (
	"context"
	"time"
)

// Minted is a raw token minted by the identity provider, before the broker
// persists it. VerifySeed, when present, is opaque material the provider
// wants replayed through VerifyWithSeed on every verification.
type Minted struct {
	Token      string
	ExpiresAt  time.Time
	Region     string
	VerifySeed string
}

// Tenant is one entry of a user's tenant roster as the provider reports it
type Tenant struct {
	ID          string
	Name        string
	Description string
	Display     string
}

// Provider is the external identity provider. It is constructed once at
// process start and injected into the services that need it; it is never
// reached through ambient state. Failures propagate untouched — the broker
// performs no retries of its own on top of a Provider.
type Provider interface {
	// MintUnscopedToken mints a user-bound token from credentials
	MintUnscopedToken(ctx context.Context, user, password string) (*Minted, error)

	// ListTenants returns the tenant roster visible to the holder of the
	// given unscoped token
	ListTenants(ctx context.Context, unscopedToken, user string) ([]*Tenant, error)

	// MintScopedToken exchanges an unscoped token for one bound to a tenant
	MintScopedToken(ctx context.Context, unscopedToken, tenantName, tenantID string) (*Minted, error)

	// VerifyWithSeed performs the provider's out-of-band verification of a
	// token that was minted with seed material
	VerifyWithSeed(ctx context.Context, user, tenant, token, seed string) (bool, error)
}
