package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/stephnangue/keymaster/helper"
	"github.com/stephnangue/keymaster/logical"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var _ Provider = (*StaticProvider)(nil)

// StaticUser is one principal of the static provider
type StaticUser struct {
	Password string
	Tenants  []*Tenant
	Region   string
}

// StaticProvider is an in-process identity provider for dev mode and tests.
// It mints opaque base62 tokens and keeps every minted token in memory so
// scoped minting can check the unscoped token it was handed.
type StaticProvider struct {
	mu     sync.RWMutex
	users  map[string]*StaticUser
	minted map[string]string // token -> user
	ttl    time.Duration
}

// NewStaticProvider creates a static provider with the given token TTL
func NewStaticProvider(ttl time.Duration) *StaticProvider {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &StaticProvider{
		users:  make(map[string]*StaticUser),
		minted: make(map[string]string),
		ttl:    ttl,
	}
}

// AddUser registers a principal. Tenant display aliases default to the
// title-cased tenant name.
func (p *StaticProvider) AddUser(name string, user *StaticUser) {
	titler := cases.Title(language.Und)
	for _, tenant := range user.Tenants {
		if tenant.Display == "" {
			tenant.Display = titler.String(tenant.Name)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[name] = user
}

// MintUnscopedToken mints a user-bound token from credentials
func (p *StaticProvider) MintUnscopedToken(ctx context.Context, user, password string) (*Minted, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	u, ok := p.users[user]
	if !ok || u.Password != password {
		return nil, logical.Unauthorized("invalid user or password")
	}

	token, err := helper.GenerateOpaqueToken("kmu", 24)
	if err != nil {
		return nil, logical.Upstreamf(err, "token generation failed")
	}
	p.minted[token] = user

	return &Minted{
		Token:     token,
		ExpiresAt: time.Now().Add(p.ttl),
		Region:    u.Region,
	}, nil
}

// ListTenants returns the user's tenant roster
func (p *StaticProvider) ListTenants(ctx context.Context, unscopedToken, user string) ([]*Tenant, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.minted[unscopedToken] != user {
		return nil, logical.Unauthorized("unknown unscoped token")
	}
	u := p.users[user]
	if u == nil {
		return nil, logical.NotFoundOrExpired("unknown user")
	}
	tenants := make([]*Tenant, len(u.Tenants))
	copy(tenants, u.Tenants)
	return tenants, nil
}

// MintScopedToken exchanges an unscoped token for a tenant-bound one
func (p *StaticProvider) MintScopedToken(ctx context.Context, unscopedToken, tenantName, tenantID string) (*Minted, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	user, ok := p.minted[unscopedToken]
	if !ok {
		return nil, logical.Unauthorized("unknown unscoped token")
	}
	u := p.users[user]

	var found bool
	for _, tenant := range u.Tenants {
		if strings.EqualFold(tenant.Name, tenantName) {
			found = true
			break
		}
	}
	if !found {
		return nil, logical.Unauthorizedf("user %q is not a member of tenant %q", user, tenantName)
	}

	token, err := helper.GenerateOpaqueToken("kms", 24)
	if err != nil {
		return nil, logical.Upstreamf(err, "token generation failed")
	}
	p.minted[token] = user

	return &Minted{
		Token:     token,
		ExpiresAt: time.Now().Add(p.ttl),
		Region:    u.Region,
	}, nil
}

// VerifyWithSeed always accepts; the static provider mints without seeds
func (p *StaticProvider) VerifyWithSeed(ctx context.Context, user, tenant, token, seed string) (bool, error) {
	return true, nil
}
