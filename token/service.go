package token

import (
	"context"
	"strings"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-secure-stdlib/strutil"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/stephnangue/keymaster/helper"
	"github.com/stephnangue/keymaster/identity"
	log "github.com/stephnangue/keymaster/logger"
	"github.com/stephnangue/keymaster/logical"
	"github.com/stephnangue/keymaster/namespace"
)

// Verification is the result of a successful token verification
type Verification struct {
	TokenID string
	User    string
	Tenant  string
	Scoped  bool
	Region  string
}

// TenantInfo is one entry of a user's tenant roster
type TenantInfo struct {
	Name    string
	Display string
}

// Config tunes the service's roster cache
type Config struct {
	RosterCacheSize int
	RosterCacheTTL  time.Duration
}

// DefaultConfig returns the default service configuration
func DefaultConfig() *Config {
	return &Config{
		RosterCacheSize: 1024,
		RosterCacheTTL:  30 * time.Second,
	}
}

// Service issues, verifies, and revokes user tokens, scoped and unscoped.
// The raw token minted by the identity provider is used directly as the
// token id; the broker stores a record of it plus a user-side pointer key
// and never re-derives or inspects the token bytes.
type Service struct {
	store       namespace.Store
	index       *namespace.Index
	provider    identity.Provider
	hinter      namespace.SweepHinter
	logger      log.Logger
	now         func() time.Time
	rosterCache *expirable.LRU[string, []TenantInfo]
}

// NewService creates a user token service
func NewService(config *Config, store namespace.Store, index *namespace.Index, provider identity.Provider, hinter namespace.SweepHinter, logger log.Logger) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	return &Service{
		store:       store,
		index:       index,
		provider:    provider,
		hinter:      hinter,
		logger:      logger.WithSubsystem("token"),
		now:         time.Now,
		rosterCache: expirable.NewLRU[string, []TenantInfo](config.RosterCacheSize, nil, config.RosterCacheTTL),
	}
}

// SetClock overrides the service's clock. Test use only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Issue returns a token for (user, tenant), reusing a live one when it
// exists. On a miss it mints a fresh unscoped token from the identity
// provider and, when a tenant was requested, escalates it immediately so
// the caller only ever sees the scoped id.
func (s *Service) Issue(ctx context.Context, user, password, tenant string) (string, error) {
	defer metrics.MeasureSince([]string{"token", "issue"}, time.Now())

	if !namespace.ValidName(user) {
		return "", logical.Validationf("invalid user name %q", user)
	}
	if tenant != "" && !namespace.ValidName(tenant) {
		return "", logical.Validationf("invalid tenant name %q", tenant)
	}

	if existing := s.findLive(ctx, user, tenant); existing != "" {
		metrics.IncrCounter([]string{"token", "reused"}, 1)
		return existing, nil
	}

	minted, err := s.provider.MintUnscopedToken(ctx, user, password)
	if err != nil {
		return "", err
	}
	unscopedID, err := s.persist(ctx, user, "", minted)
	if err != nil {
		return "", err
	}
	metrics.IncrCounter([]string{"token", "issued"}, 1)

	if tenant == "" {
		return unscopedID, nil
	}
	return s.Escalate(ctx, unscopedID, user, tenant)
}

// findLive scans the per-user index of (user, tenant) for a token whose
// record still resolves and is unexpired. Stale index entries hint a sweep
// and are skipped.
func (s *Service) findLive(ctx context.Context, user, tenant string) string {
	children, err := s.store.Children(ctx, namespace.UserTokenIndex(user, tenant))
	if err != nil {
		s.logger.Warn("user token index read failed",
			log.String("user", user),
			log.Err(err),
		)
		return ""
	}

	for _, tokenID := range children {
		value, err := s.store.Get(ctx, namespace.UserTokenRecordPath(tokenID))
		if err != nil {
			continue
		}
		if value == nil {
			s.hinter.Hint(namespace.UserTokenIndexKey)
			continue
		}
		record, err := DecodeRecord(value)
		if err != nil {
			continue
		}
		if record.User != user || !strings.EqualFold(record.Tenant, tenant) {
			continue
		}
		if record.ExpiredAt(s.now()) {
			s.hinter.Hint(namespace.UserTokenIndexKey)
			continue
		}
		return tokenID
	}
	return ""
}

// persist writes the token record and the user-side pointer, then links
// the id into the per-user and global indexes. Index failures are logged
// only; the indexes are advisory and self-heal on sweep.
func (s *Service) persist(ctx context.Context, user, tenant string, minted *identity.Minted) (string, error) {
	tokenID := minted.Token
	if tokenID == "" {
		return "", logical.Upstream(nil, "identity provider minted an empty token")
	}

	record := &Record{
		Path:   namespace.UserTokenPath(user, tenant, tokenID),
		User:   user,
		Tenant: tenant,
		Region: minted.Region,
		Seed:   minted.VerifySeed,
	}
	var ttl time.Duration
	if !minted.ExpiresAt.IsZero() {
		ttl = minted.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return "", logical.Upstream(nil, "identity provider minted an already expired token")
		}
		record.Expire = helper.FormatTime(minted.ExpiresAt)
	}

	value, err := record.Encode()
	if err != nil {
		return "", logical.Internalf("user token record encoding failed: %v", err)
	}
	if err := s.store.Set(ctx, namespace.UserTokenRecordPath(tokenID), value, ttl); err != nil {
		return "", logical.Upstream(err, "user token persistence failed")
	}
	if err := s.store.Set(ctx, record.Path, []byte(minted.Region), ttl); err != nil {
		return "", logical.Upstream(err, "user token pointer persistence failed")
	}

	for _, parent := range []string{namespace.UserTokenIndex(user, tenant), namespace.UserTokenIndexKey} {
		if err := s.index.LinkChild(ctx, parent, tokenID); err != nil {
			s.logger.Warn("failed to link user token into index",
				log.String("parent", parent),
				log.Err(err),
			)
		}
	}

	s.logger.Debug("user token issued",
		log.String("user", user),
		log.Bool("scoped", tenant != ""),
		log.String("expire", record.Expire),
	)
	return tokenID, nil
}

// Escalate exchanges a live unscoped token for one scoped to a tenant. The
// tenant is matched case-insensitively against the roster the identity
// provider reports for the token's holder; a user outside the tenant gets
// Unauthorized, not NotFound, since the roster's contents are not secret
// from its own user. The cached roster is refreshed as a side effect.
func (s *Service) Escalate(ctx context.Context, unscopedID, user, tenant string) (string, error) {
	defer metrics.MeasureSince([]string{"token", "escalate"}, time.Now())

	if !namespace.ValidName(tenant) {
		return "", logical.Validationf("invalid tenant name %q", tenant)
	}

	record, err := s.resolve(ctx, unscopedID)
	if err != nil {
		return "", err
	}
	if record.User != user {
		return "", logical.Unauthorized("token does not belong to the requesting user")
	}
	if record.Scoped() {
		return "", logical.Validation("token is already scoped to a tenant")
	}

	roster, err := s.provider.ListTenants(ctx, unscopedID, user)
	if err != nil {
		return "", err
	}
	var match *identity.Tenant
	for _, t := range roster {
		if strings.EqualFold(t.Name, tenant) {
			match = t
			break
		}
	}
	if match == nil {
		return "", logical.Unauthorizedf("user %q is not a member of tenant %q", user, tenant)
	}

	minted, err := s.provider.MintScopedToken(ctx, unscopedID, match.Name, match.ID)
	if err != nil {
		return "", err
	}
	scopedID, err := s.persist(ctx, user, match.Name, minted)
	if err != nil {
		return "", err
	}

	s.refreshRoster(ctx, user, roster)
	metrics.IncrCounter([]string{"token", "escalated"}, 1)
	return scopedID, nil
}

// refreshRoster rewrites the user's persisted tenant roster to match what
// the provider just reported, removing entries no longer listed. Failures
// are logged only; the roster is a display cache, not an authority.
func (s *Service) refreshRoster(ctx context.Context, user string, roster []*identity.Tenant) {
	names := make([]string, 0, len(roster))
	for _, t := range roster {
		display := t.Display
		if display == "" {
			display = t.Name
		}
		if err := s.store.Set(ctx, namespace.TenantRosterEntry(user, t.Name), []byte(display), 0); err != nil {
			s.logger.Warn("roster entry write failed",
				log.String("user", user),
				log.String("tenant", t.Name),
				log.Err(err),
			)
			continue
		}
		if err := s.index.LinkChild(ctx, namespace.TenantRoster(user), t.Name); err != nil {
			s.logger.Warn("roster link failed",
				log.String("user", user),
				log.String("tenant", t.Name),
				log.Err(err),
			)
		}
		names = append(names, t.Name)
	}

	current, err := s.store.Children(ctx, namespace.TenantRoster(user))
	if err != nil {
		s.logger.Warn("roster read failed", log.String("user", user), log.Err(err))
		return
	}
	for _, name := range current {
		if strutil.StrListContains(names, name) {
			continue
		}
		if err := s.store.Remove(ctx, namespace.TenantRosterEntry(user, name), false); err != nil {
			s.logger.Warn("stale roster entry removal failed",
				log.String("user", user),
				log.String("tenant", name),
				log.Err(err),
			)
			continue
		}
		if err := s.index.UnlinkChild(ctx, namespace.TenantRoster(user), name); err != nil {
			s.logger.Warn("stale roster unlink failed",
				log.String("user", user),
				log.String("tenant", name),
				log.Err(err),
			)
		}
	}

	s.rosterCache.Remove(user)
}

// resolve loads and validates a token record. Absent and expired are
// reported identically.
func (s *Service) resolve(ctx context.Context, tokenID string) (*Record, error) {
	if tokenID == "" {
		return nil, logical.Validation("empty token")
	}
	value, err := s.store.Get(ctx, namespace.UserTokenRecordPath(tokenID))
	if err != nil {
		return nil, logical.Upstream(err, "user token lookup failed")
	}
	if value == nil {
		s.hinter.Hint(namespace.UserTokenIndexKey)
		return nil, logical.NotFoundOrExpired("token not found or expired")
	}
	record, err := DecodeRecord(value)
	if err != nil {
		return nil, logical.Validationf("user token record is malformed: %v", err)
	}
	if record.ExpiredAt(s.now()) {
		return nil, logical.NotFoundOrExpired("token not found or expired")
	}
	return record, nil
}

// Verify validates a token and returns its subject. The user-side pointer
// doubles as the revocation marker, so a token revoked moments ago fails
// here even if its record is still cached somewhere.
func (s *Service) Verify(ctx context.Context, tokenID string) (*Verification, error) {
	defer metrics.MeasureSince([]string{"token", "verify"}, time.Now())

	record, err := s.resolve(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	pointer, err := s.store.Get(ctx, record.Path)
	if err != nil {
		return nil, logical.Upstream(err, "user token pointer lookup failed")
	}
	if pointer == nil {
		s.hinter.Hint(namespace.UserTokenIndexKey)
		return nil, logical.NotFoundOrExpired("token not found or expired")
	}

	if record.Seed != "" {
		ok, err := s.provider.VerifyWithSeed(ctx, record.User, record.Tenant, tokenID, record.Seed)
		if err != nil {
			return nil, err
		}
		if !ok {
			metrics.IncrCounter([]string{"token", "seed_rejected"}, 1)
			return nil, logical.Unauthorized("identity provider rejected the token")
		}
	}

	return &Verification{
		TokenID: tokenID,
		User:    record.User,
		Tenant:  record.Tenant,
		Scoped:  record.Scoped(),
		Region:  record.Region,
	}, nil
}

// VerifyAndConsume verifies a token and revokes it on success, making it
// one-shot. A failed revocation fails the call so the token cannot be
// replayed.
func (s *Service) VerifyAndConsume(ctx context.Context, tokenID string) (*Verification, error) {
	verification, err := s.Verify(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if err := s.Revoke(ctx, tokenID); err != nil {
		return nil, logical.Upstream(err, "one-shot token consumption failed")
	}
	metrics.IncrCounter([]string{"token", "consumed"}, 1)
	return verification, nil
}

// Revoke removes every trace of a token. Revoking an absent token succeeds
// after hinting a sweep.
func (s *Service) Revoke(ctx context.Context, tokenID string) error {
	defer metrics.MeasureSince([]string{"token", "revoke"}, time.Now())

	if tokenID == "" {
		return logical.Validation("empty token")
	}
	value, err := s.store.Get(ctx, namespace.UserTokenRecordPath(tokenID))
	if err != nil {
		return logical.Upstream(err, "user token lookup failed")
	}
	if value == nil {
		s.hinter.Hint(namespace.UserTokenIndexKey)
		return nil
	}
	record, err := DecodeRecord(value)
	if err != nil {
		// Remove an undecodable record outright; there is nothing else
		// to find through it.
		if err := s.store.Remove(ctx, namespace.UserTokenRecordPath(tokenID), false); err != nil {
			return logical.Upstream(err, "user token removal failed")
		}
		return nil
	}

	if err := s.store.Remove(ctx, record.Path, false); err != nil {
		return logical.Upstream(err, "user token pointer removal failed")
	}
	if err := s.store.Remove(ctx, namespace.UserTokenRecordPath(tokenID), false); err != nil {
		return logical.Upstream(err, "user token removal failed")
	}

	for _, parent := range []string{namespace.UserTokenIndex(record.User, record.Tenant), namespace.UserTokenIndexKey} {
		if err := s.index.UnlinkChild(ctx, parent, tokenID); err != nil {
			s.logger.Warn("failed to unlink revoked user token",
				log.String("parent", parent),
				log.Err(err),
			)
		}
	}

	metrics.IncrCounter([]string{"token", "revoked"}, 1)
	return nil
}

// ListTenants returns the user's persisted tenant roster with display
// aliases, served through a short-lived cache.
func (s *Service) ListTenants(ctx context.Context, user string) ([]TenantInfo, error) {
	if !namespace.ValidName(user) {
		return nil, logical.Validationf("invalid user name %q", user)
	}
	if cached, ok := s.rosterCache.Get(user); ok {
		metrics.IncrCounter([]string{"token", "roster", "cache_hit"}, 1)
		return cached, nil
	}

	names, err := s.store.Children(ctx, namespace.TenantRoster(user))
	if err != nil {
		return nil, logical.Upstream(err, "tenant roster read failed")
	}

	roster := make([]TenantInfo, 0, len(names))
	for _, name := range names {
		value, err := s.store.Get(ctx, namespace.TenantRosterEntry(user, name))
		if err != nil {
			return nil, logical.Upstream(err, "tenant roster read failed")
		}
		if value == nil {
			// Stale roster link; drop it and move on.
			if err := s.index.UnlinkChild(ctx, namespace.TenantRoster(user), name); err != nil {
				s.logger.Warn("stale roster unlink failed",
					log.String("user", user),
					log.String("tenant", name),
					log.Err(err),
				)
			}
			continue
		}
		roster = append(roster, TenantInfo{Name: name, Display: string(value)})
	}

	s.rosterCache.Add(user, roster)
	return roster, nil
}

// Resolver returns the index resolver for user tokens: an indexed id is
// live while its backing record resolves.
func (s *Service) Resolver() namespace.Resolver {
	return func(ctx context.Context, child string) bool {
		value, err := s.store.Get(ctx, namespace.UserTokenRecordPath(child))
		return err == nil && value != nil
	}
}

// Sweep prunes the global user-token index
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.index.Sweep(ctx, namespace.UserTokenIndexKey, s.Resolver())
}
