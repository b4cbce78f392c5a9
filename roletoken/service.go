package roletoken

import (
	"context"
	"net/netip"
	"sort"
	"strings"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/stephnangue/keymaster/directory"
	"github.com/stephnangue/keymaster/helper"
	log "github.com/stephnangue/keymaster/logger"
	"github.com/stephnangue/keymaster/logical"
	"github.com/stephnangue/keymaster/namespace"
)

// maxNonceAttempts bounds the collision redraw loop during issuance. A
// collision in a 64-bit nonce space is effectively impossible, so hitting
// the bound indicates something badly wrong with the randomness source.
const maxNonceAttempts = 10

// Identity is the verified identity carried by a role token
type Identity struct {
	TokenID  string
	RolePath string
	Tenant   string
	Creator  string // CreatorUser or CreatorHost
	User     string
	Hostname string
	IP       string
	Port     int
}

// Revoker identifies who is asking for a revocation: either a user acting
// within a tenant, or a host identified by its IP.
type Revoker struct {
	User   string
	Tenant string
	IP     string
}

// Service issues, verifies, and revokes role tokens. Tokens are verified
// by recomputation against the role's current secret id, never by
// comparing stored token bytes, so rotating a role silently invalidates
// everything issued under the old secret.
type Service struct {
	store  namespace.Store
	index  *namespace.Index
	dir    directory.Directory
	hinter namespace.SweepHinter
	logger log.Logger
	now    func() time.Time
	nonce  func() ([4]uint16, error)
}

// NewService creates a role token service
func NewService(store namespace.Store, index *namespace.Index, dir directory.Directory, hinter namespace.SweepHinter, logger log.Logger) *Service {
	return &Service{
		store:  store,
		index:  index,
		dir:    dir,
		hinter: hinter,
		logger: logger.WithSubsystem("roletoken"),
		now:    time.Now,
		nonce:  helper.GenerateWords,
	}
}

// SetClock overrides the service's clock. Test use only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetNonceSource overrides the service's nonce drawer. Test use only.
func (s *Service) SetNonceSource(nonce func() ([4]uint16, error)) {
	s.nonce = nonce
}

// IssueForUser issues a role token bound to a user identity. The role
// reference is a bare name or a full path whose tenant must agree with the
// supplied tenant.
func (s *Service) IssueForUser(ctx context.Context, user, tenant string, base Words, roleRef string, ttl time.Duration) (string, error) {
	defer metrics.MeasureSince([]string{"roletoken", "issue", "user"}, time.Now())

	if !namespace.ValidName(user) {
		return "", logical.Validationf("invalid user name %q", user)
	}
	rolePath, err := namespace.ResolveRoleRef(roleRef, tenant)
	if err != nil {
		return "", err
	}

	record := &Record{
		Role:    rolePath,
		Creator: CreatorUser,
		User:    user,
		Tenant:  tenant,
		Base:    intSlice(base),
	}
	return s.issue(ctx, record, base, ttl)
}

// IssueForHost issues a role token bound to a host identity. The base id
// comes from resolving (ip, port, cuk) against the role's registered host
// directory; the creator recorded is the matched host's own path.
func (s *Service) IssueForHost(ctx context.Context, ip string, port int, cuk, tenant, roleRef string, ttl time.Duration) (string, error) {
	defer metrics.MeasureSince([]string{"roletoken", "issue", "host"}, time.Now())

	if _, err := netip.ParseAddr(ip); err != nil {
		return "", logical.Validationf("invalid requester ip %q", ip)
	}
	rolePath, err := namespace.ResolveRoleRef(roleRef, tenant)
	if err != nil {
		return "", err
	}

	candidates, err := s.dir.ResolveHostInRole(ctx, rolePath, "", ip, port, cuk)
	if err != nil {
		return "", err
	}
	host := pickHost(candidates, port)
	if host == nil {
		return "", logical.NotFoundOrExpiredf("no registered host of role %q matches %s", rolePath, ip)
	}

	record := &Record{
		Role:     rolePath,
		Creator:  CreatorHost,
		User:     host.Path,
		Hostname: host.Host,
		IP:       host.IP,
		Port:     host.Port,
		Tenant:   tenant,
		Base:     intSlice(Words(host.SecretID)),
	}
	return s.issue(ctx, record, Words(host.SecretID), ttl)
}

// pickHost selects the candidate a token is minted against. Exact port
// registrations win over wildcard (port 0) ones; within each class the
// directory's own order decides. The sort is stable so the choice is
// deterministic for a given directory state.
func pickHost(candidates []*directory.HostCandidate, port int) *directory.HostCandidate {
	ordered := make([]*directory.HostCandidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return exactPort(ordered[i], port) && !exactPort(ordered[j], port)
	})
	for _, candidate := range ordered {
		if candidate.IP == "" || candidate.SecretID == ([4]uint16{}) {
			continue
		}
		return candidate
	}
	return nil
}

func exactPort(c *directory.HostCandidate, port int) bool {
	return port != 0 && c.Port == port
}

// issue draws nonces until the derived id is unused, persists the record,
// and links it into the role-token index. Linking is advisory: a failed
// link is logged and does not fail the issuance.
func (s *Service) issue(ctx context.Context, record *Record, base Words, ttl time.Duration) (string, error) {
	roleID, err := s.dir.GetRoleSecretID(ctx, record.Role)
	if err != nil {
		return "", err
	}

	now := s.now()
	record.Date = helper.FormatTime(now)
	record.Expire = helper.FormatTime(now.Add(ttl))

	for attempt := 0; attempt < maxNonceAttempts; attempt++ {
		nonce, err := s.nonce()
		if err != nil {
			return "", logical.Internalf("nonce generation failed: %v", err)
		}
		tokenID := DeriveTokenID(base, Words(roleID), Words(nonce))

		// Collision probe. The 64-bit space makes a hit effectively
		// impossible, but an in-use id must never be overwritten.
		existing, err := s.store.Get(ctx, namespace.RoleTokenRecordPath(tokenID))
		if err != nil {
			return "", logical.Upstream(err, "role token collision probe failed")
		}
		if existing != nil {
			metrics.IncrCounter([]string{"roletoken", "nonce_collision"}, 1)
			s.logger.Warn("role token id collision, redrawing nonce",
				log.String("role", record.Role),
				log.Int("attempt", attempt+1),
			)
			continue
		}

		record.Verify = intSlice(Words(nonce))
		value, err := record.Encode()
		if err != nil {
			return "", logical.Internalf("role token record encoding failed: %v", err)
		}
		if err := s.store.Set(ctx, namespace.RoleTokenRecordPath(tokenID), value, ttl); err != nil {
			return "", logical.Upstream(err, "role token persistence failed")
		}

		if err := s.index.LinkChild(ctx, namespace.RoleTokenIndexKey, tokenID); err != nil {
			s.logger.Warn("failed to link role token into index",
				log.String("token_id", tokenID),
				log.Err(err),
			)
		}

		metrics.IncrCounter([]string{"roletoken", "issued"}, 1)
		s.logger.Debug("role token issued",
			log.String("role", record.Role),
			log.String("creator", record.Creator),
			log.String("expire", record.Expire),
		)
		return tokenID, nil
	}

	return "", logical.Internalf("exhausted %d nonce attempts without an unused token id", maxNonceAttempts)
}

// Verify validates a role token and returns the identity it carries. For
// host-created tokens the requester IP must equal the stored IP exactly;
// hostnames are never accepted as proof of identity. The token id is
// recomputed against the role's current secret id, so a rotated or
// recreated role fails every outstanding token.
func (s *Service) Verify(ctx context.Context, tokenID, requesterIP string) (*Identity, error) {
	defer metrics.MeasureSince([]string{"roletoken", "verify"}, time.Now())

	if !IsTokenID(tokenID) {
		return nil, logical.Validation("credential is not a role token id")
	}

	value, err := s.store.Get(ctx, namespace.RoleTokenRecordPath(tokenID))
	if err != nil {
		return nil, logical.Upstream(err, "role token lookup failed")
	}
	if value == nil {
		s.hinter.Hint(namespace.RoleTokenIndexKey)
		return nil, logical.NotFoundOrExpired("role token not found or expired")
	}

	record, err := DecodeRecord(value)
	if err != nil {
		return nil, logical.Validationf("role token record is malformed: %v", err)
	}
	base, verify, err := record.Validate()
	if err != nil {
		return nil, logical.Validationf("role token record is malformed: %v", err)
	}

	if record.Creator == CreatorHost {
		if err := s.checkRequesterIP(record.IP, requesterIP); err != nil {
			return nil, err
		}
	}

	// The store's TTL already bounds the record's life; the explicit
	// expiry check covers stores that returned a stale read.
	expiresAt, err := record.ExpiresAt()
	if err != nil {
		return nil, logical.Validationf("role token record is malformed: %v", err)
	}
	if s.now().After(expiresAt) {
		return nil, logical.NotFoundOrExpired("role token not found or expired")
	}

	roleID, err := s.dir.GetRoleSecretID(ctx, record.Role)
	if err != nil {
		if logical.IsKind(err, logical.KindNotFoundOrExpired) {
			return nil, logical.Unauthorizedf("role %q no longer exists", record.Role)
		}
		return nil, err
	}
	if DeriveTokenID(base, Words(roleID), verify) != tokenID {
		metrics.IncrCounter([]string{"roletoken", "verify_mismatch"}, 1)
		return nil, logical.Unauthorized("role token does not verify against the current role")
	}

	return &Identity{
		TokenID:  tokenID,
		RolePath: record.Role,
		Tenant:   record.Tenant,
		Creator:  record.Creator,
		User:     record.User,
		Hostname: record.Hostname,
		IP:       record.IP,
		Port:     record.Port,
	}, nil
}

func (s *Service) checkRequesterIP(stored, presented string) error {
	if presented == "" {
		return logical.Unauthorized("host-created role token requires the requester ip")
	}
	storedAddr, err := netip.ParseAddr(stored)
	if err != nil {
		return logical.Validationf("role token record holds malformed ip %q", stored)
	}
	presentedAddr, err := netip.ParseAddr(presented)
	if err != nil {
		return logical.Unauthorizedf("requester ip %q is not an ip address", presented)
	}
	if storedAddr != presentedAddr {
		return logical.Unauthorized("requester ip does not match the token's host")
	}
	return nil
}

// Revoke removes a role token after confirming the revoker's entitlement:
// a user revoker must act within the token's own tenant, and an ip revoker
// must currently be a member of the token's role. Revoking a token that is
// already gone succeeds after hinting a sweep.
func (s *Service) Revoke(ctx context.Context, tokenID string, by Revoker) error {
	defer metrics.MeasureSince([]string{"roletoken", "revoke"}, time.Now())

	if !IsTokenID(tokenID) {
		return logical.Validation("credential is not a role token id")
	}

	value, err := s.store.Get(ctx, namespace.RoleTokenRecordPath(tokenID))
	if err != nil {
		return logical.Upstream(err, "role token lookup failed")
	}
	if value == nil {
		s.hinter.Hint(namespace.RoleTokenIndexKey)
		return nil
	}

	record, err := DecodeRecord(value)
	if err != nil {
		return logical.Validationf("role token record is malformed: %v", err)
	}

	if err := s.checkRevoker(ctx, record, by); err != nil {
		return err
	}

	if err := s.store.Remove(ctx, namespace.RoleTokenRecordPath(tokenID), false); err != nil {
		return logical.Upstream(err, "role token removal failed")
	}
	if err := s.index.UnlinkChild(ctx, namespace.RoleTokenIndexKey, tokenID); err != nil {
		s.logger.Warn("failed to unlink revoked role token",
			log.String("token_id", tokenID),
			log.Err(err),
		)
	}

	metrics.IncrCounter([]string{"roletoken", "revoked"}, 1)
	return nil
}

func (s *Service) checkRevoker(ctx context.Context, record *Record, by Revoker) error {
	if by.IP != "" {
		members, err := s.dir.ResolveHostInRole(ctx, record.Role, "", by.IP, 0, "")
		if err != nil {
			if logical.IsKind(err, logical.KindNotFoundOrExpired) {
				return logical.Unauthorizedf("ip %q is not a member of role %q", by.IP, record.Role)
			}
			return err
		}
		if len(members) == 0 {
			return logical.Unauthorizedf("ip %q is not a member of role %q", by.IP, record.Role)
		}
		return nil
	}

	if by.User == "" || by.Tenant == "" {
		return logical.Validation("revocation requires a user with tenant, or an ip")
	}
	// The role path, not the record's free-standing tenant field, is the
	// authority on which tenant the token belongs to.
	tenant, _, err := namespace.RoleFromPath(record.Role)
	if err != nil {
		return logical.Validationf("role token record is malformed: %v", err)
	}
	if !strings.EqualFold(by.Tenant, tenant) {
		return logical.Unauthorizedf("tenant %q cannot revoke a token scoped to another tenant", by.Tenant)
	}
	return nil
}

// Resolver returns the index resolver for role tokens: an indexed id is
// live while its backing record resolves.
func (s *Service) Resolver() namespace.Resolver {
	return func(ctx context.Context, child string) bool {
		value, err := s.store.Get(ctx, namespace.RoleTokenRecordPath(child))
		return err == nil && value != nil
	}
}

// Sweep prunes the role-token index. Exposed for out-of-band scheduling.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.index.Sweep(ctx, namespace.RoleTokenIndexKey, s.Resolver())
}

func intSlice(w Words) []int {
	out := make([]int, len(w))
	for i, v := range w {
		out[i] = int(v)
	}
	return out
}
