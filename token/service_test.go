package token

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stephnangue/keymaster/identity"
	log "github.com/stephnangue/keymaster/logger"
	"github.com/stephnangue/keymaster/logical"
	"github.com/stephnangue/keymaster/namespace"
	"github.com/stephnangue/keymaster/physical/inmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.Logger {
	return log.NewZerologLogger(&log.Config{
		Level:  log.ErrorLevel,
		Output: io.Discard,
	})
}

type recordingHinter struct {
	hints []string
}

func (h *recordingHinter) Hint(indexKey string) {
	h.hints = append(h.hints, indexKey)
}

type tokenHarness struct {
	svc      *Service
	provider *identity.StaticProvider
	store    namespace.Store
	hinter   *recordingHinter
}

func newTokenHarness(t *testing.T) *tokenHarness {
	t.Helper()
	logger := testLogger()
	store := namespace.NewKV(inmem.NewInmem(logger))
	hinter := &recordingHinter{}

	provider := identity.NewStaticProvider(time.Hour)
	provider.AddUser("alice", &identity.StaticUser{
		Password: "hunter2",
		Region:   "eu-west-1",
		Tenants: []*identity.Tenant{
			{ID: "t-1", Name: "acme"},
			{ID: "t-2", Name: "globex", Display: "Globex Corp"},
		},
	})

	svc := NewService(nil, store, namespace.NewIndex(store, logger), provider, hinter, logger)
	return &tokenHarness{svc: svc, provider: provider, store: store, hinter: hinter}
}

func TestIssueUnscopedAndVerify(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	tokenID, err := h.svc.Issue(ctx, "alice", "hunter2", "")
	require.NoError(t, err)
	require.NotEmpty(t, tokenID)

	verification, err := h.svc.Verify(ctx, tokenID)
	require.NoError(t, err)
	assert.Equal(t, "alice", verification.User)
	assert.Empty(t, verification.Tenant)
	assert.False(t, verification.Scoped)
	assert.Equal(t, "eu-west-1", verification.Region)
}

func TestIssueBadPassword(t *testing.T) {
	h := newTokenHarness(t)

	_, err := h.svc.Issue(context.Background(), "alice", "wrong", "")
	require.Error(t, err)
	assert.Equal(t, logical.KindUnauthorized, logical.KindOf(err))
}

func TestIssueReusesLiveToken(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	first, err := h.svc.Issue(ctx, "alice", "hunter2", "")
	require.NoError(t, err)
	second, err := h.svc.Issue(ctx, "alice", "hunter2", "")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A scoped request never reuses the unscoped token.
	scoped, err := h.svc.Issue(ctx, "alice", "hunter2", "acme")
	require.NoError(t, err)
	assert.NotEqual(t, first, scoped)

	scopedAgain, err := h.svc.Issue(ctx, "alice", "hunter2", "acme")
	require.NoError(t, err)
	assert.Equal(t, scoped, scopedAgain)
}

func TestIssueScopedEndToEnd(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	tokenID, err := h.svc.Issue(ctx, "alice", "hunter2", "acme")
	require.NoError(t, err)

	verification, err := h.svc.Verify(ctx, tokenID)
	require.NoError(t, err)
	assert.Equal(t, "alice", verification.User)
	assert.Equal(t, "acme", verification.Tenant)
	assert.True(t, verification.Scoped)

	require.NoError(t, h.svc.Revoke(ctx, tokenID))

	_, err = h.svc.Verify(ctx, tokenID)
	require.Error(t, err)
	assert.Equal(t, logical.KindNotFoundOrExpired, logical.KindOf(err))
}

func TestEscalate(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	unscoped, err := h.svc.Issue(ctx, "alice", "hunter2", "")
	require.NoError(t, err)

	// Tenant matching is case-insensitive against the roster.
	scoped, err := h.svc.Escalate(ctx, unscoped, "alice", "ACME")
	require.NoError(t, err)

	verification, err := h.svc.Verify(ctx, scoped)
	require.NoError(t, err)
	assert.Equal(t, "acme", verification.Tenant)

	// Escalation persists the roster with display aliases.
	roster, err := h.svc.ListTenants(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, roster, 2)
	displays := map[string]string{}
	for _, entry := range roster {
		displays[entry.Name] = entry.Display
	}
	assert.Equal(t, "Acme", displays["acme"])
	assert.Equal(t, "Globex Corp", displays["globex"])
}

func TestEscalateNonMember(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	unscoped, err := h.svc.Issue(ctx, "alice", "hunter2", "")
	require.NoError(t, err)

	_, err = h.svc.Escalate(ctx, unscoped, "alice", "initech")
	require.Error(t, err)
	assert.Equal(t, logical.KindUnauthorized, logical.KindOf(err))
}

func TestEscalateWrongUser(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	unscoped, err := h.svc.Issue(ctx, "alice", "hunter2", "")
	require.NoError(t, err)

	_, err = h.svc.Escalate(ctx, unscoped, "mallory", "acme")
	require.Error(t, err)
	assert.Equal(t, logical.KindUnauthorized, logical.KindOf(err))
}

func TestEscalateAlreadyScoped(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	scoped, err := h.svc.Issue(ctx, "alice", "hunter2", "acme")
	require.NoError(t, err)

	_, err = h.svc.Escalate(ctx, scoped, "alice", "globex")
	require.Error(t, err)
	assert.Equal(t, logical.KindValidation, logical.KindOf(err))
}

func TestVerifyUnknownTokenHintsSweep(t *testing.T) {
	h := newTokenHarness(t)

	_, err := h.svc.Verify(context.Background(), "kmu.doesnotexist")
	require.Error(t, err)
	assert.Equal(t, logical.KindNotFoundOrExpired, logical.KindOf(err))
	assert.Equal(t, []string{namespace.UserTokenIndexKey}, h.hinter.hints)
}

func TestVerifyExpiredRecord(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	tokenID, err := h.svc.Issue(ctx, "alice", "hunter2", "")
	require.NoError(t, err)

	// Move only the service clock past the provider's one-hour TTL.
	h.svc.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	_, err = h.svc.Verify(ctx, tokenID)
	require.Error(t, err)
	assert.Equal(t, logical.KindNotFoundOrExpired, logical.KindOf(err))
}

func TestVerifyAndConsume(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	tokenID, err := h.svc.Issue(ctx, "alice", "hunter2", "acme")
	require.NoError(t, err)

	verification, err := h.svc.VerifyAndConsume(ctx, tokenID)
	require.NoError(t, err)
	assert.Equal(t, "acme", verification.Tenant)

	// The token is gone after its single use.
	_, err = h.svc.Verify(ctx, tokenID)
	require.Error(t, err)
	assert.Equal(t, logical.KindNotFoundOrExpired, logical.KindOf(err))
}

func TestRevokeAbsentTokenSucceeds(t *testing.T) {
	h := newTokenHarness(t)

	require.NoError(t, h.svc.Revoke(context.Background(), "kmu.doesnotexist"))
	assert.Equal(t, []string{namespace.UserTokenIndexKey}, h.hinter.hints)
}

func TestSweepPrunesRevokedEntries(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	live, err := h.svc.Issue(ctx, "alice", "hunter2", "")
	require.NoError(t, err)
	stale, err := h.svc.Issue(ctx, "alice", "hunter2", "acme")
	require.NoError(t, err)

	// Drop the backing record without touching the indexes.
	require.NoError(t, h.store.Remove(ctx, namespace.UserTokenRecordPath(stale), false))

	dropped, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	// The scoped issue minted an unscoped intermediate too, so only the
	// record removed above counts as stale.
	assert.Equal(t, 1, dropped)

	children, err := h.store.Children(ctx, namespace.UserTokenIndexKey)
	require.NoError(t, err)
	assert.Contains(t, children, live)
	assert.NotContains(t, children, stale)
}

func TestListTenantsCaches(t *testing.T) {
	h := newTokenHarness(t)
	ctx := context.Background()

	_, err := h.svc.Issue(ctx, "alice", "hunter2", "acme")
	require.NoError(t, err)

	first, err := h.svc.ListTenants(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, first, 2)

	// Remove a roster entry behind the cache's back; the cached roster is
	// still served until its TTL lapses.
	require.NoError(t, h.store.Remove(ctx, namespace.TenantRosterEntry("alice", "globex"), false))

	second, err := h.svc.ListTenants(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, second, 2)
}
