package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stephnangue/keymaster/credential"
	"github.com/stephnangue/keymaster/directory"
	"github.com/stephnangue/keymaster/identity"
	log "github.com/stephnangue/keymaster/logger"
	"github.com/stephnangue/keymaster/maintenance"
	"github.com/stephnangue/keymaster/namespace"
	"github.com/stephnangue/keymaster/physical/inmem"
	"github.com/stephnangue/keymaster/roletoken"
	"github.com/stephnangue/keymaster/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.Logger {
	return log.NewZerologLogger(&log.Config{
		Level:  log.ErrorLevel,
		Output: io.Discard,
	})
}

type handlerHarness struct {
	handler http.Handler
	tokens  *token.Service
	roles   *roletoken.Service
	dir     *directory.StaticDirectory
	store   namespace.Store
}

func newHandlerHarness(t *testing.T) *handlerHarness {
	t.Helper()
	logger := testLogger()
	store := namespace.NewKV(inmem.NewInmem(logger))
	index := namespace.NewIndex(store, logger)

	provider := identity.NewStaticProvider(time.Hour)
	provider.AddUser("alice", &identity.StaticUser{
		Password: "hunter2",
		Region:   "eu-west-1",
		Tenants:  []*identity.Tenant{{ID: "t-1", Name: "acme"}},
	})

	dir := directory.NewStaticDirectory()
	sweeper := maintenance.NewSweeper(nil, index, logger)
	tokens := token.NewService(nil, store, index, provider, sweeper, logger)
	roles := roletoken.NewService(store, index, dir, sweeper, logger)
	sweeper.Register(namespace.UserTokenIndexKey, tokens.Resolver())
	sweeper.Register(namespace.RoleTokenIndexKey, roles.Resolver())

	handler := Handler(&HandlerProperties{
		Router:  credential.NewRouter(tokens, roles, logger),
		Sweeper: sweeper,
		Logger:  logger,
	})
	return &handlerHarness{handler: handler, tokens: tokens, roles: roles, dir: dir, store: store}
}

func (h *handlerHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.0.0.5:39000"
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	h := newHandlerHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/sys/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.NotEmpty(t, health.Version)
}

func TestRequestIDHeader(t *testing.T) {
	h := newHandlerHarness(t)

	// A fresh request gets a generated ulid.
	rec := h.do(t, http.MethodGet, "/v1/sys/health", nil)
	assert.Len(t, rec.Header().Get("X-Request-Id"), 26)

	// An id assigned by a fronting proxy is kept.
	req := httptest.NewRequest(http.MethodGet, "/v1/sys/health", nil)
	req.Header.Set("X-Request-Id", "upstream-assigned")
	req.RemoteAddr = "10.0.0.5:39000"
	rec2 := httptest.NewRecorder()
	h.handler.ServeHTTP(rec2, req)
	assert.Equal(t, "upstream-assigned", rec2.Header().Get("X-Request-Id"))
}

func TestVerifyEndpointUserToken(t *testing.T) {
	h := newHandlerHarness(t)

	tokenID, err := h.tokens.Issue(context.Background(), "alice", "hunter2", "acme")
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/v1/auth/verify", &VerifyRequest{
		Credential:    tokenID,
		RequireScoped: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "user", resp.Shape)
	assert.Equal(t, "alice", resp.User)
	assert.Equal(t, "acme", resp.Tenant)
	assert.True(t, resp.Scoped)
}

func TestVerifyEndpointRoleTokenUsesRemoteIP(t *testing.T) {
	h := newHandlerHarness(t)
	ctx := context.Background()

	_, err := h.dir.AddRole("role/acme/web")
	require.NoError(t, err)
	require.NoError(t, h.dir.AddHost("role/acme/web", &directory.HostCandidate{
		Host: "web-1.acme.example",
		IP:   "10.0.0.5",
	}))
	tokenID, err := h.roles.IssueForHost(ctx, "10.0.0.5", 0, "", "acme", "web", time.Hour)
	require.NoError(t, err)

	// The harness request comes from 10.0.0.5, matching the token's host.
	rec := h.do(t, http.MethodPost, "/v1/auth/verify", &VerifyRequest{
		Credential: "role:" + tokenID,
		Allow:      "role",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "role", resp.Shape)
	assert.Equal(t, "10.0.0.5", resp.IP)
}

func TestVerifyEndpointErrorMapping(t *testing.T) {
	h := newHandlerHarness(t)

	tests := []struct {
		name       string
		request    *VerifyRequest
		wantStatus int
	}{
		{"unknown credential", &VerifyRequest{Credential: "kmu.unknown"}, http.StatusNotFound},
		{"empty credential", &VerifyRequest{}, http.StatusBadRequest},
		{"bad allow value", &VerifyRequest{Credential: "x", Allow: "hosts"}, http.StatusBadRequest},
		{"shape not allowed", &VerifyRequest{Credential: "role:abc", Allow: "user"}, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/v1/auth/verify", tc.request)
			assert.Equal(t, tc.wantStatus, rec.Code)

			var errResp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
			assert.NotEmpty(t, errResp.Errors)
		})
	}
}

func TestVerifyEndpointRejectsBadJSON(t *testing.T) {
	h := newHandlerHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/verify", bytes.NewReader([]byte("{")))
	req.RemoteAddr = "10.0.0.5:39000"
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSweepEndpoint(t *testing.T) {
	h := newHandlerHarness(t)
	ctx := context.Background()

	// Plant a stale role-token index entry.
	require.NoError(t, h.store.SetChildren(ctx, namespace.RoleTokenIndexKey, []string{"stale"}))

	rec := h.do(t, http.MethodPost, "/v1/sys/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	children, err := h.store.Children(ctx, namespace.RoleTokenIndexKey)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestUnknownPath(t *testing.T) {
	h := newHandlerHarness(t)

	rec := h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
