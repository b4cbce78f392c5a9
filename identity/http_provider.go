package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	log "github.com/stephnangue/keymaster/logger"
	"github.com/stephnangue/keymaster/logical"
)

var _ Provider = (*HTTPProvider)(nil)

// HTTPProviderConfig configures the HTTP identity provider client
type HTTPProviderConfig struct {
	// Endpoint is the provider's base URL
	Endpoint string

	// Timeout bounds a single request attempt
	Timeout time.Duration

	// RetryMax is the number of retries on transient failures
	RetryMax int
}

// HTTPProvider talks to a remote identity provider over a JSON API.
// Transient transport failures are retried with backoff; application-level
// rejections are not.
type HTTPProvider struct {
	endpoint string
	client   *retryablehttp.Client
	logger   log.Logger
}

// NewHTTPProvider creates an identity provider client
func NewHTTPProvider(config *HTTPProviderConfig, logger log.Logger) (*HTTPProvider, error) {
	if config == nil || config.Endpoint == "" {
		return nil, fmt.Errorf("identity provider endpoint is required")
	}
	if _, err := url.Parse(config.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid identity provider endpoint: %w", err)
	}

	sub := logger.WithSubsystem("identity")

	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.RetryMax = config.RetryMax
	client.Logger = log.NewHCLogAdapter(sub)
	if config.Timeout > 0 {
		client.HTTPClient.Timeout = config.Timeout
	}

	return &HTTPProvider{
		endpoint: config.Endpoint,
		client:   client,
		logger:   sub,
	}, nil
}

type mintedResponse struct {
	Token      string `json:"token"`
	ExpiresAt  string `json:"expires_at"`
	Region     string `json:"region"`
	VerifySeed string `json:"verify_seed,omitempty"`
}

func (r *mintedResponse) toMinted() (*Minted, error) {
	minted := &Minted{
		Token:      r.Token,
		Region:     r.Region,
		VerifySeed: r.VerifySeed,
	}
	if r.ExpiresAt != "" {
		expiresAt, err := time.Parse(time.RFC3339, r.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("provider returned malformed expiry %q: %w", r.ExpiresAt, err)
		}
		minted.ExpiresAt = expiresAt
	}
	return minted, nil
}

// MintUnscopedToken mints a user-bound token from credentials
func (p *HTTPProvider) MintUnscopedToken(ctx context.Context, user, password string) (*Minted, error) {
	var resp mintedResponse
	err := p.post(ctx, "/v1/tokens", map[string]any{
		"user":     user,
		"password": password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.toMinted()
}

// ListTenants returns the tenant roster visible to the token holder
func (p *HTTPProvider) ListTenants(ctx context.Context, unscopedToken, user string) ([]*Tenant, error) {
	var resp struct {
		Tenants []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Description string `json:"description"`
			Display     string `json:"display"`
		} `json:"tenants"`
	}
	err := p.get(ctx, "/v1/users/"+url.PathEscape(user)+"/tenants", unscopedToken, &resp)
	if err != nil {
		return nil, err
	}
	tenants := make([]*Tenant, 0, len(resp.Tenants))
	for _, t := range resp.Tenants {
		tenants = append(tenants, &Tenant{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			Display:     t.Display,
		})
	}
	return tenants, nil
}

// MintScopedToken exchanges an unscoped token for a tenant-bound one
func (p *HTTPProvider) MintScopedToken(ctx context.Context, unscopedToken, tenantName, tenantID string) (*Minted, error) {
	var resp mintedResponse
	err := p.post(ctx, "/v1/tokens/scoped", map[string]any{
		"token":       unscopedToken,
		"tenant_name": tenantName,
		"tenant_id":   tenantID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.toMinted()
}

// VerifyWithSeed replays seed material through the provider's verify hook
func (p *HTTPProvider) VerifyWithSeed(ctx context.Context, user, tenant, token, seed string) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}
	err := p.post(ctx, "/v1/tokens/verify", map[string]any{
		"user":   user,
		"tenant": tenant,
		"token":  token,
		"seed":   seed,
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Valid, nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return logical.Upstreamf(err, "identity provider request encoding failed")
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return logical.Upstreamf(err, "identity provider request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, out)
}

func (p *HTTPProvider) get(ctx context.Context, path, token string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+path, nil)
	if err != nil {
		return logical.Upstreamf(err, "identity provider request failed")
	}
	req.Header.Set("X-Auth-Token", token)
	return p.do(req, out)
}

func (p *HTTPProvider) do(req *retryablehttp.Request, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return logical.Upstreamf(err, "identity provider unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return logical.Upstreamf(err, "identity provider response read failed")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return logical.Unauthorizedf("identity provider rejected the request: %s", resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return logical.NotFoundOrExpired("identity provider reported no such principal")
	case resp.StatusCode >= 400:
		return logical.Upstreamf(fmt.Errorf("%s", resp.Status), "identity provider request failed")
	}

	if err := json.Unmarshal(body, out); err != nil {
		return logical.Upstreamf(err, "identity provider returned malformed response")
	}
	return nil
}
