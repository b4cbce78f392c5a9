package directory

import (
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

var _ Directory = (*HTTPDirectory)(nil)

// HTTPDirectoryConfig configures the HTTP directory client
type HTTPDirectoryConfig struct {
	// Endpoint is the directory's base URL
	Endpoint string

	// Timeout bounds a single request attempt
	Timeout time.Duration

	// RetryMax is the number of retries on transient failures
	RetryMax int
}

// HTTPDirectory talks to a remote role/host directory over a JSON API
type HTTPDirectory struct {
	endpoint string
	client   *retryablehttp.Client
	logger   log.Logger
}

// NewHTTPDirectory creates a directory client
func NewHTTPDirectory(config *HTTPDirectoryConfig, logger log.Logger) (*HTTPDirectory, error) {
	if config == nil || config.Endpoint == "" {
		return nil, fmt.Errorf("directory endpoint is required")
	}
	if _, err := url.Parse(config.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid directory endpoint: %w", err)
	}

	sub := logger.WithSubsystem("directory")

	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.RetryMax = config.RetryMax
	client.Logger = log.NewHCLogAdapter(sub)
	if config.Timeout > 0 {
		client.HTTPClient.Timeout = config.Timeout
	}

	return &HTTPDirectory{
		endpoint: config.Endpoint,
		client:   client,
		logger:   sub,
	}, nil
}

// GetRoleSecretID returns the current secret id of a role
func (d *HTTPDirectory) GetRoleSecretID(ctx context.Context, rolePath string) ([4]uint16, error) {
	var resp struct {
		SecretID []uint16 `json:"secret_id"`
	}
	err := d.get(ctx, "/v1/roles/"+url.PathEscape(rolePath)+"/secret", &resp)
	if err != nil {
		return [4]uint16{}, err
	}
	if len(resp.SecretID) != 4 {
		return [4]uint16{}, logical.Upstreamf(
			fmt.Errorf("%d words", len(resp.SecretID)), "directory returned malformed secret id")
	}
	var secretID [4]uint16
	copy(secretID[:], resp.SecretID)
	return secretID, nil
}

// ResolveHostInRole returns matching registered hosts in directory order
func (d *HTTPDirectory) ResolveHostInRole(ctx context.Context, rolePath, hostname, ip string, port int, cuk string) ([]*HostCandidate, error) {
	query := url.Values{}
	if hostname != "" {
		query.Set("hostname", hostname)
	}
	if ip != "" {
		query.Set("ip", ip)
	}
	if port != 0 {
		query.Set("port", fmt.Sprintf("%d", port))
	}
	if cuk != "" {
		query.Set("cuk", cuk)
	}

	var resp struct {
		Hosts []struct {
			Host     string   `json:"host"`
			IP       string   `json:"ip"`
			Port     int      `json:"port"`
			CUK      string   `json:"cuk"`
			Extra    string   `json:"extra"`
			SecretID []uint16 `json:"secret_id"`
			Path     string   `json:"path"`
		} `json:"hosts"`
	}
	path := "/v1/roles/" + url.PathEscape(rolePath) + "/hosts?" + query.Encode()
	if err := d.get(ctx, path, &resp); err != nil {
		return nil, err
	}

	hosts := make([]*HostCandidate, 0, len(resp.Hosts))
	for _, h := range resp.Hosts {
		candidate := &HostCandidate{
			Host:  h.Host,
			IP:    h.IP,
			Port:  h.Port,
			CUK:   h.CUK,
			Extra: h.Extra,
			Path:  h.Path,
		}
		if len(h.SecretID) == 4 {
			copy(candidate.SecretID[:], h.SecretID)
		}
		hosts = append(hosts, candidate)
	}
	return hosts, nil
}

func (d *HTTPDirectory) get(ctx context.Context, path string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+path, nil)
	if err != nil {
		return logical.Upstreamf(err, "directory request failed")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return logical.Upstreamf(err, "directory unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return logical.Upstreamf(err, "directory response read failed")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return logical.NotFoundOrExpired("directory reported no such role")
	case resp.StatusCode >= 400:
		return logical.Upstreamf(fmt.Errorf("%s", resp.Status), "directory request failed")
	}

	if err := json.Unmarshal(body, out); err != nil {
		return logical.Upstreamf(err, "directory returned malformed response")
	}
	return nil
}
