package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keymaster.hcl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
log_level  = "debug"
log_format = "json"

listener "api" {
  address         = "0.0.0.0:8200"
  max_connections = 512
}

storage "inmem" {
  cache_max_megabytes = 64
}

identity "http" {
  endpoint  = "https://identity.internal:5000"
  timeout   = "10s"
  retry_max = 3
}

directory "http" {
  endpoint = "https://directory.internal:7000"
}

maintenance {
  hint_buffer       = 128
  sweep_interval    = "2m"
  sweeps_per_second = 5
}
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, "json", config.LogFormat)

	listener, err := config.GetApiListener()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8200", listener.Address)
	assert.Equal(t, 512, listener.MaxConnections)

	require.NotNil(t, config.Storage)
	assert.Equal(t, "inmem", config.Storage.Type)
	assert.Equal(t, int64(64), config.Storage.CacheMaxMegabytes)

	require.NotNil(t, config.Identity)
	assert.Equal(t, "http", config.Identity.Type)
	assert.Equal(t, "https://identity.internal:5000", config.Identity.Endpoint)

	require.NotNil(t, config.Maintenance)
	assert.Equal(t, 128, config.Maintenance.HintBuffer)
	assert.Equal(t, float64(5), config.Maintenance.SweepsPerSecond)
}

func TestLoadConfigRejectsHTTPWithoutEndpoint(t *testing.T) {
	path := writeConfig(t, `
listener "api" {
  address = "127.0.0.1:8200"
}

identity "http" {}
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}

func TestLoadConfigRejectsUnknownStorage(t *testing.T) {
	path := writeConfig(t, `
listener "api" {
  address = "127.0.0.1:8200"
}

storage "postgres" {}
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigRejectsTLSWithoutCert(t *testing.T) {
	path := writeConfig(t, `
listener "api" {
  address     = "127.0.0.1:8200"
  tls_enabled = true
}
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestGetListenerByNameMissing(t *testing.T) {
	config := DefaultConfig()
	_, err := config.GetListenerByName("mysql")
	require.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDuration("90s", 0)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	// Bare integers count seconds.
	d, err = ParseDuration("45", 0)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, d)

	_, err = ParseDuration("soon", 0)
	require.Error(t, err)
}
