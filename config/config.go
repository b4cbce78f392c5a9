package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the configuration for the keymaster server.
type Config struct {
	LogLevel           string `hcl:"log_level,optional"`
	LogFormat          string `hcl:"log_format,optional"` // "console" or "json"
	LogFile            string `hcl:"log_file,optional"`
	LogRotateMegabytes int    `hcl:"log_rotate_megabytes,optional"`
	LogRotateMaxFiles  int    `hcl:"log_rotate_max_files,optional"`

	Listeners   []ListenerBlock   `hcl:"listener,block"`
	Storage     *StorageBlock     `hcl:"storage,block"`
	Identity    *IdentityBlock    `hcl:"identity,block"`
	Directory   *DirectoryBlock   `hcl:"directory,block"`
	Maintenance *MaintenanceBlock `hcl:"maintenance,block"`
}

// StorageBlock configures the physical backend and its front cache
type StorageBlock struct {
	Type string `hcl:"type,label"` // "inmem"

	CacheDisabled     bool  `hcl:"cache_disabled,optional"`
	CacheMaxMegabytes int64 `hcl:"cache_max_megabytes,optional"`
}

// IdentityBlock configures the identity provider
type IdentityBlock struct {
	Type string `hcl:"type,label"` // "static" or "http"

	// HTTP provider config
	Endpoint string `hcl:"endpoint,optional"`
	Timeout  string `hcl:"timeout,optional"`
	RetryMax int    `hcl:"retry_max,optional"`

	// Static provider config
	TokenTTL string `hcl:"token_ttl,optional"`
}

// DirectoryBlock configures the role/host directory
type DirectoryBlock struct {
	Type string `hcl:"type,label"` // "static" or "http"

	Endpoint string `hcl:"endpoint,optional"`
	Timeout  string `hcl:"timeout,optional"`
	RetryMax int    `hcl:"retry_max,optional"`
}

// MaintenanceBlock configures the sweeper worker
type MaintenanceBlock struct {
	HintBuffer      int     `hcl:"hint_buffer,optional"`
	SweepInterval   string  `hcl:"sweep_interval,optional"`
	SweepsPerSecond float64 `hcl:"sweeps_per_second,optional"`
}

// ListenerBlock configures one network listener
type ListenerBlock struct {
	Name           string `hcl:"name,label"`
	Address        string `hcl:"address"`
	MaxConnections int    `hcl:"max_connections,optional"`
	TLSEnabled     bool   `hcl:"tls_enabled,optional"`
	TLSCertFile    string `hcl:"tls_cert_file,optional"`
	TLSKeyFile     string `hcl:"tls_key_file,optional"`
}

// LoadConfig parses a configuration file
func LoadConfig(configFile string) (*Config, error) {
	var config Config
	if err := hclsimple.DecodeFile(configFile, nil, &config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultConfig returns a runnable all-in-memory configuration
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "console",
		Listeners: []ListenerBlock{{Name: "api", Address: "127.0.0.1:8200"}},
		Storage:   &StorageBlock{Type: "inmem"},
		Identity:  &IdentityBlock{Type: "static"},
		Directory: &DirectoryBlock{Type: "static"},
	}
}

// Validate checks block combinations that hclsimple cannot express
func (c *Config) Validate() error {
	if c.Storage != nil && c.Storage.Type != "inmem" {
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.Identity != nil {
		switch c.Identity.Type {
		case "static":
		case "http":
			if c.Identity.Endpoint == "" {
				return fmt.Errorf("identity \"http\" requires an endpoint")
			}
		default:
			return fmt.Errorf("unknown identity type %q", c.Identity.Type)
		}
	}
	if c.Directory != nil {
		switch c.Directory.Type {
		case "static":
		case "http":
			if c.Directory.Endpoint == "" {
				return fmt.Errorf("directory \"http\" requires an endpoint")
			}
		default:
			return fmt.Errorf("unknown directory type %q", c.Directory.Type)
		}
	}
	for _, listener := range c.Listeners {
		if listener.Address == "" {
			return fmt.Errorf("listener %q has no address", listener.Name)
		}
		if listener.TLSEnabled && (listener.TLSCertFile == "" || listener.TLSKeyFile == "") {
			return fmt.Errorf("listener %q enables tls without cert or key", listener.Name)
		}
	}
	return nil
}

// GetListenerByName returns a listener by its name label
func (c *Config) GetListenerByName(name string) (*ListenerBlock, error) {
	for _, listener := range c.Listeners {
		if listener.Name == name {
			return &listener, nil
		}
	}
	return nil, fmt.Errorf("listener '%s' not found", name)
}

// GetApiListener is a convenience method to get the api listener
func (c *Config) GetApiListener() (*ListenerBlock, error) {
	return c.GetListenerByName("api")
}

// ParseDuration parses a duration field, accepting Go duration strings and
// bare second counts. An empty value yields the fallback.
func ParseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	parsed, err := parseutil.ParseDurationSecond(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return parsed, nil
}
