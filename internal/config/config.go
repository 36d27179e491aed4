package config

import (
	"fmt"
	"net/url"
	"time"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config represents the application configuration
type Config struct {
	Server ServerConfig `koanf:"server"`
	Cache  CacheConfig  `koanf:"cache"`
	Site   SiteConfig   `koanf:"site"`
	Fetch  FetchConfig  `koanf:"fetch"`
}

// ServerConfig contains proxy server configuration
type ServerConfig struct {
	Port  int         `koanf:"port"`
	HTTPS HTTPSConfig `koanf:"https"`
}

// HTTPSConfig controls HTTPS interception
type HTTPSConfig struct {
	MITM            bool   `koanf:"mitm"`
	CACertFile      string `koanf:"ca_cert_file"`
	CAKeyFile       string `koanf:"ca_key_file"`
	TransparentAddr string `koanf:"transparent_addr"`
}

// CacheConfig contains cache storage configuration
type CacheConfig struct {
	Backend string `koanf:"backend"` // "leveldb" or "sqlite"
	Path    string `koanf:"path"`
}

// SiteConfig describes the site served offline-first
type SiteConfig struct {
	Origin string `koanf:"origin"`
	// Version tags the cache generation; bump it whenever the manifest
	// changes
	Version string `koanf:"version"`
	// Fallback is the document served to navigations when the network is
	// unreachable; it must be a manifest member
	Fallback string   `koanf:"fallback"`
	Manifest []string `koanf:"manifest"`
}

// FetchConfig bounds live network fetches
type FetchConfig struct {
	Timeout string `koanf:"timeout"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Cache:  CacheConfig{Backend: "leveldb", Path: "./data/cache"},
		Site:   SiteConfig{Fallback: "/index.html"},
		Fetch:  FetchConfig{Timeout: "30s"},
	}
}

// Load loads configuration from a YAML file, overlaid on defaults
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &cfg, nil
}

// FetchTimeout parses and returns the network fetch timeout
func (c *Config) FetchTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Fetch.Timeout)
}

// Origin parses and returns the site origin URL
func (c *Config) Origin() (*url.URL, error) {
	u, err := url.Parse(c.Site.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid site origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("site origin must be an absolute URL, got: %s", c.Site.Origin)
	}
	return u, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Cache.Backend != "leveldb" && c.Cache.Backend != "sqlite" {
		return fmt.Errorf("cache backend must be 'leveldb' or 'sqlite', got: %s", c.Cache.Backend)
	}

	if c.Cache.Path == "" {
		return fmt.Errorf("cache path is required")
	}

	if _, err := c.Origin(); err != nil {
		return err
	}

	if c.Site.Version == "" {
		return fmt.Errorf("site version tag is required")
	}

	if len(c.Site.Manifest) == 0 {
		return fmt.Errorf("site manifest must not be empty")
	}

	fallbackListed := false
	for _, entry := range c.Site.Manifest {
		if entry == c.Site.Fallback {
			fallbackListed = true
			break
		}
	}
	if !fallbackListed {
		return fmt.Errorf("fallback %q must be a manifest member", c.Site.Fallback)
	}

	if _, err := c.FetchTimeout(); err != nil {
		return fmt.Errorf("invalid fetch timeout: %w", err)
	}

	return nil
}
