package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	yaml "github.com/goccy/go-yaml"
)

var (
	errConfigPathEmpty            = errors.New("config path is empty")
	errListenUDPTCPMustBeSet      = errors.New("listen.udp and listen.tcp must be set")
	errAtLeastOneUpstreamRequired = errors.New("at least one upstream is required")
	errUpstreamNameCannotBeEmpty  = errors.New("upstream name cannot be empty")
	errUpstreamAddressEmpty       = errors.New("upstream address cannot be empty")
	errAddressMustBeHostPort      = errors.New("address must be host:port or :port")
	errCacheFileRequired          = errors.New("cache.file must be set when cache.memory is false")
	errCacheSizeNegative          = errors.New("cache.size must be non-negative")
)

const (
	defaultCacheSize        = 4 * 1024 * 1024
	defaultHTTPReadTimeout  = 30 * time.Second
	defaultHTTPWriteTimeout = 30 * time.Second
	defaultHTTPIdleTimeout  = 120 * time.Second
	defaultFilePerm         = 0o600
)

// ListenConfig defines DNS server listening configuration.
type ListenConfig struct {
	UDP string `yaml:"udp"`
	TCP string `yaml:"tcp"`
}

// UpstreamConfig defines a DNS upstream server.
type UpstreamConfig struct {
	Name    string `json:"name"    yaml:"name"`
	Address string `json:"address" yaml:"address"`
}

// LogConfig defines logging configuration.
type LogConfig struct {
	Level string `yaml:"level,omitempty"`
}

// CacheConfig defines the mapped-region answer cache settings.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	File    string `yaml:"file,omitempty"`
	// Size is the region size in bytes; rounded up to a multiple of 8 by the
	// cache, minimum 102400.
	Size int `yaml:"size,omitempty"`
	// Memory backs the region by an anonymous allocation instead of a file.
	Memory bool `yaml:"memory,omitempty"`
	// Reload attaches to an existing cache file instead of recreating it.
	Reload bool `yaml:"reload,omitempty"`
	// Overwrite recreates the cache when the existing header does not match.
	Overwrite bool `yaml:"overwrite,omitempty"`
	// IgnoreTTL disables expiry: entries never decay and the sweeper is not started.
	IgnoreTTL bool `yaml:"ignore_ttl,omitempty"`
	// OverrideTTL replaces every wire TTL when >= 0; -1 disables.
	OverrideTTL int `yaml:"override_ttl,omitempty"`
	// MultipleTTL scales wire TTLs; values below 1 are coerced to 1.
	MultipleTTL int `yaml:"multiple_ttl,omitempty"`
}

// HTTPConfig defines HTTP admin server settings.
type HTTPConfig struct {
	Enabled      bool          `yaml:"enabled,omitempty"`
	Listen       string        `yaml:"listen,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
	IdleTimeout  time.Duration `yaml:"idle_timeout,omitempty"`
}

// Config is the main application configuration.
type Config struct {
	AppName   string           `yaml:"app_name,omitempty"`
	Listen    ListenConfig     `yaml:"listen"`
	Upstreams []UpstreamConfig `yaml:"upstreams"`
	Log       LogConfig        `yaml:"log,omitempty"`
	Cache     CacheConfig      `yaml:"cache,omitempty"`
	HTTP      HTTPConfig       `yaml:"http,omitempty"`
	Path      string           `yaml:"-"`
}

// global mutex to serialize YAML writes.
var saveMu sync.Mutex //nolint:gochecknoglobals // global mutex for config writes

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path) //nolint:gosec // config file path is validated
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	// cache.enabled defaults to true, but an explicit false must stick;
	// likewise an explicit override_ttl of 0 is an override, not "unset"
	var probe struct {
		Cache struct {
			Enabled     *bool `yaml:"enabled"`
			OverrideTTL *int  `yaml:"override_ttl"`
		} `yaml:"cache"`
	}

	probeErr := yaml.Unmarshal(b, &probe)
	if probeErr == nil && probe.Cache.Enabled == nil {
		cfg.Cache.Enabled = true
	}

	cfg.Path = path
	cfg.applyDefaults()

	if probeErr == nil && probe.Cache.OverrideTTL != nil {
		cfg.Cache.OverrideTTL = *probe.Cache.OverrideTTL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

//nolint:cyclop // sequential defaulting, one branch per knob
func (c *Config) applyDefaults() {
	if c.AppName == "" {
		c.AppName = "dnscache"
	}

	if c.Listen.UDP == "" {
		c.Listen.UDP = ":53"
	}

	if c.Listen.TCP == "" {
		c.Listen.TCP = ":53"
	}

	if len(c.Upstreams) == 0 {
		c.Upstreams = []UpstreamConfig{
			{Name: "Cloudflare", Address: "1.1.1.1:53"},
			{Name: "Google", Address: "8.8.8.8:53"},
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Cache.Size <= 0 {
		c.Cache.Size = defaultCacheSize
	}

	// the region size must be a multiple of 8; round here so the value the
	// cache maps (and persists in its header) is the value Save writes back
	if rem := c.Cache.Size % 8; rem != 0 {
		c.Cache.Size += 8 - rem
	}

	if c.Cache.OverrideTTL == 0 {
		c.Cache.OverrideTTL = -1
	}

	if c.Cache.MultipleTTL < 1 {
		c.Cache.MultipleTTL = 1
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = "127.0.0.1:47824"
	}

	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = defaultHTTPReadTimeout
	}

	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = defaultHTTPWriteTimeout
	}

	if c.HTTP.IdleTimeout == 0 {
		c.HTTP.IdleTimeout = defaultHTTPIdleTimeout
	}
}

// Save writes the configuration back to the original file path.
func (c *Config) Save() error {
	saveMu.Lock()
	defer saveMu.Unlock()

	if c.Path == "" {
		return errConfigPathEmpty
	}

	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(c.Path, out, defaultFilePerm); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", c.Path, err)
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Listen.UDP == "" || c.Listen.TCP == "" {
		return errListenUDPTCPMustBeSet
	}

	if err := validateAddr(c.Listen.UDP); err != nil {
		return fmt.Errorf("invalid listen.udp: %w", err)
	}

	if err := validateAddr(c.Listen.TCP); err != nil {
		return fmt.Errorf("invalid listen.tcp: %w", err)
	}

	if len(c.Upstreams) == 0 {
		return errAtLeastOneUpstreamRequired
	}

	for _, u := range c.Upstreams {
		if u.Name == "" {
			return errUpstreamNameCannotBeEmpty
		}

		if u.Address == "" {
			return fmt.Errorf("upstream '%s': %w", u.Name, errUpstreamAddressEmpty)
		}
	}

	if c.Cache.Enabled {
		if c.Cache.Size < 0 {
			return errCacheSizeNegative
		}

		if !c.Cache.Memory && c.Cache.File == "" {
			return errCacheFileRequired
		}
	}

	return nil
}

func validateAddr(addr string) error {
	if !strings.HasPrefix(addr, ":") && !strings.Contains(addr, ":") {
		return errAddressMustBeHostPort
	}

	_, _, err := net.SplitHostPort(addr)

	return err
}
