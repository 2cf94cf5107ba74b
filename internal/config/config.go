package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmgilman/go/errors"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Cache    CacheConfig    `yaml:"cache"`
	Network  NetworkConfig  `yaml:"network"`
	Sync     SyncConfig     `yaml:"sync"`
	Manifest ManifestConfig `yaml:"manifest"`
	Rules    []RouteRule    `yaml:"rules" validate:"dive"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port      int         `yaml:"port"`
	AdminPort int         `yaml:"admin_port"`
	HTTPS     HTTPSConfig `yaml:"https"`
}

// HTTPSConfig controls TLS interception
type HTTPSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACertFile string `yaml:"ca_cert_file"`
	CAKeyFile  string `yaml:"ca_key_file"`
	// TransparentAddr, when set, accepts raw TLS connections and routes them by SNI
	TransparentAddr string `yaml:"transparent_addr"`
}

// LogConfig configures logrus
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// CacheConfig contains cache-related configuration
type CacheConfig struct {
	Backend    string       `yaml:"backend" validate:"oneof=disk memory redis"`
	Folder     string       `yaml:"folder"`
	QuotaBytes int64        `yaml:"quota_bytes" validate:"gte=0"`
	Memory     MemoryConfig `yaml:"memory"`
	Redis      RedisConfig  `yaml:"redis"`
}

// MemoryConfig sizes the bigcache backend
type MemoryConfig struct {
	SizeMB int `yaml:"size_mb" validate:"gte=0"`
}

// RedisConfig points at the redis backend
type RedisConfig struct {
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
	Timeout   string `yaml:"timeout"`
}

// NetworkConfig contains upstream network settings
type NetworkConfig struct {
	Timeout       string `yaml:"timeout"`
	ProbeURL      string `yaml:"probe_url"`
	ProbeInterval string `yaml:"probe_interval"`
}

// SyncConfig configures the background sync queue
type SyncConfig struct {
	Folder      string `yaml:"folder"`
	MaxAttempts int    `yaml:"max_attempts" validate:"gte=1"`
	BaseBackoff string `yaml:"base_backoff"`
	MaxBackoff  string `yaml:"max_backoff"`
}

// ManifestConfig lists what a new cache generation precaches on install
type ManifestConfig struct {
	Version  string   `yaml:"version"`
	Precache []string `yaml:"precache" validate:"dive,url"`
}

// RouteRule maps a request pattern to a caching strategy
type RouteRule struct {
	Name            string   `yaml:"name"`
	Pattern         string   `yaml:"pattern" validate:"required"`
	Match           string   `yaml:"match" validate:"omitempty,oneof=exact prefix regex"`
	Methods         []string `yaml:"methods"`
	Strategy        string   `yaml:"strategy" validate:"required,oneof=CacheFirst NetworkFirst StaleWhileRevalidate NetworkOnly CacheOnly"`
	MaxAgeSeconds   int      `yaml:"max_age_seconds" validate:"gte=0"`
	MaxEntries      int      `yaml:"max_entries" validate:"gte=0"`
	NetworkTimeout  string   `yaml:"network_timeout"`
	OfflineFallback string   `yaml:"offline_fallback" validate:"omitempty,url"`
	QueuedResponse  bool     `yaml:"queued_response"`
	StatusCodes     []string `yaml:"status_codes"`
}

// Default returns the configuration used for every key the file leaves out
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080, AdminPort: 9090},
		Log:    LogConfig{Level: "info", Format: "text"},
		Cache: CacheConfig{
			Backend: "disk",
			Folder:  "./cache",
			Memory:  MemoryConfig{SizeMB: 64},
			Redis:   RedisConfig{URL: "redis://localhost:6379/0", Namespace: "occ", Timeout: "2s"},
		},
		Network: NetworkConfig{Timeout: "30s", ProbeInterval: "30s"},
		Sync: SyncConfig{
			Folder:      "./sync",
			MaxAttempts: 5,
			BaseBackoff: "1s",
			MaxBackoff:  "1m",
		},
		Manifest: ManifestConfig{Version: "v1"},
	}
}

// Load loads configuration from a YAML file on top of the defaults
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "yaml"), nil); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "loading config defaults")
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "reading config file %s", path)
	}

	var config Config
	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "parsing config YAML")
	}

	return &config, nil
}

// GetNetworkTimeout parses and returns the default upstream timeout
func (c *Config) GetNetworkTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Network.Timeout)
}

// GetProbeInterval parses the connectivity probe interval
func (c *Config) GetProbeInterval() (time.Duration, error) {
	return time.ParseDuration(c.Network.ProbeInterval)
}

// GetBackoff parses the base and max replay backoff
func (c *Config) GetBackoff() (base, max time.Duration, err error) {
	if base, err = time.ParseDuration(c.Sync.BaseBackoff); err != nil {
		return 0, 0, err
	}
	if max, err = time.ParseDuration(c.Sync.MaxBackoff); err != nil {
		return 0, 0, err
	}
	return base, max, nil
}

// GetRedisTimeout parses the redis operation timeout
func (c *Config) GetRedisTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Cache.Redis.Timeout)
}

// GetNetworkTimeout returns the rule timeout, or fallback when the rule has none
func (r *RouteRule) GetNetworkTimeout(fallback time.Duration) (time.Duration, error) {
	if r.NetworkTimeout == "" {
		return fallback, nil
	}
	return time.ParseDuration(r.NetworkTimeout)
}

// PrecacheURLs lists the manifest URLs followed by every rule's offline
// fallback, without duplicates, so fallbacks are always cached on install
func (c *Config) PrecacheURLs() []string {
	seen := map[string]bool{}
	var urls []string
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	for _, u := range c.Manifest.Precache {
		add(u)
	}
	for _, r := range c.Rules {
		add(r.OfflineFallback)
	}
	return urls
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "invalid configuration")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf(errors.CodeInvalidConfig, "invalid port: %d", c.Server.Port)
	}

	if c.Server.AdminPort < 0 || c.Server.AdminPort > 65535 || (c.Server.AdminPort != 0 && c.Server.AdminPort == c.Server.Port) {
		return errors.Newf(errors.CodeInvalidConfig, "invalid admin port: %d", c.Server.AdminPort)
	}

	if c.Cache.Backend == "disk" && c.Cache.Folder == "" {
		return errors.New(errors.CodeInvalidConfig, "cache folder is required for the disk backend")
	}

	if c.Cache.Backend == "disk" && c.Sync.Folder == "" {
		return errors.New(errors.CodeInvalidConfig, "sync folder is required for the disk backend")
	}

	if c.Cache.Backend == "redis" {
		if c.Cache.Redis.URL == "" {
			return errors.New(errors.CodeInvalidConfig, "redis url is required for the redis backend")
		}
		if _, err := c.GetRedisTimeout(); err != nil {
			return errors.Wrap(err, errors.CodeInvalidConfig, "invalid redis timeout format")
		}
	}

	if _, err := c.GetNetworkTimeout(); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "invalid network timeout format")
	}

	if c.Network.ProbeURL != "" {
		if _, err := c.GetProbeInterval(); err != nil {
			return errors.Wrap(err, errors.CodeInvalidConfig, "invalid probe interval format")
		}
	}

	base, max, err := c.GetBackoff()
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "invalid sync backoff format")
	}
	if base <= 0 || max < base {
		return errors.Newf(errors.CodeInvalidConfig, "sync backoff must satisfy 0 < base (%s) <= max (%s)", base, max)
	}

	names := map[string]bool{}
	for i := range c.Rules {
		rule := &c.Rules[i]
		if rule.Name != "" {
			if names[rule.Name] {
				return errors.Newf(errors.CodeInvalidConfig, "duplicate rule name: %s", rule.Name)
			}
			names[rule.Name] = true
		}
		if _, err := rule.GetNetworkTimeout(0); err != nil {
			return errors.Wrapf(err, errors.CodeInvalidConfig, "rule %d: invalid network timeout format", i)
		}
		if rule.Match == "regex" || (rule.Match == "" && strings.HasPrefix(rule.Pattern, "^")) {
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				return errors.Wrapf(err, errors.CodeInvalidConfig, "rule %d: invalid regex pattern", i)
			}
		}
		for _, status := range rule.StatusCodes {
			if !ValidStatusPattern(status) {
				return errors.Newf(errors.CodeInvalidConfig, "rule %d: invalid status code pattern: %s", i, status)
			}
		}
	}

	return nil
}

// YAML renders the effective configuration
func (c *Config) YAML() ([]byte, error) {
	out, err := yamlv3.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("rendering config: %w", err)
	}
	return out, nil
}
