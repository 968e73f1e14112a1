package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config holds every option the gateway reads at startup.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Origin   OriginConfig   `koanf:"origin"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Proxy    ProxyConfig    `koanf:"proxy"`
	Worker   WorkerConfig   `koanf:"worker"`
	Cache    CacheConfig    `koanf:"cache"`
	Router   RouterConfig   `koanf:"router"`
}

// ServerConfig collects the bootstrap knobs owned by the HTTP lifecycle.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// OriginConfig names the asset origin that static-lane misses are fetched
// from and the install-time manifest is resolved against.
type OriginConfig struct {
	BaseURL string `koanf:"baseUrl"`
}

// UpstreamConfig names the single API host proxy-lane requests are replayed
// against, plus the credential injected on the way out.
type UpstreamConfig struct {
	BaseURL    string `koanf:"baseUrl"`
	AuthHeader string `koanf:"authHeader"`
	AuthToken  string `koanf:"authToken"`
}

// ProxyConfig fixes the path prefixes that mark requests for forwarding: one
// for general API calls, one for binary and image fetches. Both replay
// against the same upstream host.
type ProxyConfig struct {
	APIPrefix   string `koanf:"apiPrefix"`
	MediaPrefix string `koanf:"mediaPrefix"`
}

// WorkerConfig tunes cache-version lifecycle behaviour.
type WorkerConfig struct {
	// BuildTag is the semantic tag embedded in every cache version
	// identifier. The full identifier appends a hash of the manifest, so a
	// changed asset list always yields a new version.
	BuildTag string `koanf:"buildTag"`
	// SkipWaiting promotes a freshly installed version immediately instead
	// of holding it in the waiting state until a control message arrives.
	SkipWaiting bool `koanf:"skipWaiting"`
	// ShellPath is the document served as the offline fallback for
	// navigation requests.
	ShellPath string `koanf:"shellPath"`
	// ManifestFile points at the static asset manifest.
	ManifestFile string `koanf:"manifestFile"`
	// MaxAssetBytes caps the size of a single cached snapshot. A larger
	// origin response is still served but never cached; a larger manifest
	// asset fails the install.
	MaxAssetBytes int64 `koanf:"maxAssetBytes"`
}

// CacheConfig selects and configures the versioned store backend.
type CacheConfig struct {
	Backend string            `koanf:"backend"`
	SQLite  SQLiteCacheConfig `koanf:"sqlite"`
	Redis   RedisCacheConfig  `koanf:"redis"`
}

type SQLiteCacheConfig struct {
	Path string `koanf:"path"`
}

type RedisCacheConfig struct {
	Address  string              `koanf:"address"`
	Username string              `koanf:"username"`
	Password string              `koanf:"password"`
	DB       int                 `koanf:"db"`
	TLS      RedisTLSCacheConfig `koanf:"tls"`
}

type RedisTLSCacheConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// RouterConfig carries operator-supplied route overrides.
type RouterConfig struct {
	Rules []RouteRuleConfig `koanf:"rules"`
}

// RouteRuleConfig is a CEL expression over request attributes; a rule that
// evaluates true forces the request into the passthrough lane.
type RouteRuleConfig struct {
	Name       string `koanf:"name"`
	Expression string `koanf:"expression"`
}

// DefaultConfig returns the baseline every other source overlays.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "127.0.0.1",
				Port:    8787,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
		},
		Proxy: ProxyConfig{
			APIPrefix:   "/proxy-api/",
			MediaPrefix: "/proxy-media/",
		},
		Worker: WorkerConfig{
			BuildTag:      "sb-cache",
			ShellPath:     "/index.html",
			MaxAssetBytes: 32 << 20,
		},
		Cache: CacheConfig{
			Backend: "sqlite",
			SQLite: SQLiteCacheConfig{
				Path: "stagehand-cache.db",
			},
		},
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c Config) Validate() error {
	if c.Server.Listen.Port < 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}
	if err := validateBaseURL("origin.baseUrl", c.Origin.BaseURL); err != nil {
		return err
	}
	if err := validateBaseURL("upstream.baseUrl", c.Upstream.BaseURL); err != nil {
		return err
	}
	if err := validatePrefix("proxy.apiPrefix", c.Proxy.APIPrefix); err != nil {
		return err
	}
	if err := validatePrefix("proxy.mediaPrefix", c.Proxy.MediaPrefix); err != nil {
		return err
	}
	if c.Proxy.APIPrefix == c.Proxy.MediaPrefix {
		return errors.New("config: proxy prefixes must differ")
	}
	if strings.TrimSpace(c.Worker.BuildTag) == "" {
		return errors.New("config: worker.buildTag required")
	}
	if !strings.HasPrefix(c.Worker.ShellPath, "/") {
		return fmt.Errorf("config: worker.shellPath %q must be absolute", c.Worker.ShellPath)
	}
	if strings.TrimSpace(c.Worker.ManifestFile) == "" {
		return errors.New("config: worker.manifestFile required")
	}
	if c.Worker.MaxAssetBytes < 0 {
		return fmt.Errorf("config: worker.maxAssetBytes must not be negative, got %d", c.Worker.MaxAssetBytes)
	}
	switch strings.ToLower(strings.TrimSpace(c.Cache.Backend)) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(c.Cache.SQLite.Path) == "" {
			return errors.New("config: cache.sqlite.path required for sqlite backend")
		}
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: unsupported cache backend %q", c.Cache.Backend)
	}
	for i, rule := range c.Router.Rules {
		if strings.TrimSpace(rule.Expression) == "" {
			return fmt.Errorf("config: router.rules[%d] has an empty expression", i)
		}
	}
	return nil
}

func validateBaseURL(field, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("config: %s required", field)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %w", field, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("config: %s must be http or https, got %q", field, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("config: %s missing host", field)
	}
	return nil
}

func validatePrefix(field, prefix string) error {
	if !strings.HasPrefix(prefix, "/") || len(prefix) < 2 {
		return fmt.Errorf("config: %s %q must be a non-root absolute path prefix", field, prefix)
	}
	return nil
}
