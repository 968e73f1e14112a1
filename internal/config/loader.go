package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.correlationheader": "server.logging.correlationHeader",
			"origin.baseurl":                   "origin.baseUrl",
			"upstream.baseurl":                 "upstream.baseUrl",
			"upstream.authheader":              "upstream.authHeader",
			"upstream.authtoken":               "upstream.authToken",
			"proxy.apiprefix":                  "proxy.apiPrefix",
			"proxy.mediaprefix":                "proxy.mediaPrefix",
			"worker.buildtag":                  "worker.buildTag",
			"worker.skipwaiting":               "worker.skipWaiting",
			"worker.shellpath":                 "worker.shellPath",
			"worker.manifestfile":              "worker.manifestFile",
			"worker.maxassetbytes":             "worker.maxAssetBytes",
			"cache.redis.tls.cafile":           "cache.redis.tls.caFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (WORKER__BUILD_TAG ->
			// worker.buildtag); single underscores collapse inside a segment.
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ReplaceAll(key, "_", "")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
		},
		"origin": map[string]any{
			"baseUrl": cfg.Origin.BaseURL,
		},
		"upstream": map[string]any{
			"baseUrl":    cfg.Upstream.BaseURL,
			"authHeader": cfg.Upstream.AuthHeader,
			"authToken":  cfg.Upstream.AuthToken,
		},
		"proxy": map[string]any{
			"apiPrefix":   cfg.Proxy.APIPrefix,
			"mediaPrefix": cfg.Proxy.MediaPrefix,
		},
		"worker": map[string]any{
			"buildTag":      cfg.Worker.BuildTag,
			"skipWaiting":   cfg.Worker.SkipWaiting,
			"shellPath":     cfg.Worker.ShellPath,
			"manifestFile":  cfg.Worker.ManifestFile,
			"maxAssetBytes": cfg.Worker.MaxAssetBytes,
		},
		"cache": map[string]any{
			"backend": cfg.Cache.Backend,
			"sqlite": map[string]any{
				"path": cfg.Cache.SQLite.Path,
			},
			"redis": map[string]any{
				"address":  cfg.Cache.Redis.Address,
				"username": cfg.Cache.Redis.Username,
				"password": cfg.Cache.Redis.Password,
				"db":       cfg.Cache.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
		},
	}
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q", filepath.Ext(path))
	}
}
