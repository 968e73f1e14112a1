package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Origin.BaseURL = "http://localhost:9000"
	cfg.Upstream.BaseURL = "https://api.example.com"
	cfg.Worker.ManifestFile = "manifest.yaml"
	cfg.Cache.Backend = "memory"
	return cfg
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRequiresOrigin(t *testing.T) {
	cfg := validConfig()
	cfg.Origin.BaseURL = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonHTTPUpstream(t *testing.T) {
	cfg := validConfig()
	cfg.Upstream.BaseURL = "ftp://api.example.com"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsEqualPrefixes(t *testing.T) {
	cfg := validConfig()
	cfg.Proxy.MediaPrefix = cfg.Proxy.APIPrefix
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsRelativePrefix(t *testing.T) {
	cfg := validConfig()
	cfg.Proxy.APIPrefix = "proxy-api/"
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresManifestFile(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.ManifestFile = " "
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNegativeMaxAssetBytes(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.MaxAssetBytes = -1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.Backend = "etcd"
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresSQLitePath(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.Backend = "sqlite"
	cfg.Cache.SQLite.Path = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresRedisAddress(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.Backend = "redis"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyRuleExpression(t *testing.T) {
	cfg := validConfig()
	cfg.Router.Rules = []RouteRuleConfig{{Name: "blank", Expression: "  "}}
	require.Error(t, cfg.Validate())
}
