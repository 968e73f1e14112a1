package config

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"

	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Manifest is the ordered set of asset URLs that must be present in a cache
// version before it is considered installed. Order matters: it participates
// in the version hash, so reordering the list rolls a new version.
type Manifest struct {
	Assets []string `koanf:"assets"`
}

// LoadManifest reads the asset manifest from a yaml, json, or toml document.
func LoadManifest(path string) (Manifest, error) {
	parser, err := parserFor(path)
	if err != nil {
		return Manifest{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return Manifest{}, fmt.Errorf("config: load manifest %s: %w", path, err)
	}
	var m Manifest
	if err := k.Unmarshal("", &m); err != nil {
		return Manifest{}, fmt.Errorf("config: unmarshal manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate checks every asset is a non-empty absolute path or URL.
func (m Manifest) Validate() error {
	if len(m.Assets) == 0 {
		return fmt.Errorf("config: manifest lists no assets")
	}
	for i, asset := range m.Assets {
		trimmed := strings.TrimSpace(asset)
		if trimmed == "" {
			return fmt.Errorf("config: manifest asset %d is empty", i)
		}
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return fmt.Errorf("config: manifest asset %q: %w", asset, err)
		}
		if parsed.Scheme == "" && !strings.HasPrefix(trimmed, "/") {
			return fmt.Errorf("config: manifest asset %q must be absolute", asset)
		}
	}
	return nil
}

// Version derives the cache version identifier for this manifest: the build
// tag plus an FNV-1a hash of the ordered asset list. Any change to the
// manifest therefore changes the identifier, which is what forces stale
// caches out at the next activation.
func (m Manifest) Version(buildTag string) string {
	h := fnv.New64a()
	for _, asset := range m.Assets {
		_, _ = h.Write([]byte(asset))
		_, _ = h.Write([]byte("\n"))
	}
	return fmt.Sprintf("%s-%016x", buildTag, h.Sum64())
}
