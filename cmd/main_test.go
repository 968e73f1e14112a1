package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/tansel/stagehand/internal/config"
	"github.com/tansel/stagehand/internal/worker/cache"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func verifyRoundTrip(t *testing.T, store cache.Store) {
	t.Helper()
	ctx := context.Background()
	entry := cache.Entry{
		Method:   http.MethodGet,
		URL:      "/index.html",
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/html"}},
		Body:     []byte("<html></html>"),
		StoredAt: time.Now().UTC(),
	}
	require.NoError(t, store.Open(ctx, "v1"))
	require.NoError(t, store.Put(ctx, "v1", cache.Key(http.MethodGet, "/index.html"), entry))
	got, ok, err := store.Get(ctx, "v1", cache.Key(http.MethodGet, "/index.html"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry.Body, got.Body)
	require.NoError(t, store.Close(ctx))
}

func TestBuildCacheStore(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(t *testing.T) config.CacheConfig
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{}
			},
		},
		{
			name: "constructs sqlite store",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{
					Backend: "sqlite",
					SQLite: config.SQLiteCacheConfig{
						Path: filepath.Join(t.TempDir(), "cache.db"),
					},
				}
			},
		},
		{
			name: "constructs redis store",
			cfg: func(t *testing.T) config.CacheConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.CacheConfig{
					Backend: "redis",
					Redis: config.RedisCacheConfig{
						Address: server.Addr(),
					},
				}
			},
		},
		{
			name: "falls back to memory on unknown backend",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{Backend: "etcd"}
			},
		},
		{
			name: "falls back to memory when redis is unreachable",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{
					Backend: "redis",
					Redis: config.RedisCacheConfig{
						Address: "127.0.0.1:1",
					},
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := buildCacheStore(newTestLogger(), tc.cfg(t))
			require.NotNil(t, store)
			verifyRoundTrip(t, store)
		})
	}
}
