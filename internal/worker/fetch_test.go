package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tansel/stagehand/internal/config"
	"github.com/tansel/stagehand/internal/worker/cache"
)

func TestClassify(t *testing.T) {
	cfg := testConfig("http://origin.test", "http://api.test")
	cfg.Router.Rules = []config.RouteRuleConfig{
		{Name: "analytics", Expression: `path.startsWith("/analytics/")`},
	}
	s, _ := newTestSupervisor(t, cfg)

	cases := []struct {
		name   string
		target string
		host   string
		want   Lane
	}{
		{name: "api prefix", target: "/proxy-api/v1/items", want: LaneProxyAPI},
		{name: "bare api prefix", target: "/proxy-api", want: LaneProxyAPI},
		{name: "media prefix", target: "/proxy-media/covers/1.jpg", want: LaneProxyMedia},
		{name: "bare media prefix", target: "/proxy-media", want: LaneProxyMedia},
		{name: "prefix-like sibling path", target: "/proxy-apiary", want: LaneStatic},
		{name: "plain page", target: "/library", want: LaneStatic},
		{name: "shell", target: "/index.html", want: LaneStatic},
		{name: "rule override", target: "/analytics/beacon", want: LanePassthrough},
		{name: "foreign host", target: "http://cdn.example/font.woff2", host: "gateway.local", want: LanePassthrough},
		{name: "unsupported scheme", target: "ftp://mirror.example/file", host: "gateway.local", want: LanePassthrough},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.host != "" {
				req.Host = tc.host
			}
			require.Equal(t, tc.want, s.Classify(req))
		})
	}
}

func TestClassifyProxyPrefixBeatsRules(t *testing.T) {
	cfg := testConfig("http://origin.test", "http://api.test")
	cfg.Router.Rules = []config.RouteRuleConfig{
		{Name: "everything", Expression: `path.startsWith("/")`},
	}
	s, _ := newTestSupervisor(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/proxy-api/v1/items", nil)
	require.Equal(t, LaneProxyAPI, s.Classify(req))
}

func TestServeFetchWithoutActiveWorker(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig("http://origin.test", "http://api.test"))

	rec := httptest.NewRecorder()
	s.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/library", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "no_active_worker", payload["error"])
	require.Equal(t, "static", payload["lane"])
}

func TestStaticLaneServesPrecachedAsset(t *testing.T) {
	origin := newOriginFixture(t)
	serveShellAssets(origin)
	s, _ := newTestSupervisor(t, testConfig(origin.server.URL, "http://api.test"))
	require.NoError(t, s.Deploy(context.Background(), shellManifest()))

	// Origin offline: the precached copy must answer on its own.
	origin.setDown(true)

	rec := httptest.NewRecorder()
	s.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "console.log(1)", rec.Body.String())
	require.Equal(t, "hit", rec.Header().Get("X-Stagehand-Cache"))
	require.Equal(t, s.ActiveVersion(), rec.Header().Get("X-Stagehand-Version"))
}

func TestStaticLaneCachesMissThenReplays(t *testing.T) {
	origin := newOriginFixture(t)
	serveShellAssets(origin)
	origin.serve("/extra.css", "text/css", ".extra{}")
	s, _ := newTestSupervisor(t, testConfig(origin.server.URL, "http://api.test"))
	require.NoError(t, s.Deploy(context.Background(), shellManifest()))

	rec := httptest.NewRecorder()
	s.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/extra.css", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "miss", rec.Header().Get("X-Stagehand-Cache"))

	origin.setDown(true)

	rec = httptest.NewRecorder()
	s.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/extra.css", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, ".extra{}", rec.Body.String())
	require.Equal(t, "hit", rec.Header().Get("X-Stagehand-Cache"))
}

func TestStaticLaneSkipsUncacheableTypes(t *testing.T) {
	origin := newOriginFixture(t)
	serveShellAssets(origin)
	origin.serve("/data.json", "application/json", `{"items":[]}`)
	s, store := newTestSupervisor(t, testConfig(origin.server.URL, "http://api.test"))
	require.NoError(t, s.Deploy(context.Background(), shellManifest()))

	rec := httptest.NewRecorder()
	s.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/data.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok, err := store.Get(context.Background(), s.ActiveVersion(), cache.Key(http.MethodGet, "/data.json"))
	require.NoError(t, err)
	require.False(t, ok, "a JSON payload is not a snapshot candidate")
}

func TestStaticLaneNeverCachesNonGET(t *testing.T) {
	origin := newOriginFixture(t)
	serveShellAssets(origin)
	origin.serve("/form", "text/html", "<html>accepted</html>")
	s, store := newTestSupervisor(t, testConfig(origin.server.URL, "http://api.test"))
	require.NoError(t, s.Deploy(context.Background(), shellManifest()))

	rec := httptest.NewRecorder()
	s.ServeFetch(rec, httptest.NewRequest(http.MethodPost, "/form", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok, err := store.Get(context.Background(), s.ActiveVersion(), cache.Key(http.MethodPost, "/form"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStaticLaneStreamsNonSuccessUncached(t *testing.T) {
	origin := newOriginFixture(t)
	serveShellAssets(origin)
	s, store := newTestSupervisor(t, testConfig(origin.server.URL, "http://api.test"))
	require.NoError(t, s.Deploy(context.Background(), shellManifest()))

	rec := httptest.NewRecorder()
	s.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/moved.html", nil))

	require.Equal(t, http.StatusNotFound, rec.Code,
		"non-2xx origin responses stream through with their own status")

	_, ok, err := store.Get(context.Background(), s.ActiveVersion(), cache.Key(http.MethodGet, "/moved.html"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStaticLaneServesOversizedResponseUncached(t *testing.T) {
	origin := newOriginFixture(t)
	serveShellAssets(origin)
	oversized := strings.Repeat("x", 100)
	origin.serve("/big.html", "text/html", "<html>"+oversized+"</html>")

	cfg := testConfig(origin.server.URL, "http://api.test")
	cfg.Worker.MaxAssetBytes = 64
	s, store := newTestSupervisor(t, cfg)
	require.NoError(t, s.Deploy(context.Background(), shellManifest()))

	rec := httptest.NewRecorder()
	s.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/big.html", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<html>"+oversized+"</html>", rec.Body.String(),
		"an over-limit body is served whole, never truncated")

	_, ok, err := store.Get(context.Background(), s.ActiveVersion(), cache.Key(http.MethodGet, "/big.html"))
	require.NoError(t, err)
	require.False(t, ok, "an over-limit body must never be snapshot")
}

func TestStaticLaneCachesBodyExactlyAtLimit(t *testing.T) {
	origin := newOriginFixture(t)
	serveShellAssets(origin)
	exact := strings.Repeat("y", 64)
	origin.serve("/exact.css", "text/css", exact)

	cfg := testConfig(origin.server.URL, "http://api.test")
	cfg.Worker.MaxAssetBytes = 64
	s, store := newTestSupervisor(t, cfg)
	require.NoError(t, s.Deploy(context.Background(), shellManifest()))

	rec := httptest.NewRecorder()
	s.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/exact.css", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	entry, ok, err := store.Get(context.Background(), s.ActiveVersion(), cache.Key(http.MethodGet, "/exact.css"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, exact, string(entry.Body))
}

func TestOfflineNavigationFallsBackToShell(t *testing.T) {
	origin := newOriginFixture(t)
	serveShellAssets(origin)
	s, _ := newTestSupervisor(t, testConfig(origin.server.URL, "http://api.test"))
	require.NoError(t, s.Deploy(context.Background(), shellManifest()))

	origin.setDown(true)

	req := httptest.NewRequest(http.MethodGet, "/library/book/42", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	s.ServeFetch(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<html>shell</html>", rec.Body.String())
	require.Equal(t, "fallback", rec.Header().Get("X-Stagehand-Cache"))
}

func TestOfflineNavigationByAcceptHeader(t *testing.T) {
	origin := newOriginFixture(t)
	serveShellAssets(origin)
	s, _ := newTestSupervisor(t, testConfig(origin.server.URL, "http://api.test"))
	require.NoError(t, s.Deploy(context.Background(), shellManifest()))

	origin.setDown(true)

	req := httptest.NewRequest(http.MethodGet, "/reader", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	s.ServeFetch(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "fallback", rec.Header().Get("X-Stagehand-Cache"))
}

func TestOfflineSubresourcePropagatesFailure(t *testing.T) {
	origin := newOriginFixture(t)
	serveShellAssets(origin)
	s, _ := newTestSupervisor(t, testConfig(origin.server.URL, "http://api.test"))
	require.NoError(t, s.Deploy(context.Background(), shellManifest()))

	origin.setDown(true)

	req := httptest.NewRequest(http.MethodGet, "/bundle.extra.js", nil)
	req.Header.Set("Accept", "*/*")
	rec := httptest.NewRecorder()
	s.ServeFetch(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "origin_unreachable", payload["error"],
		"a failed script load must surface as an error, not as the shell")
}

func TestPassthroughLaneIsNeverCached(t *testing.T) {
	origin := newOriginFixture(t)
	serveShellAssets(origin)
	origin.serve("/analytics/beacon", "text/html", "<html>tracked</html>")

	cfg := testConfig(origin.server.URL, "http://api.test")
	cfg.Router.Rules = []config.RouteRuleConfig{
		{Name: "analytics", Expression: `path.startsWith("/analytics/")`},
	}
	s, store := newTestSupervisor(t, cfg)
	require.NoError(t, s.Deploy(context.Background(), shellManifest()))

	rec := httptest.NewRecorder()
	s.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/analytics/beacon", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("X-Stagehand-Cache"))

	_, ok, err := store.Get(context.Background(), s.ActiveVersion(), cache.Key(http.MethodGet, "/analytics/beacon"))
	require.NoError(t, err)
	require.False(t, ok, "passthrough responses stay out of the cache even when cacheable")
}

func TestPassthroughUnsupportedScheme(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig("http://origin.test", "http://api.test"))

	req := httptest.NewRequest(http.MethodGet, "ftp://mirror.example/file.iso", nil)
	req.Host = "gateway.local"
	rec := httptest.NewRecorder()
	s.ServeFetch(rec, req)

	require.Equal(t, http.StatusNotImplemented, rec.Code)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "unsupported_scheme", payload["error"])
}

func TestPassthroughNetworkFailure(t *testing.T) {
	origin := newOriginFixture(t)
	serveShellAssets(origin)
	cfg := testConfig(origin.server.URL, "http://api.test")
	cfg.Router.Rules = []config.RouteRuleConfig{
		{Name: "analytics", Expression: `path.startsWith("/analytics/")`},
	}
	s, _ := newTestSupervisor(t, cfg)
	require.NoError(t, s.Deploy(context.Background(), shellManifest()))

	origin.setDown(true)

	rec := httptest.NewRecorder()
	s.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/analytics/beacon", nil))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "network_unreachable", payload["error"])
}

func TestCorrelationHeaderEchoedAndMinted(t *testing.T) {
	origin := newOriginFixture(t)
	serveShellAssets(origin)
	s, _ := newTestSupervisor(t, testConfig(origin.server.URL, "http://api.test"))
	require.NoError(t, s.Deploy(context.Background(), shellManifest()))

	req := httptest.NewRequest(http.MethodGet, "/app.js", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	s.ServeFetch(rec, req)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	s.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"), "missing ids are minted")
}

func TestCacheKeyIgnoresQueryOrder(t *testing.T) {
	origin := newOriginFixture(t)
	serveShellAssets(origin)
	origin.serve("/page.html", "text/html", "<html>page</html>")
	s, _ := newTestSupervisor(t, testConfig(origin.server.URL, "http://api.test"))
	require.NoError(t, s.Deploy(context.Background(), shellManifest()))

	rec := httptest.NewRecorder()
	s.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/page.html?b=2&a=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	origin.setDown(true)

	rec = httptest.NewRecorder()
	s.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/page.html?a=1&b=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hit", rec.Header().Get("X-Stagehand-Cache"))
}
