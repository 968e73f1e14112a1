package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/tansel/stagehand/internal/metrics"
	"github.com/tansel/stagehand/internal/worker/cache"
)

// Lane names the handling path a classified request takes.
type Lane string

const (
	LaneProxyAPI    Lane = "proxy-api"
	LaneProxyMedia  Lane = "proxy-media"
	LaneStatic      Lane = "static"
	LanePassthrough Lane = "passthrough"
)

// Response headers stamped on intercepted traffic.
const (
	headerCacheState = "X-Stagehand-Cache"
	headerVersion    = "X-Stagehand-Version"
)

// hopByHopHeaders are stripped from any request or response that crosses the
// gateway; they describe the connection, not the payload.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Classify sorts an intercepted request into its lane, in priority order:
// proxy prefixes first, then foreign hosts and unrecognized schemes (left
// untouched by the cache machinery), then operator route overrides, and
// finally the cacheable static lane.
func (s *Supervisor) Classify(r *http.Request) Lane {
	path := r.URL.Path
	if matchesPrefix(path, s.cfg.Proxy.APIPrefix) {
		return LaneProxyAPI
	}
	if matchesPrefix(path, s.cfg.Proxy.MediaPrefix) {
		return LaneProxyMedia
	}
	if r.URL.IsAbs() {
		if r.URL.Scheme != "http" && r.URL.Scheme != "https" {
			return LanePassthrough
		}
		if !strings.EqualFold(r.URL.Host, r.Host) && !strings.EqualFold(r.URL.Host, s.originBase.Host) {
			return LanePassthrough
		}
	}
	for _, rule := range s.rules {
		matched, err := rule.Matches(r)
		if err != nil {
			s.logger.Warn("route rule evaluation failed",
				slog.String("rule", rule.Name()), slog.Any("error", err))
			continue
		}
		if matched {
			return LanePassthrough
		}
	}
	return LaneStatic
}

// ServeFetch is the entry point for every intercepted request.
func (s *Supervisor) ServeFetch(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	logger := s.requestLogger(w, r)
	lane := s.Classify(r)

	switch lane {
	case LaneProxyAPI, LaneProxyMedia:
		s.forward(w, r, lane, logger, started)
	case LanePassthrough:
		s.servePassthrough(w, r, logger, started)
	default:
		s.serveStatic(w, r, logger, started)
	}
}

// requestLogger attaches the correlation id, minting one when the page did
// not supply it, and echoes it back on the response.
func (s *Supervisor) requestLogger(w http.ResponseWriter, r *http.Request) *slog.Logger {
	header := s.cfg.Server.Logging.CorrelationHeader
	if header == "" {
		return s.logger
	}
	id := r.Header.Get(header)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(header, id)
	return s.logger.With(slog.String("request_id", id))
}

// serveStatic is the cache-first lane for same-origin requests.
func (s *Supervisor) serveStatic(w http.ResponseWriter, r *http.Request, logger *slog.Logger, started time.Time) {
	aw := s.active.Load()
	if aw == nil {
		s.metrics.ObserveFetch(string(LaneStatic), "unavailable", http.StatusServiceUnavailable, time.Since(started))
		s.writeError(w, http.StatusServiceUnavailable, "no_active_worker", LaneStatic, "no cache version has activated yet")
		return
	}
	version := aw.version

	if r.Method == http.MethodGet {
		key := cache.Key(r.Method, r.URL.RequestURI())
		entry, ok, err := s.store.Get(r.Context(), version, key)
		switch {
		case err != nil:
			// A failing read is a miss, not an error: the network path
			// below still produces a correct response.
			s.metrics.ObserveCache(metrics.CacheOperationLookup, metrics.CacheResultError)
			logger.Warn("cache lookup failed", slog.String("key", key), slog.Any("error", err))
		case ok:
			s.metrics.ObserveCache(metrics.CacheOperationLookup, metrics.CacheResultHit)
			s.replay(w, entry, "hit", version)
			s.metrics.ObserveFetch(string(LaneStatic), "hit", entry.Status, time.Since(started))
			return
		default:
			s.metrics.ObserveCache(metrics.CacheOperationLookup, metrics.CacheResultMiss)
		}
	}

	target := s.originBase.ResolveReference(r.URL)
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		s.metrics.ObserveFetch(string(LaneStatic), "error", http.StatusBadGateway, time.Since(started))
		s.writeError(w, http.StatusBadGateway, "origin_request", LaneStatic, err.Error())
		return
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		logger.Warn("origin fetch failed", slog.String("url", target.String()), slog.Any("error", err))
		s.serveOffline(w, r, version, logger, started, err)
		return
	}
	defer resp.Body.Close()

	// Only snapshot candidates are buffered; everything else streams straight
	// through to the caller.
	if r.Method != http.MethodGet || resp.StatusCode < 200 || resp.StatusCode > 299 {
		copyHeaders(w.Header(), resp.Header)
		w.Header().Set(headerCacheState, "miss")
		w.Header().Set(headerVersion, version)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
		s.metrics.ObserveFetch(string(LaneStatic), "miss", resp.StatusCode, time.Since(started))
		return
	}

	// Reading one byte past the limit detects an oversized body without
	// buffering the whole stream.
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.snapshotLimit+1))
	if err != nil {
		s.metrics.ObserveFetch(string(LaneStatic), "error", http.StatusBadGateway, time.Since(started))
		s.writeError(w, http.StatusBadGateway, "origin_read", LaneStatic, err.Error())
		return
	}
	oversized := int64(len(body)) > s.snapshotLimit

	if oversized {
		logger.Warn("response exceeds snapshot limit, serving uncached",
			slog.String("url", target.String()), slog.Int64("limit", s.snapshotLimit))
	} else if s.shouldCache(r, resp, body) {
		entry := cache.Entry{
			Method:   r.Method,
			URL:      r.URL.RequestURI(),
			Status:   resp.StatusCode,
			Header:   resp.Header.Clone(),
			Body:     body,
			StoredAt: time.Now().UTC(),
		}
		// Detached context: an aborted caller must not leave the write
		// half-done.
		putCtx := context.WithoutCancel(r.Context())
		key := cache.Key(r.Method, r.URL.RequestURI())
		if err := s.store.Put(putCtx, version, key, entry); err != nil {
			s.metrics.ObserveCache(metrics.CacheOperationStore, metrics.CacheResultError)
			logger.Warn("cache store failed", slog.String("key", key), slog.Any("error", err))
		} else {
			s.metrics.ObserveCache(metrics.CacheOperationStore, metrics.CacheResultStored)
		}
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(headerCacheState, "miss")
	w.Header().Set(headerVersion, version)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
	if oversized {
		_, _ = io.Copy(w, resp.Body)
	}
	s.metrics.ObserveFetch(string(LaneStatic), "miss", resp.StatusCode, time.Since(started))
}

// shouldCache gates snapshots: GET only, success only, and a content type
// worth replaying offline (documents, styles, scripts, or the shell itself).
func (s *Supervisor) shouldCache(r *http.Request, resp *http.Response, body []byte) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	path := r.URL.Path
	if path == "/" || path == s.cfg.Worker.ShellPath {
		return true
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" && len(body) > 0 {
		contentType = mimetype.Detect(body).String()
	}
	return isCacheableType(contentType)
}

func isCacheableType(contentType string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/html"),
		strings.Contains(ct, "text/css"),
		strings.Contains(ct, "javascript"):
		return true
	default:
		return false
	}
}

// serveOffline is the fallback when the origin is unreachable: navigations
// get the cached shell if one exists, everything else propagates the failure
// untouched.
func (s *Supervisor) serveOffline(w http.ResponseWriter, r *http.Request, version string, logger *slog.Logger, started time.Time, cause error) {
	if isNavigation(r) {
		for _, candidate := range []string{s.cfg.Worker.ShellPath, "/"} {
			entry, ok, err := s.store.Get(r.Context(), version, cache.Key(http.MethodGet, candidate))
			if err != nil {
				s.metrics.ObserveCache(metrics.CacheOperationLookup, metrics.CacheResultError)
				logger.Warn("shell lookup failed", slog.String("path", candidate), slog.Any("error", err))
				continue
			}
			if ok {
				s.metrics.ObserveCache(metrics.CacheOperationLookup, metrics.CacheResultHit)
				s.replay(w, entry, "fallback", version)
				s.metrics.ObserveFetch(string(LaneStatic), "fallback", entry.Status, time.Since(started))
				return
			}
			s.metrics.ObserveCache(metrics.CacheOperationLookup, metrics.CacheResultMiss)
		}
	}
	s.metrics.ObserveFetch(string(LaneStatic), "error", http.StatusBadGateway, time.Since(started))
	s.writeError(w, http.StatusBadGateway, "origin_unreachable", LaneStatic, cause.Error())
}

// isNavigation reports whether the request loads a full document rather than
// a sub-resource.
func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// servePassthrough executes a request the worker does not recognize as its
// own: foreign hosts and rule-overridden paths flow through untouched and
// uncached.
func (s *Supervisor) servePassthrough(w http.ResponseWriter, r *http.Request, logger *slog.Logger, started time.Time) {
	target := r.URL
	if target.IsAbs() && target.Scheme != "http" && target.Scheme != "https" {
		s.metrics.ObserveFetch(string(LanePassthrough), "unsupported", http.StatusNotImplemented, time.Since(started))
		s.writeError(w, http.StatusNotImplemented, "unsupported_scheme", LanePassthrough, target.Scheme)
		return
	}
	if !target.IsAbs() {
		target = s.originBase.ResolveReference(target)
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		s.metrics.ObserveFetch(string(LanePassthrough), "error", http.StatusBadGateway, time.Since(started))
		s.writeError(w, http.StatusBadGateway, "passthrough_request", LanePassthrough, err.Error())
		return
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		logger.Warn("passthrough fetch failed", slog.String("url", target.String()), slog.Any("error", err))
		s.metrics.ObserveFetch(string(LanePassthrough), "error", http.StatusBadGateway, time.Since(started))
		s.writeError(w, http.StatusBadGateway, "network_unreachable", LanePassthrough, err.Error())
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	s.metrics.ObserveFetch(string(LanePassthrough), "forwarded", resp.StatusCode, time.Since(started))
}

// replay writes a cached snapshot back to the caller.
func (s *Supervisor) replay(w http.ResponseWriter, entry cache.Entry, source, version string) {
	copyHeaders(w.Header(), entry.Header)
	w.Header().Set(headerCacheState, source)
	w.Header().Set(headerVersion, version)
	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
}

// writeError emits the gateway's JSON failure payload.
func (s *Supervisor) writeError(w http.ResponseWriter, status int, code string, lane Lane, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  code,
		"lane":   string(lane),
		"detail": detail,
	})
}

// matchesPrefix reports whether path falls under a proxy prefix. The bare
// prefix with the trailing slash stripped counts too, so /proxy-api routes
// the same as /proxy-api/.
func matchesPrefix(path, prefix string) bool {
	if strings.HasPrefix(path, prefix) {
		return true
	}
	return path == strings.TrimSuffix(prefix, "/")
}

// copyHeaders clones end-to-end headers, leaving hop-by-hop metadata behind.
func copyHeaders(dst, src http.Header) {
	drop := make(map[string]struct{}, len(hopByHopHeaders))
	for _, name := range hopByHopHeaders {
		drop[http.CanonicalHeaderKey(name)] = struct{}{}
	}
	// Connection-named headers are hop-by-hop too.
	for _, value := range src.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			drop[http.CanonicalHeaderKey(strings.TrimSpace(token))] = struct{}{}
		}
	}
	for name, values := range src {
		if _, skip := drop[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
