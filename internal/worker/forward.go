package worker

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// browserHeaders carry same-origin browser context that must not leak to the
// third-party upstream.
var browserHeaders = []string{"Origin", "Referer", "Cookie"}

// forward relays a proxy-lane request to the configured upstream: the proxy
// prefix is stripped, browser identity headers are dropped, the service
// credential is injected, and the upstream's answer is returned verbatim.
// Nothing on this lane is ever cached, success or failure.
func (s *Supervisor) forward(w http.ResponseWriter, r *http.Request, lane Lane, logger *slog.Logger, started time.Time) {
	prefix := s.cfg.Proxy.APIPrefix
	if lane == LaneProxyMedia {
		prefix = s.cfg.Proxy.MediaPrefix
	}

	rest := strings.TrimPrefix(r.URL.Path, strings.TrimSuffix(prefix, "/"))
	rest = strings.TrimPrefix(rest, "/")
	target := s.upstreamBase.JoinPath(rest)
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		s.metrics.ObserveFetch(string(lane), "error", http.StatusBadGateway, time.Since(started))
		s.writeError(w, http.StatusBadGateway, "upstream_request", lane, err.Error())
		return
	}
	req.ContentLength = r.ContentLength
	if r.GetBody != nil {
		req.GetBody = r.GetBody
	}

	copyHeaders(req.Header, r.Header)
	for _, name := range browserHeaders {
		req.Header.Del(name)
	}
	req.Header.Del("Host")

	if token := s.cfg.Upstream.AuthToken; token != "" {
		name := s.cfg.Upstream.AuthHeader
		if name == "" {
			name = "Authorization"
		}
		value := token
		if http.CanonicalHeaderKey(name) == "Authorization" && !strings.Contains(token, " ") {
			value = "Bearer " + token
		}
		req.Header.Set(name, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		logger.Warn("upstream request failed",
			slog.String("url", target.String()), slog.Any("error", err))
		s.metrics.ObserveUpstream(string(lane), 0, true)
		s.metrics.ObserveFetch(string(lane), "error", http.StatusBadGateway, time.Since(started))
		s.writeError(w, http.StatusBadGateway, "upstream_unreachable", lane, err.Error())
		return
	}
	defer resp.Body.Close()

	s.metrics.ObserveUpstream(string(lane), resp.StatusCode, false)

	// Verbatim relay: upstream errors are the caller's to interpret, the
	// gateway neither retries nor rewrites them.
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	s.metrics.ObserveFetch(string(lane), "forwarded", resp.StatusCode, time.Since(started))
}
