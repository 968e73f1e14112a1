package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tansel/stagehand/internal/config"
	"github.com/tansel/stagehand/internal/metrics"
	"github.com/tansel/stagehand/internal/worker/cache"
)

// defaultMaxAssetBytes bounds how much of a single response body may be
// buffered for a cache snapshot when worker.maxAssetBytes is unset.
const defaultMaxAssetBytes = 32 << 20

// install populates a fresh cache version with the manifest. Population is
// all-or-nothing: any fetch failure deletes the partial version and the new
// worker never leaves the installing state, so the previously active version
// keeps serving untouched.
func (s *Supervisor) install(ctx context.Context, m config.Manifest, version string) (*Worker, error) {
	logger := s.logger.With(slog.String("agent", "installer"), slog.String("version", version))
	w := &Worker{version: version, lc: newLifecycle(version, s.logger, s.metrics)}

	if err := s.store.Open(ctx, version); err != nil {
		if terr := w.lc.transition(StateRedundant); terr != nil {
			logger.Warn("redundant transition failed", slog.Any("error", terr))
		}
		return nil, fmt.Errorf("worker: open cache version: %w", err)
	}

	abort := func(cause error) (*Worker, error) {
		if err := s.store.Delete(context.WithoutCancel(ctx), version); err != nil {
			logger.Warn("partial cache cleanup failed", slog.Any("error", err))
		}
		if err := w.lc.transition(StateRedundant); err != nil {
			logger.Warn("redundant transition failed", slog.Any("error", err))
		}
		return nil, cause
	}

	started := time.Now()
	for _, asset := range m.Assets {
		key, entry, err := s.fetchAsset(ctx, asset)
		if err != nil {
			logger.Error("install aborted", slog.String("asset", asset), slog.Any("error", err))
			return abort(fmt.Errorf("worker: install %s: %w", asset, err))
		}
		if err := s.store.Put(ctx, version, key, entry); err != nil {
			s.metrics.ObserveCache(metrics.CacheOperationStore, metrics.CacheResultError)
			logger.Error("install aborted", slog.String("asset", asset), slog.Any("error", err))
			return abort(fmt.Errorf("worker: install %s: %w", asset, err))
		}
		s.metrics.ObserveCache(metrics.CacheOperationStore, metrics.CacheResultStored)
	}

	if err := w.lc.transition(StateWaiting); err != nil {
		return nil, err
	}
	logger.Info("install complete",
		slog.Int("assets", len(m.Assets)),
		slog.Duration("elapsed", time.Since(started)))
	return w, nil
}

// fetchAsset retrieves one manifest entry from the origin and snapshots it.
func (s *Supervisor) fetchAsset(ctx context.Context, asset string) (string, cache.Entry, error) {
	parsed, err := url.Parse(asset)
	if err != nil {
		return "", cache.Entry{}, fmt.Errorf("parse asset url: %w", err)
	}
	target := s.originBase.ResolveReference(parsed)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", cache.Entry{}, fmt.Errorf("build asset request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", cache.Entry{}, fmt.Errorf("fetch asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", cache.Entry{}, fmt.Errorf("fetch asset: unexpected status %d", resp.StatusCode)
	}

	// Reading one byte past the limit distinguishes an at-limit body from an
	// oversized one without buffering the whole stream.
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.snapshotLimit+1))
	if err != nil {
		return "", cache.Entry{}, fmt.Errorf("read asset body: %w", err)
	}
	if int64(len(body)) > s.snapshotLimit {
		return "", cache.Entry{}, fmt.Errorf("fetch asset: body exceeds snapshot limit of %d bytes", s.snapshotLimit)
	}

	// Relative assets are keyed by their request URI so later intercepted
	// requests for the same path find them; absolute assets keep their full
	// URL identity.
	identity := asset
	if !parsed.IsAbs() {
		identity = parsed.RequestURI()
	}

	return cache.Key(http.MethodGet, identity), cache.Entry{
		Method:   http.MethodGet,
		URL:      identity,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}
