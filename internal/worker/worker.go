// Package worker implements the request-interception core: a supervisor that
// installs, activates, and retires versioned cache workers, classifies every
// intercepted request into a lane, and serves it cache-first, forwarded, or
// passed through.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tansel/stagehand/internal/config"
	"github.com/tansel/stagehand/internal/metrics"
	"github.com/tansel/stagehand/internal/worker/cache"
	"github.com/tansel/stagehand/internal/worker/routerule"
)

// httpDoer is the minimal client surface the supervisor needs; it keeps
// outbound traffic mockable in tests.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Worker is one installed cache version moving through the lifecycle.
type Worker struct {
	version string
	lc      *lifecycle
}

// Version returns the cache version identifier this worker serves.
func (w *Worker) Version() string { return w.version }

// State reports the worker's current lifecycle state.
func (w *Worker) State() State { return w.lc.State() }

// Options collects the supervisor's collaborators.
type Options struct {
	Config  config.Config
	Store   cache.Store
	Metrics *metrics.Recorder
	// Client overrides the outbound HTTP client; nil selects a default.
	Client httpDoer
}

// Supervisor owns the versioned store and the worker lifecycle for the whole
// process. It is reconstructed fresh on every gateway start; the store is the
// only state that survives.
type Supervisor struct {
	cfg          config.Config
	logger       *slog.Logger
	store        cache.Store
	metrics      *metrics.Recorder
	client       httpDoer
	rules         []routerule.Rule
	originBase    *url.URL
	upstreamBase  *url.URL
	snapshotLimit int64

	mu      sync.Mutex
	waiting *Worker
	active  atomic.Pointer[Worker]
}

// NewSupervisor validates the wiring and compiles route overrides.
func NewSupervisor(logger *slog.Logger, opts Options) (*Supervisor, error) {
	if opts.Store == nil {
		return nil, errors.New("worker: cache store required")
	}
	if logger == nil {
		return nil, errors.New("worker: logger required")
	}

	originBase, err := url.Parse(opts.Config.Origin.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("worker: parse origin base url: %w", err)
	}
	upstreamBase, err := url.Parse(opts.Config.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("worker: parse upstream base url: %w", err)
	}

	defs := make([]routerule.Definition, 0, len(opts.Config.Router.Rules))
	for _, rule := range opts.Config.Router.Rules {
		defs = append(defs, routerule.Definition{Name: rule.Name, Expression: rule.Expression})
	}
	rules, err := routerule.Compile(defs)
	if err != nil {
		return nil, err
	}

	client := opts.Client
	if client == nil {
		// Upstream and origin 3xx responses are relayed to the caller as-is,
		// never chased: the page's own fetch layer decides what a redirect
		// means. This also keeps bodied requests from ever needing a replay.
		client = &http.Client{
			Timeout: 60 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	snapshotLimit := opts.Config.Worker.MaxAssetBytes
	if snapshotLimit <= 0 {
		snapshotLimit = defaultMaxAssetBytes
	}

	return &Supervisor{
		cfg:           opts.Config,
		logger:        logger.With(slog.String("agent", "supervisor")),
		store:         opts.Store,
		metrics:       opts.Metrics,
		client:        client,
		rules:         rules,
		originBase:    originBase,
		upstreamBase:  upstreamBase,
		snapshotLimit: snapshotLimit,
	}, nil
}

// Deploy installs the manifest's version if it is not already installed or
// active, then either promotes it immediately (first version, or skip-waiting
// configured) or parks it in the waiting state until a control message
// arrives. Deploys are serialized; a newer manifest replaces a still-waiting
// version, which becomes redundant without ever activating.
func (s *Supervisor) Deploy(ctx context.Context, m config.Manifest) error {
	version := m.Version(s.cfg.Worker.BuildTag)

	s.mu.Lock()
	defer s.mu.Unlock()

	if aw := s.active.Load(); aw != nil && aw.version == version {
		return nil
	}
	if s.waiting != nil && s.waiting.version == version {
		return nil
	}

	w, err := s.install(ctx, m, version)
	if err != nil {
		return err
	}

	if s.active.Load() == nil || s.cfg.Worker.SkipWaiting {
		return s.activate(ctx, w)
	}

	if s.waiting != nil {
		if err := s.waiting.lc.transition(StateRedundant); err != nil {
			s.logger.Warn("retiring superseded waiting worker", slog.Any("error", err))
		}
	}
	s.waiting = w
	s.logger.Info("worker installed and waiting", slog.String("version", version))
	return nil
}

// SkipWaiting promotes the waiting worker, if any. It reports the activated
// version and whether a promotion happened.
func (s *Supervisor) SkipWaiting(ctx context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.waiting == nil {
		return "", false
	}
	w := s.waiting
	if err := s.activate(ctx, w); err != nil {
		s.logger.Error("skip-waiting activation failed", slog.Any("error", err))
		return "", false
	}
	return w.version, true
}

// ActiveVersion returns the currently active cache version identifier, or an
// empty string when no worker has activated yet.
func (s *Supervisor) ActiveVersion() string {
	if aw := s.active.Load(); aw != nil {
		return aw.version
	}
	return ""
}

// VersionInfo describes one cache version present in the store.
type VersionInfo struct {
	Name    string
	Entries int64
}

// Snapshot is a point-in-time view of the supervisor for status reporting.
type Snapshot struct {
	ActiveVersion  string
	ActiveState    string
	WaitingVersion string
	Backend        string
	Versions       []VersionInfo
}

// Snapshot collects the current lifecycle and store view.
func (s *Supervisor) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{Backend: s.cfg.Cache.Backend}
	if snap.Backend == "" {
		snap.Backend = "memory"
	}
	if aw := s.active.Load(); aw != nil {
		snap.ActiveVersion = aw.version
		snap.ActiveState = aw.State().String()
	}
	s.mu.Lock()
	if s.waiting != nil {
		snap.WaitingVersion = s.waiting.version
	}
	s.mu.Unlock()

	versions, err := s.store.Versions(ctx)
	if err != nil {
		s.logger.Warn("snapshot version listing failed", slog.Any("error", err))
		return snap
	}
	for _, version := range versions {
		size, err := s.store.Size(ctx, version)
		if err != nil {
			s.logger.Warn("snapshot size failed", slog.String("version", version), slog.Any("error", err))
		}
		snap.Versions = append(snap.Versions, VersionInfo{Name: version, Entries: size})
	}
	return snap
}

// Close releases the underlying store.
func (s *Supervisor) Close(ctx context.Context) error {
	return s.store.Close(ctx)
}
