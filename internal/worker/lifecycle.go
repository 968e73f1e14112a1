package worker

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tansel/stagehand/internal/metrics"
)

// State is the lifecycle position of a worker version. Transitions are
// driven by the supervisor; handlers for install and activate run inside the
// transition and can delay or fail it.
type State int

const (
	StateInstalling State = iota
	StateWaiting
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// validTransitions encodes the only legal moves: install completes before
// activation begins, and a worker that leaves the active path never returns.
var validTransitions = map[State][]State{
	StateInstalling: {StateWaiting, StateRedundant},
	StateWaiting:    {StateActivating, StateRedundant},
	StateActivating: {StateActive},
	StateActive:     {StateRedundant},
}

type lifecycle struct {
	version string
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu    sync.Mutex
	state State
}

func newLifecycle(version string, logger *slog.Logger, rec *metrics.Recorder) *lifecycle {
	return &lifecycle{
		version: version,
		logger:  logger.With(slog.String("agent", "lifecycle"), slog.String("version", version)),
		metrics: rec,
		state:   StateInstalling,
	}
}

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, allowed := range validTransitions[l.state] {
		if allowed == to {
			l.logger.Info("lifecycle transition",
				slog.String("from", l.state.String()),
				slog.String("to", to.String()))
			l.metrics.ObserveTransition(l.state.String(), to.String())
			l.state = to
			return nil
		}
	}
	return fmt.Errorf("worker: illegal transition %s -> %s for version %s", l.state, to, l.version)
}
