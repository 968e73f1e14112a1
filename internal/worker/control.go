package worker

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Control message types understood by the gateway.
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageGetVersion  = "GET_VERSION"
)

type controlMessage struct {
	Type string `json:"type"`
}

type versionReply struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// ServeControl handles page-to-worker control messages. SKIP_WAITING promotes
// a parked version, GET_VERSION reports the active one, and unrecognized
// types are acknowledged without effect so older pages never break a newer
// gateway.
func (s *Supervisor) ServeControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "control", r.Method)
		return
	}

	var msg controlMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed_message", "control", err.Error())
		return
	}

	switch msg.Type {
	case MessageSkipWaiting:
		version, promoted := s.SkipWaiting(r.Context())
		if promoted {
			s.logger.Info("skip-waiting promoted", slog.String("version", version))
		}
		w.WriteHeader(http.StatusAccepted)
	case MessageGetVersion:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(versionReply{Type: "VERSION", Version: s.ActiveVersion()})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
