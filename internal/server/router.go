package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/tansel/stagehand/internal/worker"
)

// Gateway defines the minimal surface the router needs from the worker
// supervisor to serve HTTP requests.
type Gateway interface {
	ServeFetch(http.ResponseWriter, *http.Request)
	ServeControl(http.ResponseWriter, *http.Request)
	ActiveVersion() string
	Snapshot(context.Context) worker.Snapshot
}

// Reserved gateway endpoints; every other path is intercepted traffic.
const (
	controlPath = "/worker/control"
	statusPath  = "/worker/status"
	healthPath  = "/healthz"
)

// NewGatewayHandler wires URL dispatch to the worker supervisor so the
// lifecycle server owns routing without the supervisor knowing its mount
// points.
func NewGatewayHandler(g Gateway) http.Handler {
	if g == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gateway unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case controlPath:
			g.ServeControl(w, r)
		case statusPath:
			serveStatus(w, r, g)
		case healthPath:
			serveHealth(w, g)
		default:
			g.ServeFetch(w, r)
		}
	})
}

func serveHealth(w http.ResponseWriter, g Gateway) {
	w.Header().Set("Content-Type", "application/json")
	status := "ok"
	if g.ActiveVersion() == "" {
		status = "installing"
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  status,
		"version": g.ActiveVersion(),
	})
}
