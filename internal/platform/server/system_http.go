package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/wizardbeardstudio/open-settle-go/internal/platform/clock"
)

// SystemHandler serves liveness, readiness and build info without auth.
type SystemHandler struct {
	Version   string
	StartedAt time.Time
	Clock     clock.Clock
	// Ready reports whether dependencies are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

func (h SystemHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/readyz", h.ready)
	mux.HandleFunc("/version", h.version)
}

func (h SystemHandler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h SystemHandler) ready(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (h SystemHandler) version(w http.ResponseWriter, _ *http.Request) {
	clk := h.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"version":        h.Version,
		"started_at":     h.StartedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(clk.Now().Sub(h.StartedAt).Seconds()),
	})
}
