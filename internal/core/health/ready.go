package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is the dependency a readiness probe checks, typically the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

func Readiness(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		out := resp{Status: "ready"}
		if err := p.Ping(ctx); err != nil {
			out = resp{Status: "not_ready", Error: err.Error()}
		}
		w.Header().Set("Content-Type", "application/json")
		if out.Status != "ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
