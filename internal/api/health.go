package api

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// pinger is satisfied by dependencies that can report liveness. Store and
// chain implementations that cannot are simply not probed.
type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{}
	healthy := true
	probe := func(name string, dep any) {
		p, ok := dep.(pinger)
		if !ok {
			return
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			return
		}
		checks[name] = "ok"
	}
	probe("store", s.store)
	probe("chain", s.chain)

	resp := healthResponse{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
