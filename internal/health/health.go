// Package health serves the liveness and readiness endpoints.
//
//   - /healthz — liveness; a process that can serve HTTP answers 200.
//   - /readyz  — readiness; 200 only when every registered [Check] passes.
//
// Responses are JSON with a top-level "status" ("ok" or "fail") and a
// "checks" map carrying each check's verdict.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds one /readyz evaluation; every check shares it.
const probeTimeout = 5 * time.Second

// Check names one readiness dependency. Probe returns nil while the
// dependency can serve and an error describing why not otherwise; it must
// respect context cancellation.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// report is the JSON body for both endpoints.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The check list is fixed at
// construction; probing is safe for concurrent requests.
type Handler struct {
	checks []Check
}

// New builds a [Handler] that probes the given checks on each /readyz
// request.
func New(checks ...Check) *Handler {
	c := make([]Check, len(checks))
	copy(c, checks)
	return &Handler{checks: c}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz probes every check concurrently and answers 200 only if all pass.
// One slow dependency must not stack its wait on top of the others', so the
// checks share a single [probeTimeout] window.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	verdicts := make([]string, len(h.checks))
	var g errgroup.Group
	for i, c := range h.checks {
		i, c := i, c
		g.Go(func() error {
			if err := c.Probe(ctx); err != nil {
				verdicts[i] = "fail: " + err.Error()
				return err
			}
			verdicts[i] = "ok"
			return nil
		})
	}
	failed := g.Wait() != nil

	res := report{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	for i, c := range h.checks {
		res.Checks[c.Name] = verdicts[i]
	}
	status := http.StatusOK
	if failed {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Router is the subset of chi.Router the handler mounts onto.
type Router interface {
	Get(pattern string, handler http.HandlerFunc)
}

// Register adds the /healthz and /readyz routes to r.
func (h *Handler) Register(r Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
}

// writeJSON encodes v with the given status, falling back to a plain 500 on
// encoding failure.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
