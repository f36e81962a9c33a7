package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// checkTimeout bounds each dependency check run by /readyz.
const checkTimeout = 2 * time.Second

// Check reports whether one dependency is reachable.
type Check func(ctx context.Context) error

// HealthChecker serves /healthz and /readyz. Readiness requires SetReady(true)
// and every registered dependency check to pass.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
	mode      string

	mu     sync.RWMutex
	checks map[string]Check
}

func NewHealthChecker(mode string) *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		mode:      mode,
		checks:    make(map[string]Check),
	}
}

// AddCheck registers a dependency under name, replacing any earlier check.
func (h *HealthChecker) AddCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the service has been marked ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// Dependencies runs every check and returns "ok" or the error text per name,
// plus whether all of them passed.
func (h *HealthChecker) Dependencies(ctx context.Context) (map[string]string, bool) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	checks := make(map[string]Check, len(h.checks))
	for name, c := range h.checks {
		names = append(names, name)
		checks[name] = c
	}
	h.mu.RUnlock()
	sort.Strings(names)

	status := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checks[name](cctx)
		cancel()
		if err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	return status, healthy
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"mode":   h.mode,
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 when the service is marked ready and the
// remote ledger, settlement store and publisher checks pass; 503 otherwise.
// The body lists each dependency's status.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	deps, healthy := h.Dependencies(r.Context())

	status, code := "ready", http.StatusOK
	if !h.ready.Load() || !healthy {
		status, code = "not_ready", http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       status,
		"mode":         h.mode,
		"dependencies": deps,
	})
}
