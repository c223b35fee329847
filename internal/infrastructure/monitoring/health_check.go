package monitoring

import (
	"context"
	"sync"
	"time"
)

// HealthChecker evaluates named dependency probes on demand. Probes are
// registered once during startup; the /health and /ready endpoints run them
// with a per-probe timeout when hit.
type HealthChecker struct {
	mu     sync.RWMutex
	probes []probe
}

type probe struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

// HealthStatus is the aggregated result of one evaluation pass.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// AddCheck registers a named probe. A nil-error return means healthy.
func (h *HealthChecker) AddCheck(name string, timeout time.Duration, run func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, probe{name: name, timeout: timeout, run: run})
}

// CheckAll runs every registered probe. The overall status is unhealthy as
// soon as any probe fails; the per-probe map carries the failure detail.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(h.probes)),
	}

	for _, p := range h.probes {
		probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.run(probeCtx)
		cancel()

		if err != nil {
			status.Status = "unhealthy"
			status.Checks[p.name] = err.Error()
			continue
		}
		status.Checks[p.name] = "healthy"
	}

	return status
}

// IsReady reports whether every probe passes.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}
