package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/billfree-connect/api/internal/platform/httpx"
)

const (
	healthStatusOK       = "ok"
	healthStatusDegraded = "degraded"

	defaultProbeTimeout = 1500 * time.Millisecond
)

// ReadinessProbe checks one backing dependency. A nil error means ready.
type ReadinessProbe func(ctx context.Context) error

// HealthHandlers serves the liveness and readiness endpoints.
type HealthHandlers struct {
	version   string
	startedAt time.Time
	now       func() time.Time
	timeout   time.Duration
	probes    map[string]ReadinessProbe
}

// HealthOption customises the health handlers.
type HealthOption func(*HealthHandlers)

// WithHealthVersion records the build version reported by /healthz.
func WithHealthVersion(version string) HealthOption {
	return func(h *HealthHandlers) {
		h.version = version
	}
}

// WithHealthClock overrides the clock, for tests.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

// WithHealthStartedAt overrides the process start time used for uptime.
func WithHealthStartedAt(t time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if !t.IsZero() {
			h.startedAt = t
		}
	}
}

// WithHealthProbeTimeout bounds each readiness probe.
func WithHealthProbeTimeout(d time.Duration) HealthOption {
	return func(h *HealthHandlers) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithReadinessProbe registers a named dependency check run by /readyz.
func WithReadinessProbe(name string, probe ReadinessProbe) HealthOption {
	return func(h *HealthHandlers) {
		if name == "" || probe == nil {
			return
		}
		h.probes[name] = probe
	}
}

// NewHealthHandlers constructs health handlers with the provided options.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		version:   "dev",
		startedAt: time.Now().UTC(),
		now:       time.Now,
		timeout:   defaultProbeTimeout,
		probes:    make(map[string]ReadinessProbe),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    healthStatusOK,
		"version":   h.version,
		"uptime":    now.Sub(h.startedAt).String(),
		"timestamp": now.Format(time.RFC3339),
	})
}

// Readyz runs the registered dependency probes and reports aggregate readiness.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()

	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	status := healthStatusOK
	checks := make(map[string]map[string]any, len(h.probes))
	details := make([]string, 0)

	for _, name := range names {
		probe := h.probes[name]
		probeCtx, cancel := context.WithTimeout(r.Context(), h.timeout)
		start := h.now()
		err := probe(probeCtx)
		latency := h.now().Sub(start)
		cancel()

		check := map[string]any{
			"status":  healthStatusOK,
			"latency": latency.String(),
		}
		if err != nil {
			status = healthStatusDegraded
			check["status"] = healthStatusDegraded
			check["error"] = err.Error()
			details = append(details, fmt.Sprintf("%s: %v", name, err))
		}
		checks[name] = check
	}

	code := http.StatusOK
	if status != healthStatusOK {
		code = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, code, map[string]any{
		"status":    status,
		"checks":    checks,
		"details":   details,
		"timestamp": now.Format(time.RFC3339),
	})
}
