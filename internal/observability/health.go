package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusUp   HealthStatus = "UP"
	HealthStatusDown HealthStatus = "DOWN"
)

// HealthCheckFunc checks one dependency, typically the target store.
type HealthCheckFunc func(ctx context.Context) error

// HealthResult represents the result of a health check
type HealthResult struct {
	Status   HealthStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
	Duration string       `json:"duration"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status     HealthStatus            `json:"status"`
	Timestamp  time.Time               `json:"timestamp"`
	Components map[string]HealthResult `json:"components"`
}

// HealthManager runs registered checks on demand.
type HealthManager struct {
	mu      sync.RWMutex
	checks  map[string]HealthCheckFunc
	timeout time.Duration
}

// NewHealthManager creates a new health manager
func NewHealthManager(timeout time.Duration) *HealthManager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthManager{
		checks:  make(map[string]HealthCheckFunc),
		timeout: timeout,
	}
}

// RegisterCheck registers a health check
func (hm *HealthManager) RegisterCheck(name string, check HealthCheckFunc) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[name] = check
}

// CheckHealth runs every check and reports DOWN if any fails.
func (hm *HealthManager) CheckHealth(ctx context.Context) HealthReport {
	hm.mu.RLock()
	names := make([]string, 0, len(hm.checks))
	for name := range hm.checks {
		names = append(names, name)
	}
	hm.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, hm.timeout)
	defer cancel()

	report := HealthReport{
		Status:     HealthStatusUp,
		Timestamp:  time.Now(),
		Components: make(map[string]HealthResult, len(names)),
	}
	for _, name := range names {
		hm.mu.RLock()
		check := hm.checks[name]
		hm.mu.RUnlock()

		start := time.Now()
		result := HealthResult{Status: HealthStatusUp}
		if err := check(ctx); err != nil {
			result.Status = HealthStatusDown
			result.Message = err.Error()
			report.Status = HealthStatusDown
		}
		result.Duration = time.Since(start).String()
		report.Components[name] = result
	}
	return report
}

// HealthHandler returns an HTTP handler for health checks
func (hm *HealthManager) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hm.CheckHealth(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status != HealthStatusUp {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}
