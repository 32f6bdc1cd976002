package telemetry

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/3cpo-dev/fleetsim/internal/sim"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// HealthReport is the aggregate of all checks.
type HealthReport struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    []HealthCheck `json:"checks"`
}

type CheckFunc func(ctx context.Context) HealthCheck

// Health runs registered checks on demand.
type Health struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

func NewHealth() *Health {
	h := &Health{checks: map[string]CheckFunc{}}
	for name, fn := range DefaultHealthChecks() {
		h.Register(name, fn)
	}
	return h
}

// Register adds or replaces the check called name.
func (h *Health) Register(name string, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = fn
}

// Run executes every check. The report is unhealthy if any check is, and
// degraded if any check is degraded.
func (h *Health) Run(ctx context.Context) HealthReport {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	fns := make(map[string]CheckFunc, len(h.checks))
	for k, v := range h.checks {
		fns[k] = v
	}
	h.mu.RUnlock()
	sort.Strings(names)

	report := HealthReport{Status: HealthStatusHealthy, Timestamp: time.Now().UTC()}
	for _, name := range names {
		start := time.Now()
		check := fns[name](ctx)
		check.Name = name
		check.Duration = time.Since(start)
		check.LastChecked = time.Now().UTC()
		report.Checks = append(report.Checks, check)
		switch check.Status {
		case HealthStatusUnhealthy:
			report.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if report.Status == HealthStatusHealthy {
				report.Status = HealthStatusDegraded
			}
		}
	}
	return report
}

// PingCheck wraps anything with a Ping method, such as the event journal.
func PingCheck(p interface{ Ping(context.Context) error }) CheckFunc {
	return func(ctx context.Context) HealthCheck {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return HealthCheck{Status: HealthStatusUnhealthy, Message: err.Error()}
		}
		return HealthCheck{Status: HealthStatusHealthy, Message: "ok"}
	}
}

// CapacityCheck is degraded when no node can take new machines.
func CapacityCheck(src StatsSource) CheckFunc {
	return func(ctx context.Context) HealthCheck {
		s := src.ClusterStats()
		schedulable := s.NodesByStatus[sim.NodeHealthy] + s.NodesByStatus[sim.NodeLimited]
		check := HealthCheck{
			Status:  HealthStatusHealthy,
			Message: fmt.Sprintf("%d of %d nodes schedulable", schedulable, s.Nodes),
			Details: map[string]string{
				"cpu_usage":    fmt.Sprintf("%.2f", s.CPUUsage),
				"memory_usage": fmt.Sprintf("%.2f", s.MemoryUsage),
				"machines":     fmt.Sprintf("%d", s.Machines),
			},
		}
		if schedulable == 0 {
			check.Status = HealthStatusDegraded
		}
		return check
	}
}

// DefaultHealthChecks returns a set of default health checks
func DefaultHealthChecks() map[string]CheckFunc {
	return map[string]CheckFunc{
		"memory": func(context.Context) HealthCheck {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			heapMB := float64(m.HeapAlloc) / (1024 * 1024)
			status := HealthStatusHealthy
			message := fmt.Sprintf("Heap memory: %.2f MB", heapMB)

			if heapMB > 1000 {
				status = HealthStatusDegraded
				message = fmt.Sprintf("High memory usage: %.2f MB", heapMB)
			}
			if heapMB > 2000 {
				status = HealthStatusUnhealthy
				message = fmt.Sprintf("Critical memory usage: %.2f MB", heapMB)
			}

			return HealthCheck{
				Status:  status,
				Message: message,
				Details: map[string]string{"heap_mb": fmt.Sprintf("%.2f", heapMB)},
			}
		},
		"goroutines": func(context.Context) HealthCheck {
			count := runtime.NumGoroutine()
			status := HealthStatusHealthy
			message := fmt.Sprintf("Goroutines: %d", count)

			if count > 1000 {
				status = HealthStatusDegraded
				message = fmt.Sprintf("High goroutine count: %d", count)
			}
			if count > 5000 {
				status = HealthStatusUnhealthy
				message = fmt.Sprintf("Critical goroutine count: %d", count)
			}

			return HealthCheck{Status: status, Message: message}
		},
	}
}
