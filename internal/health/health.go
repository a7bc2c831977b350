package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/Shugur-Network/broker/internal/config"
	"github.com/Shugur-Network/broker/internal/constants"
	"github.com/Shugur-Network/broker/internal/registry"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string                 `json:"name"`
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus           `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Version    string                 `json:"version"`
	Uptime     string                 `json:"uptime"`
	Components []*ComponentStatus     `json:"components"`
	Summary    map[string]interface{} `json:"summary"`
}

// StoreProbe is the part of the event store health needs.
type StoreProbe interface {
	Ping(ctx context.Context) error
}

// PoolStats is implemented by stores backed by a connection pool.
type PoolStats interface {
	DatabaseStats() DatabaseStats
}

// NodeProbe exposes live connection and registry figures.
type NodeProbe interface {
	ConnectionCount() int
	RegistryStats() registry.Stats
	StartTime() time.Time
}

// DatabaseStats represents connection pool statistics.
type DatabaseStats struct {
	OpenConnections    int
	InUse              int
	Idle               int
	MaxOpenConnections int
}

// HealthChecker performs comprehensive health checks
type HealthChecker struct {
	store   StoreProbe
	node    NodeProbe
	cfg     *config.Config
	logger  *zap.Logger
	version string
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(store StoreProbe, node NodeProbe, cfg *config.Config, logger *zap.Logger, version string) *HealthChecker {
	return &HealthChecker{
		store:   store,
		node:    node,
		cfg:     cfg,
		logger:  logger.Named("health"),
		version: version,
	}
}

// CheckHealth performs a comprehensive health check
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthResponse {
	startTime := time.Now()
	components := []*ComponentStatus{
		h.checkStore(ctx),
		h.checkConnections(),
		h.checkRegistry(),
		h.checkSystemResources(),
	}

	return &HealthResponse{
		Status:     determineOverallStatus(components),
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     formatUptime(time.Since(h.node.StartTime())),
		Components: components,
		Summary: map[string]interface{}{
			"total_components":     len(components),
			"healthy_components":   countComponentsByStatus(components, StatusHealthy),
			"degraded_components":  countComponentsByStatus(components, StatusDegraded),
			"unhealthy_components": countComponentsByStatus(components, StatusUnhealthy),
			"check_duration_ms":    time.Since(startTime).Milliseconds(),
		},
	}
}

// checkStore checks event store connectivity and pool pressure
func (h *HealthChecker) checkStore(ctx context.Context) *ComponentStatus {
	status := &ComponentStatus{
		Name:    "store",
		Details: map[string]interface{}{"driver": h.cfg.Database.Driver},
	}

	if err := h.store.Ping(ctx); err != nil {
		status.Status = StatusUnhealthy
		status.Message = "Event store unreachable"
		status.Details["error"] = err.Error()
		return status
	}

	status.Status = StatusHealthy
	status.Message = "Event store is healthy"

	ps, ok := h.store.(PoolStats)
	if !ok {
		return status
	}
	stats := ps.DatabaseStats()
	status.Details["open_connections"] = stats.OpenConnections
	status.Details["in_use"] = stats.InUse
	status.Details["idle"] = stats.Idle
	status.Details["max_open_connections"] = stats.MaxOpenConnections

	if stats.MaxOpenConnections > 0 {
		utilization := float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
		status.Details["connection_utilization_percent"] = utilization
		if utilization > 90 {
			status.Status = StatusDegraded
			status.Message = "High database connection utilization"
		}
	}
	return status
}

// checkConnections checks WebSocket connection health
func (h *HealthChecker) checkConnections() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "connections",
		Details: make(map[string]interface{}),
	}

	connectionCount := h.node.ConnectionCount()
	maxConnections := h.cfg.Relay.ThrottlingConfig.MaxConnections
	utilization := float64(connectionCount) / float64(maxConnections) * 100

	status.Details["active_connections"] = connectionCount
	status.Details["max_connections"] = maxConnections
	status.Details["connection_utilization_percent"] = utilization

	if utilization > 90 {
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("High connection utilization: %d/%d (%.1f%%)",
			connectionCount, maxConnections, utilization)
	} else {
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Connection count normal: %d/%d (%.1f%%)",
			connectionCount, maxConnections, utilization)
	}
	return status
}

// checkRegistry reports subscription and live filter counts
func (h *HealthChecker) checkRegistry() *ComponentStatus {
	stats := h.node.RegistryStats()
	return &ComponentStatus{
		Name:    "registry",
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d subscriptions over %d live filters", stats.Subscriptions, stats.LiveFilters),
		Details: map[string]interface{}{
			"subscribed_connections": stats.SubscribedConnections,
			"subscriptions":          stats.Subscriptions,
			"live_filters":           stats.LiveFilters,
			"multimap_retries":       stats.Retries,
		},
	}
}

// checkSystemResources checks memory and goroutines
func (h *HealthChecker) checkSystemResources() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	allocMB := float64(m.Alloc) / 1024 / 1024
	goroutineCount := runtime.NumGoroutine()

	status := &ComponentStatus{
		Name: "system",
		Details: map[string]interface{}{
			"goroutines": goroutineCount,
			"cpus":       runtime.NumCPU(),
			"alloc_mb":   allocMB,
			"num_gc":     m.NumGC,
		},
	}

	const (
		memoryWarningMB  = 1024
		goroutineWarning = 50000
	)

	switch {
	case allocMB > memoryWarningMB:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated memory usage: %.1f MB", allocMB)
	case goroutineCount > goroutineWarning:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated goroutine count: %d", goroutineCount)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("System resources normal: %d goroutines", goroutineCount)
	}
	return status
}

func determineOverallStatus(components []*ComponentStatus) HealthStatus {
	overall := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

func countComponentsByStatus(components []*ComponentStatus, status HealthStatus) int {
	count := 0
	for _, comp := range components {
		if comp.Status == status {
			count++
		}
	}
	return count
}

// formatUptime formats uptime duration as a human-readable string
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// HandleHealth is the HTTP handler for health checks. Degraded still
// answers 200; only unhealthy answers 503.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), constants.HealthCheckTimeout)
	defer cancel()

	resp := h.CheckHealth(ctx)

	statusCode := http.StatusOK
	if resp.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
		return
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(resp.Status)),
		zap.Int("status_code", statusCode),
		zap.String("client_ip", r.RemoteAddr))
}
