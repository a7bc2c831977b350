// Package web serves the JSON stats API next to the relay endpoint.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/Shugur-Network/broker/internal/config"
	"github.com/Shugur-Network/broker/internal/constants"
	"github.com/Shugur-Network/broker/internal/metrics"
	"github.com/Shugur-Network/broker/internal/registry"
	"go.uber.org/zap"
)

// Source reports live broker state.
type Source interface {
	ConnectionCount() int
	RegistryStats() registry.Stats
	StartTime() time.Time
}

// EventCounter reports stored events.
type EventCounter interface {
	EventCount(ctx context.Context) (int64, error)
}

// StatsData is the /api/stats payload.
type StatsData struct {
	Name              string           `json:"name"`
	Version           string           `json:"version"`
	Status            string           `json:"status"`
	UptimeSeconds     int64            `json:"uptime_seconds"`
	UptimeHuman       string           `json:"uptime_human"`
	ActiveConnections int              `json:"active_connections"`
	MaxConnections    int              `json:"max_connections"`
	LoadPercentage    float64          `json:"load_percentage"`
	Subscribed        int              `json:"subscribed_connections"`
	Subscriptions     int              `json:"active_subscriptions"`
	LiveFilters       int              `json:"live_filters"`
	EventsStored      int64            `json:"events_stored"`
	EventsAdmitted    int64            `json:"events_admitted"`
	Deliveries        int64            `json:"deliveries"`
	EventsPerSecond   float64          `json:"events_per_second"`
	MemoryUsage       map[string]int64 `json:"memory_usage"`
	Timestamp         int64            `json:"timestamp"`
}

// Handler serves broker statistics.
type Handler struct {
	cfg    *config.Config
	src    Source
	events EventCounter
	logger *zap.Logger
}

// NewHandler builds the stats handler.
func NewHandler(cfg *config.Config, src Source, events EventCounter, logger *zap.Logger) *Handler {
	return &Handler{cfg: cfg, src: src, events: events, logger: logger}
}

// HandleStats serves real-time statistics.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	APISecurityHeaders().Apply(w)

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Stats(r.Context())); err != nil {
		h.logger.Error("Failed to encode stats response", zap.Error(err))
	}
}

// Stats collects the current figures.
func (h *Handler) Stats(ctx context.Context) *StatsData {
	var stored int64
	if h.events != nil {
		cctx, cancel := context.WithTimeout(ctx, constants.HealthCheckTimeout)
		defer cancel()

		count, err := h.events.EventCount(cctx)
		if err != nil {
			h.logger.Warn("Failed to get total event count", zap.Error(err))
		} else {
			stored = count
			metrics.EventsStored.Set(float64(count))
		}
	}

	active := h.src.ConnectionCount()
	maxConns := h.cfg.Relay.ThrottlingConfig.MaxConnections
	var load float64
	if maxConns > 0 {
		load = float64(active) / float64(maxConns) * 100
		if load > 100 {
			load = 100
		}
	}

	status := "online"
	if active == 0 {
		status = "idle"
	}

	reg := h.src.RegistryStats()
	uptime := time.Since(h.src.StartTime())

	return &StatsData{
		Name:              h.cfg.Relay.Name,
		Version:           config.Version,
		Status:            status,
		UptimeSeconds:     int64(uptime.Seconds()),
		UptimeHuman:       formatUptime(uptime),
		ActiveConnections: active,
		MaxConnections:    maxConns,
		LoadPercentage:    load,
		Subscribed:        reg.SubscribedConnections,
		Subscriptions:     reg.Subscriptions,
		LiveFilters:       reg.LiveFilters,
		EventsStored:      stored,
		EventsAdmitted:    metrics.GetAdmittedCount(),
		Deliveries:        metrics.GetDeliveredCount(),
		EventsPerSecond:   metrics.GetEventsPerSecond(),
		MemoryUsage:       memoryUsage(),
		Timestamp:         time.Now().Unix(),
	}
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

func memoryUsage() map[string]int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	clamp := func(v uint64) int64 {
		if v > 1<<63-1 {
			return 1<<63 - 1
		}
		return int64(v)
	}

	return map[string]int64{
		"alloc":        clamp(m.Alloc),
		"sys":          clamp(m.Sys),
		"heap_inuse":   clamp(m.HeapInuse),
		"heap_objects": clamp(m.HeapObjects),
		"num_gc":       int64(m.NumGC),
		"goroutines":   int64(runtime.NumGoroutine()),
	}
}
