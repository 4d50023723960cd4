// Package health rates a running node for the status server.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/murachue/nosteen-sub000/internal/constants"
	"github.com/murachue/nosteen-sub000/internal/models"
)

// HealthStatus is the rating of a component or of the whole node.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// worse reports whether a is a worse rating than b.
func worse(a, b HealthStatus) bool {
	rank := map[HealthStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	return rank[a] > rank[b]
}

// ComponentStatus is the rating of one part of the node.
type ComponentStatus struct {
	Name    string                 `json:"name"`
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status     HealthStatus       `json:"status"`
	Timestamp  time.Time          `json:"timestamp"`
	Version    string             `json:"version"`
	Uptime     string             `json:"uptime"`
	Components []*ComponentStatus `json:"components"`
	Summary    map[string]int     `json:"summary"`
}

// NodeInterface is what the checker needs from the running node.
type NodeInterface interface {
	RelayStatuses() []models.RelayStatus
	PipelineDepth() int
	FetchPending() int
	GetStartTime() time.Time
}

// HealthChecker aggregates relay link state, queue depths and process resources.
type HealthChecker struct {
	node    NodeInterface
	logger  *zap.Logger
	version string
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(node NodeInterface, logger *zap.Logger, version string) *HealthChecker {
	return &HealthChecker{
		node:    node,
		logger:  logger.Named("health"),
		version: version,
	}
}

// CheckHealth rates every component. The overall status is the worst one.
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthResponse {
	components := []*ComponentStatus{
		CheckRelays(h.node.RelayStatuses()),
		checkQueue("verification", h.node.PipelineDepth(), 1000, 10000),
		checkQueue("fetch", h.node.FetchPending(), 500, 5000),
		checkRuntime(),
	}

	resp := &HealthResponse{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     formatUptime(time.Since(h.node.GetStartTime())),
		Components: components,
		Summary:    map[string]int{"total": len(components)},
	}
	for _, c := range components {
		resp.Summary[string(c.Status)]++
		if worse(c.Status, resp.Status) {
			resp.Status = c.Status
		}
	}
	return resp
}

// CheckRelays rates the wanted relays: all connected is healthy, some is
// degraded, none is unhealthy. A connected relay flagged for sending bad
// events also degrades the result.
func CheckRelays(relays []models.RelayStatus) *ComponentStatus {
	wanted, connected, flagged := 0, 0, 0
	for _, r := range relays {
		if !r.Wanted {
			continue
		}
		wanted++
		if r.Connected {
			connected++
		}
		if r.Flagged {
			flagged++
		}
	}

	status := &ComponentStatus{
		Name: "relays",
		Details: map[string]interface{}{
			"wanted":    wanted,
			"connected": connected,
			"flagged":   flagged,
		},
	}
	switch {
	case wanted == 0:
		status.Status, status.Message = StatusHealthy, "No relays wanted"
	case connected == 0:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("No relay connected (0/%d)", wanted)
	case connected < wanted:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Some relays unavailable (%d/%d)", connected, wanted)
	case flagged > 0:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("%d relay(s) sending rejected events", flagged)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("All relays connected (%d/%d)", connected, wanted)
	}
	return status
}

// checkQueue rates a backlog against warning and critical depths.
func checkQueue(name string, depth, warn, crit int) *ComponentStatus {
	status := &ComponentStatus{
		Name:    name,
		Details: map[string]interface{}{"depth": depth},
	}
	switch {
	case depth > crit:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("%s backlog: %d", name, depth)
	case depth > warn:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("%s falling behind: %d", name, depth)
	default:
		status.Status = StatusHealthy
	}
	return status
}

func checkRuntime() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	allocMB := float64(m.Alloc) / (1 << 20)
	goroutines := runtime.NumGoroutine()

	status := &ComponentStatus{
		Name:   "runtime",
		Status: StatusHealthy,
		Details: map[string]interface{}{
			"alloc_mb":   allocMB,
			"sys_mb":     float64(m.Sys) / (1 << 20),
			"num_gc":     m.NumGC,
			"goroutines": goroutines,
		},
	}
	// Each open relay costs a reader, a writer and a supervisor goroutine.
	switch {
	case allocMB > 1000 || goroutines > 20000:
		status.Status = StatusUnhealthy
	case allocMB > 500 || goroutines > 5000:
		status.Status = StatusDegraded
	}
	status.Message = fmt.Sprintf("%.1f MB allocated, %d goroutines", allocMB, goroutines)
	return status
}

func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	if days := int(d.Hours()) / 24; days > 0 {
		return fmt.Sprintf("%dd%s", days, d-time.Duration(days)*24*time.Hour)
	}
	return d.String()
}

// HandleHealth is the HTTP handler for health checks
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), constants.HealthCheckTimeout*time.Second)
	defer cancel()
	resp := h.CheckHealth(ctx)

	// Degraded still serves verified data, so only unhealthy fails the probe.
	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
		return
	}
	h.logger.Debug("Health check completed",
		zap.String("status", string(resp.Status)),
		zap.Int("status_code", code))
}
