package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/murachue/nosteen-sub000/internal/health"
	"github.com/murachue/nosteen-sub000/internal/metrics"
	"github.com/murachue/nosteen-sub000/internal/models"
)

// StatsData is the /stats payload.
type StatsData struct {
	Verified        int64            `json:"verified"`
	Rejected        int64            `json:"rejected"`
	EventsPerSecond float64          `json:"events_per_second"`
	OpenConnections int64            `json:"open_connections"`
	RelaysWanted    int              `json:"relays_wanted"`
	RelaysConnected int              `json:"relays_connected"`
	PipelineDepth   int              `json:"pipeline_depth"`
	FetchPending    int              `json:"fetch_pending"`
	UptimeSeconds   int64            `json:"uptime_seconds"`
	MemoryUsage     map[string]int64 `json:"memory_usage"`
}

// Handler serves the status endpoints of a running node.
type Handler struct {
	node   health.NodeInterface
	health *health.HealthChecker
	logger *zap.Logger
}

// NewHandler creates a new status handler
func NewHandler(node health.NodeInterface, logger *zap.Logger, version string) *Handler {
	return &Handler{
		node:   node,
		health: health.NewHealthChecker(node, logger, version),
		logger: logger,
	}
}

// Routes returns the status mux wrapped in the middleware chain.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.health.HandleHealth)
	mux.HandleFunc("/relays", h.HandleRelays)
	mux.HandleFunc("/stats", h.HandleStats)
	mux.Handle("/metrics", promhttp.Handler())
	return Chain(mux,
		AccessLogMiddleware(h.logger),
		SecurityMiddleware(StatusSecurityHeaders()),
		ValidationMiddleware(StatusInputValidation(), h.logger),
	)
}

// HandleRelays lists every configured endpoint with its live state.
func (h *Handler) HandleRelays(w http.ResponseWriter, r *http.Request) {
	relays := h.node.RelayStatuses()
	if relays == nil {
		relays = []models.RelayStatus{}
	}
	h.writeJSON(w, r, relays)
}

// HandleStats serves counters the dashboard polls.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, h.getStatsData())
}

func (h *Handler) getStatsData() *StatsData {
	stats := &StatsData{
		Verified:        metrics.GetVerifiedCount(),
		Rejected:        metrics.GetRejectedCount(),
		EventsPerSecond: metrics.GetEventsPerSecond(),
		OpenConnections: metrics.GetOpenConnections(),
		PipelineDepth:   h.node.PipelineDepth(),
		FetchPending:    h.node.FetchPending(),
		UptimeSeconds:   int64(time.Since(h.node.GetStartTime()).Seconds()),
		MemoryUsage:     getMemoryUsage(),
	}
	for _, rs := range h.node.RelayStatuses() {
		if rs.Wanted {
			stats.RelaysWanted++
		}
		if rs.Connected {
			stats.RelaysConnected++
		}
	}
	return stats
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	if r.URL.Query().Get("pretty") != "" {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

func getMemoryUsage() map[string]int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]int64{
		"alloc_mb":   int64(m.Alloc / 1024 / 1024),
		"sys_mb":     int64(m.Sys / 1024 / 1024),
		"num_gc":     int64(m.NumGC),
		"goroutines": int64(runtime.NumGoroutine()),
	}
}

// Serve runs the status server on addr until ctx ends.
func Serve(ctx context.Context, addr string, h *Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("Status server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
