package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/murachue/nosteen-sub000/internal/models"
)

type fakeNode struct {
	relays  []models.RelayStatus
	pending int
}

func (f fakeNode) RelayStatuses() []models.RelayStatus { return f.relays }
func (f fakeNode) PipelineDepth() int                  { return 0 }
func (f fakeNode) FetchPending() int                   { return f.pending }
func (f fakeNode) GetStartTime() time.Time             { return time.Now().Add(-time.Hour) }

func TestCheckRelays(t *testing.T) {
	up := models.RelayStatus{URL: "wss://a", Wanted: true, Connected: true}
	down := models.RelayStatus{URL: "wss://b", Wanted: true}
	idle := models.RelayStatus{URL: "wss://c"}
	flagged := models.RelayStatus{URL: "wss://d", Wanted: true, Connected: true, Flagged: true}

	tests := []struct {
		name   string
		relays []models.RelayStatus
		want   HealthStatus
	}{
		{"none wanted", []models.RelayStatus{idle}, StatusHealthy},
		{"all connected", []models.RelayStatus{up, idle}, StatusHealthy},
		{"some connected", []models.RelayStatus{up, down}, StatusDegraded},
		{"none connected", []models.RelayStatus{down}, StatusUnhealthy},
		{"flagged relay", []models.RelayStatus{up, flagged}, StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CheckRelays(tt.relays).Status)
		})
	}
}

func TestHandleHealth(t *testing.T) {
	h := NewHealthChecker(fakeNode{relays: []models.RelayStatus{{URL: "wss://b", Wanted: true}}}, zap.NewNop(), "test")

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusUnhealthy, body.Status)
	assert.Equal(t, "test", body.Version)

	rec = httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCheckHealthTakesWorstComponent(t *testing.T) {
	up := models.RelayStatus{URL: "wss://a", Wanted: true, Connected: true}
	h := NewHealthChecker(fakeNode{relays: []models.RelayStatus{up}, pending: 600}, zap.NewNop(), "test")

	resp := h.CheckHealth(context.Background())
	assert.Equal(t, StatusDegraded, resp.Status, "fetch backlog above the warning depth")
	assert.Equal(t, 4, resp.Summary["total"])
	assert.Equal(t, 1, resp.Summary[string(StatusDegraded)])
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "1m30s", formatUptime(90*time.Second+300*time.Millisecond))
	assert.Equal(t, "2d3h0m0s", formatUptime(51*time.Hour))
}
