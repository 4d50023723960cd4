package web

import (
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

type fakeNode struct{}

func (fakeNode) RelayStatuses() []models.RelayStatus {
	return []models.RelayStatus{
		{URL: "wss://a.test", Read: true, Wanted: true, Connected: true},
		{URL: "wss://b.test", Write: true},
	}
}
func (fakeNode) PipelineDepth() int      { return 3 }
func (fakeNode) FetchPending() int       { return 1 }
func (fakeNode) GetStartTime() time.Time { return time.Now().Add(-time.Minute) }

func serve(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	NewHandler(fakeNode{}, zap.NewNop(), "test").Routes().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestRelaysEndpoint(t *testing.T) {
	rec := serve(t, http.MethodGet, "/relays")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var relays []models.RelayStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &relays))
	require.Len(t, relays, 2)
	assert.Equal(t, "wss://a.test", relays[0].URL)
	assert.True(t, relays[0].Connected)
}

func TestStatsEndpoint(t *testing.T) {
	rec := serve(t, http.MethodGet, "/stats?pretty=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats StatsData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.PipelineDepth)
	assert.Equal(t, 1, stats.RelaysWanted)
	assert.Equal(t, 1, stats.RelaysConnected)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	rec := serve(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nosteen_")
}

func TestValidationRejects(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, serve(t, http.MethodGet, "/admin").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(t, http.MethodPost, "/relays").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, http.MethodGet, "/relays?evil=1").Code)
}
