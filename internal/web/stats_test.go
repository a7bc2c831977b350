package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Shugur-Network/broker/internal/config"
	"github.com/Shugur-Network/broker/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct{ conns int }

func (f fakeSource) ConnectionCount() int { return f.conns }
func (f fakeSource) RegistryStats() registry.Stats {
	return registry.Stats{SubscribedConnections: f.conns, Subscriptions: 3, LiveFilters: 2}
}
func (f fakeSource) StartTime() time.Time { return time.Now().Add(-26 * time.Hour) }

type fakeCounter struct {
	n   int64
	err error
}

func (f fakeCounter) EventCount(context.Context) (int64, error) { return f.n, f.err }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse("", nil)
	require.NoError(t, err)
	cfg.Relay.ThrottlingConfig.MaxConnections = 10
	return cfg
}

func TestHandleStats(t *testing.T) {
	h := NewHandler(testConfig(t), fakeSource{conns: 5}, fakeCounter{n: 42}, zap.NewNop())

	rec := httptest.NewRecorder()
	h.HandleStats(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var got StatsData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "online", got.Status)
	assert.Equal(t, 5, got.ActiveConnections)
	assert.InDelta(t, 50.0, got.LoadPercentage, 0.001)
	assert.Equal(t, 3, got.Subscriptions)
	assert.Equal(t, 5, got.Subscribed)
	assert.Equal(t, 2, got.LiveFilters)
	assert.EqualValues(t, 42, got.EventsStored)
	assert.Equal(t, "1d 2h 0m", got.UptimeHuman)
}

func TestStatsToleratesCountFailure(t *testing.T) {
	h := NewHandler(testConfig(t), fakeSource{}, fakeCounter{err: errors.New("down")}, zap.NewNop())
	got := h.Stats(context.Background())
	assert.Equal(t, "idle", got.Status)
	assert.Zero(t, got.EventsStored)
}

func TestHandleStatsRejectsPost(t *testing.T) {
	h := NewHandler(testConfig(t), fakeSource{}, nil, zap.NewNop())
	rec := httptest.NewRecorder()
	h.HandleStats(rec, httptest.NewRequest(http.MethodPost, "/api/stats", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "5m", formatUptime(5*time.Minute))
	assert.Equal(t, "3h 1m", formatUptime(3*time.Hour+time.Minute))
}
