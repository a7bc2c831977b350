package health

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

type fakeStore struct{ err error }

func (f fakeStore) Ping(context.Context) error { return f.err }

type pooledStore struct {
	fakeStore
	stats DatabaseStats
}

func (p pooledStore) DatabaseStats() DatabaseStats { return p.stats }

type fakeNode struct{ conns int }

func (n fakeNode) ConnectionCount() int { return n.conns }
func (n fakeNode) RegistryStats() registry.Stats {
	return registry.Stats{SubscribedConnections: n.conns, Subscriptions: 3, LiveFilters: 2}
}
func (n fakeNode) StartTime() time.Time { return time.Now().Add(-time.Hour) }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Database.Driver = "memory"
	cfg.Relay.ThrottlingConfig.MaxConnections = 10
	return cfg
}

func get(t *testing.T, h *HealthChecker) (*httptest.ResponseRecorder, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestHealthy(t *testing.T) {
	h := NewHealthChecker(fakeStore{}, fakeNode{conns: 1}, testConfig(), zap.NewNop(), "test")
	rec, resp := get(t, h)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "1h 0m 0s", resp.Uptime)
	assert.Len(t, resp.Components, 4)
}

func TestStoreDownIsUnhealthy(t *testing.T) {
	h := NewHealthChecker(fakeStore{err: errors.New("refused")}, fakeNode{}, testConfig(), zap.NewNop(), "test")
	rec, resp := get(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestBusyIsDegradedButServing(t *testing.T) {
	store := pooledStore{stats: DatabaseStats{InUse: 10, MaxOpenConnections: 10}}
	h := NewHealthChecker(store, fakeNode{conns: 10}, testConfig(), zap.NewNop(), "test")
	rec, resp := get(t, h)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusDegraded, resp.Status)
}

func TestRejectsNonGet(t *testing.T) {
	h := NewHealthChecker(fakeStore{}, fakeNode{}, testConfig(), zap.NewNop(), "test")
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
