package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Shugur-Network/broker/internal/admission"
	"github.com/Shugur-Network/broker/internal/config"
	"github.com/Shugur-Network/broker/internal/fanout"
	"github.com/Shugur-Network/broker/internal/registry"
	"github.com/Shugur-Network/broker/internal/storage"
	"github.com/gorilla/websocket"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	cfg   *config.Config
	srv   *Server
	state *registry.State
	store *storage.MemoryStore
	url   string
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse("", nil)
	require.NoError(t, err)
	cfg.Database.Driver = "memory"
	cfg.Relay.IdleTimeout = 5 * time.Second
	cfg.Relay.WriteTimeout = 2 * time.Second
	return cfg
}

func newHarness(t *testing.T, tweak func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig(t)
	if tweak != nil {
		tweak(cfg)
	}

	store := storage.NewMemoryStore()
	state := registry.NewState()
	bus := fanout.NewBus()
	engine := fanout.NewEngine(state, bus)
	pipeline := admission.New(cfg, store, engine, "")
	srv := NewServer(cfg, state, store, pipeline, bus)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		bus.Close()
	})

	return &harness{
		cfg:   cfg,
		srv:   srv,
		state: state,
		store: store,
		url:   "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, frame ...any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(frame))
}

func read(t *testing.T, ws *websocket.Conn) []json.RawMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame []json.RawMessage
	require.NoError(t, ws.ReadJSON(&frame))
	require.NotEmpty(t, frame)
	return frame
}

func str(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

func expect(t *testing.T, ws *websocket.Conn, label string) []json.RawMessage {
	t.Helper()
	frame := read(t, ws)
	require.Equal(t, label, str(t, frame[0]), "got %s", frame)
	return frame
}

func signedNote(t *testing.T, content string) *nostr.Event {
	t.Helper()
	evt := &nostr.Event{
		Kind:      1,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{},
		Content:   content,
	}
	require.NoError(t, evt.Sign(nostr.GeneratePrivateKey()))
	return evt
}

func publish(t *testing.T, ws *websocket.Conn, evt *nostr.Event) {
	t.Helper()
	send(t, ws, "EVENT", evt)
	ok := expect(t, ws, "OK")
	require.Equal(t, evt.ID, str(t, ok[1]))
	var accepted bool
	require.NoError(t, json.Unmarshal(ok[2], &accepted))
	require.True(t, accepted, "rejected: %s", ok[3])
}

func TestLiveEventReachesSubscriber(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.dial(t)
	pub := h.dial(t)

	send(t, sub, "REQ", "notes", map[string]any{"kinds": []int{1}})
	expect(t, sub, "EOSE")

	evt := signedNote(t, "hello")
	publish(t, pub, evt)

	frame := expect(t, sub, "EVENT")
	assert.Equal(t, "notes", str(t, frame[1]))
	var got nostr.Event
	require.NoError(t, json.Unmarshal(frame[2], &got))
	assert.Equal(t, evt.ID, got.ID)
}

func TestSnapshotPrecedesEOSE(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)

	older := signedNote(t, "first")
	older.CreatedAt--
	require.NoError(t, older.Sign(nostr.GeneratePrivateKey()))
	newer := signedNote(t, "second")
	publish(t, ws, older)
	publish(t, ws, newer)

	send(t, ws, "REQ", "s", map[string]any{"kinds": []int{1}})
	first := expect(t, ws, "EVENT")
	second := expect(t, ws, "EVENT")
	expect(t, ws, "EOSE")

	var a, b nostr.Event
	require.NoError(t, json.Unmarshal(first[2], &a))
	require.NoError(t, json.Unmarshal(second[2], &b))
	assert.Equal(t, newer.ID, a.ID, "snapshot is newest first")
	assert.Equal(t, older.ID, b.ID)
}

func TestLimitZeroSkipsSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)
	publish(t, ws, signedNote(t, "stored"))

	send(t, ws, "REQ", "live", map[string]any{"kinds": []int{1}, "limit": 0})
	expect(t, ws, "EOSE")
}

func TestDuplicateIsAcceptedWithoutRedelivery(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)
	evt := signedNote(t, "once")
	publish(t, ws, evt)

	send(t, ws, "EVENT", evt)
	ok := expect(t, ws, "OK")
	assert.Equal(t, admission.ReasonDuplicate, str(t, ok[3]))
}

func TestInvalidFilterIsClosed(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)

	send(t, ws, "REQ", "bad", map[string]any{"ids": []string{"XYZ"}})
	frame := expect(t, ws, "CLOSED")
	assert.Equal(t, "bad", str(t, frame[1]))
	assert.True(t, strings.HasPrefix(str(t, frame[2]), "invalid: "))
	assert.Zero(t, h.state.Stats().Subscriptions)
}

func TestTooManySubscriptionsIsBlocked(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Relay.MaxSubscriptions = 1 })
	ws := h.dial(t)

	send(t, ws, "REQ", "a", map[string]any{})
	expect(t, ws, "EOSE")
	send(t, ws, "REQ", "a", map[string]any{"kinds": []int{7}})
	expect(t, ws, "EOSE")

	send(t, ws, "REQ", "b", map[string]any{})
	frame := expect(t, ws, "CLOSED")
	assert.True(t, strings.HasPrefix(str(t, frame[2]), "blocked: "))
}

func TestMalformedFramesDoNotKillTheConnection(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	expect(t, ws, "NOTICE")
	send(t, ws, "NOPE")
	expect(t, ws, "NOTICE")
	send(t, ws, "REQ", strings.Repeat("x", 65), map[string]any{})
	expect(t, ws, "NOTICE")

	send(t, ws, "REQ", "ok", map[string]any{})
	expect(t, ws, "EOSE")
}

func TestCloseAndDisconnectReleaseRegistryState(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)

	send(t, ws, "REQ", "a", map[string]any{"kinds": []int{1}})
	expect(t, ws, "EOSE")
	send(t, ws, "REQ", "b", map[string]any{"kinds": []int{7}})
	expect(t, ws, "EOSE")
	require.Equal(t, 2, h.state.Stats().Subscriptions)

	send(t, ws, "CLOSE", "a")
	require.Eventually(t, func() bool { return h.state.Stats().Subscriptions == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		st := h.state.Stats()
		return st.Subscriptions == 0 && st.LiveFilters == 0 && h.srv.ConnectionCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCount(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)
	publish(t, ws, signedNote(t, "one"))
	publish(t, ws, signedNote(t, "two"))

	send(t, ws, "COUNT", "c", map[string]any{"kinds": []int{1}})
	frame := expect(t, ws, "COUNT")
	var body struct {
		Count int64 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(frame[2], &body))
	assert.EqualValues(t, 2, body.Count)
}

func TestAdminNoticeGoesToFirstConnectionOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.SetAdminNotice("admin key generated")

	first := h.dial(t)
	frame := expect(t, first, "NOTICE")
	assert.Equal(t, "admin key generated", str(t, frame[1]))

	second := h.dial(t)
	send(t, second, "REQ", "s", map[string]any{})
	expect(t, second, "EOSE")
}

func TestRateLimitDropsConnection(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Relay.ThrottlingConfig.RateLimit = config.RateLimitConfig{
			Enabled: true, MaxMessagesPerSecond: 1, BurstSize: 1, MaxStrikes: 2,
		}
	})
	ws := h.dial(t)

	for i := 0; i < 3; i++ {
		send(t, ws, "CLOSE", "x")
	}

	// the rate-limited NOTICE may or may not be flushed before the close
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var err error
	for err == nil {
		_, _, err = ws.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Eventually(t, func() bool { return h.srv.ConnectionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSlowConsumerIsDropped(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Relay.SendQueueSize = 1 })
	conn := newWsConnection(nil, "127.0.0.1", h.srv)

	assert.True(t, conn.enqueue([]byte(`["NOTICE","a"]`)))
	assert.False(t, conn.enqueue([]byte(`["NOTICE","b"]`)))
	assert.True(t, conn.closed())
	assert.Equal(t, reasonSlowConsumer, conn.closeReason())
	assert.False(t, conn.enqueue([]byte(`["NOTICE","c"]`)))
}

func TestEventFrame(t *testing.T) {
	frame := eventFrame(`a"b`, []byte(`{"id":"x"}`))
	assert.JSONEq(t, `["EVENT","a\"b",{"id":"x"}]`, string(frame))
}

func TestHTTPEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	handler := h.srv.Handler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/nostr+json")
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/nostr+json", rec.Header().Get("Content-Type"))
	var info struct {
		Name string `json:"name"`
		NIPs []int  `json:"supported_nips"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, h.cfg.Relay.Name, info.Name)
	assert.Contains(t, info.NIPs, 45)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
