package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shugur-Network/broker/internal/admission"
	"github.com/Shugur-Network/broker/internal/config"
	"github.com/Shugur-Network/broker/internal/errors"
	"github.com/Shugur-Network/broker/internal/fanout"
	"github.com/Shugur-Network/broker/internal/health"
	"github.com/Shugur-Network/broker/internal/logger"
	"github.com/Shugur-Network/broker/internal/metrics"
	"github.com/Shugur-Network/broker/internal/registry"
	"github.com/Shugur-Network/broker/internal/relay/nips"
	"github.com/Shugur-Network/broker/internal/storage"
	"github.com/Shugur-Network/broker/internal/web"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server is the websocket front end. It owns the connection table and
// turns fan-out results into EVENT frames.
type Server struct {
	cfg      *config.Config
	state    *registry.State
	store    storage.Store
	pipeline *admission.Pipeline
	conns    *ConnRegistry
	health   *health.HealthChecker
	stats    *web.Handler
	upgrader websocket.Upgrader
	cors     *cors.Cors

	notice    atomic.Pointer[string]
	sessions  sync.WaitGroup
	startTime time.Time
	logger    *zap.Logger
}

// NewServer wires the front end and subscribes its delivery handler on bus.
func NewServer(cfg *config.Config, state *registry.State, store storage.Store, pipeline *admission.Pipeline, bus *fanout.Bus) *Server {
	s := &Server{
		cfg:       cfg,
		state:     state,
		store:     store,
		pipeline:  pipeline,
		conns:     NewConnRegistry(cfg.Relay.ThrottlingConfig.MaxConnections),
		startTime: time.Now(),
		logger:    logger.New("relay"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
		CheckOrigin:       s.checkOrigin,
	}
	if len(cfg.Relay.AllowedOrigins) == 0 {
		s.cors = cors.AllowAll()
	} else {
		s.cors = cors.New(cors.Options{
			AllowedOrigins: cfg.Relay.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		})
	}
	s.health = health.NewHealthChecker(storeProbe{store}, s, cfg, logger.New("health"), config.Version)
	s.stats = web.NewHandler(cfg, s, store, logger.New("web"))

	bus.Subscribe("relay", s.deliver)
	return s
}

// SetAdminNotice queues msg for the next connection only.
func (s *Server) SetAdminNotice(msg string) {
	s.notice.Store(&msg)
}

// ConnectionCount implements health.NodeProbe.
func (s *Server) ConnectionCount() int { return s.conns.Len() }

// RegistryStats implements health.NodeProbe.
func (s *Server) RegistryStats() registry.Stats { return s.state.Stats() }

// StartTime implements health.NodeProbe.
func (s *Server) StartTime() time.Time { return s.startTime }

// Handler returns the HTTP surface: websocket upgrade and NIP-11 on "/",
// the JSON health report on "/health" and counters on "/api/stats".
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.Handle("/health", s.cors.Handler(http.HandlerFunc(s.health.HandleHealth)))
	mux.Handle("/api/stats", s.cors.Handler(http.HandlerFunc(s.stats.HandleStats)))
	return errors.RecoveryMiddleware(mux)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	switch {
	case websocket.IsWebSocketUpgrade(r):
		s.serveWS(w, r)
	case r.Header.Get("Accept") == "application/nostr+json":
		s.cors.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			nips.ServeRelayMetadata(w, nips.RelayInfo(s.cfg, s.pipeline.AdminPubKey()))
		})).ServeHTTP(w, r)
	case r.URL.Path == "/":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "Please use a Nostr client to connect.")
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.Relay.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.Relay.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// serveWS upgrades and then runs the session on the handler goroutine.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.sessions.Add(1)
	defer s.sessions.Done()

	ip := clientIP(r)
	maxConns := s.cfg.Relay.ThrottlingConfig.MaxConnections

	if s.conns.Full() {
		metrics.DroppedConnections.WithLabelValues("max_connections").Inc()
		limitErr := errors.ConnectionLimitError(s.conns.Len(), maxConns).
			WithSeverity(errors.SeverityMedium)
		errors.HandleHTTPError(w, r, limitErr)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered with an HTTP error
		s.logger.Debug("WebSocket upgrade failed", zap.String("client_ip", ip), zap.Error(err))
		return
	}

	conn := newWsConnection(ws, ip, s)
	if !s.conns.Add(conn) {
		metrics.DroppedConnections.WithLabelValues("max_connections").Inc()
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	metrics.IncrementActiveConnections()

	s.logger.Debug("WebSocket connection established",
		zap.String("conn_id", conn.id),
		zap.String("client_ip", ip),
		zap.String("user_agent", r.Header.Get("User-Agent")),
		zap.Int("active_connections", s.conns.Len()))

	if n := s.notice.Swap(nil); n != nil {
		conn.sendNotice(*n)
	}

	conn.serve(r.Context())
}

// deliver is the bus handler that queues live EVENT frames. The event is
// encoded once per payload.
func (s *Server) deliver(m fanout.Matched) {
	if len(m.Targets) == 0 {
		return
	}
	raw, err := json.Marshal(m.Event)
	if err != nil {
		s.logger.Error("Failed to encode event for delivery", zap.String("event_id", m.Event.ID), zap.Error(err))
		return
	}
	for _, t := range m.Targets {
		conn, ok := s.conns.Get(t.ConnID)
		if !ok {
			continue
		}
		conn.enqueue(eventFrame(t.SubID, raw))
	}
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Relay WebSocket server listening", zap.String("address", addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down WebSocket server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.General.ShutdownTimeout)
	defer cancel()

	shutdownErr := httpSrv.Shutdown(shutdownCtx)
	s.Shutdown(shutdownCtx)
	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		return err
	}
	return shutdownErr
}

// Shutdown closes every connection and waits for their sessions to end.
func (s *Server) Shutdown(ctx context.Context) {
	s.conns.CloseAll(reasonShutdown)

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for connections to close", zap.Int("remaining", s.conns.Len()))
	}
}

// storeProbe adapts storage.Store to health.StoreProbe, adding pool
// figures when the store is Postgres.
type storeProbe struct {
	store storage.Store
}

func (p storeProbe) Ping(ctx context.Context) error {
	return p.store.Ping(ctx)
}

func (p storeProbe) DatabaseStats() health.DatabaseStats {
	db, ok := p.store.(*storage.DB)
	if !ok {
		return health.DatabaseStats{}
	}
	stats := db.Stats()
	return health.DatabaseStats{
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		MaxOpenConnections: stats.MaxOpenConnections,
	}
}
