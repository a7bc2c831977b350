package application

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Shugur-Network/broker/internal/admission"
	"github.com/Shugur-Network/broker/internal/config"
	"github.com/Shugur-Network/broker/internal/constants"
	"github.com/Shugur-Network/broker/internal/errors"
	"github.com/Shugur-Network/broker/internal/fanout"
	"github.com/Shugur-Network/broker/internal/identity"
	"github.com/Shugur-Network/broker/internal/logger"
	"github.com/Shugur-Network/broker/internal/metrics"
	"github.com/Shugur-Network/broker/internal/mirror"
	"github.com/Shugur-Network/broker/internal/registry"
	"github.com/Shugur-Network/broker/internal/relay"
	"github.com/Shugur-Network/broker/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Node ties together the components of a running broker.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	config   *config.Config
	store    storage.Store
	admin    *identity.AdminIdentity
	state    *registry.State
	bus      *fanout.Bus
	engine   *fanout.Engine
	pipeline *admission.Pipeline
	server   *relay.Server
	mirror   *mirror.Mirror

	metricsSrv *http.Server
	background sync.WaitGroup
	serverDone chan struct{}
	serverErr  error

	shutdownOnce sync.Once
	startTime    time.Time
}

// New creates and configures a Node using the NodeBuilder pattern.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	errors.InitErrorHandling()
	builder := NewNodeBuilder(ctx, cfg)

	if err := builder.BuildStore(); err != nil {
		return nil, fmt.Errorf("failed building store: %w", err)
	}
	if err := builder.BuildIdentity(); err != nil {
		builder.store.Close()
		builder.cancel()
		return nil, fmt.Errorf("failed resolving admin identity: %w", err)
	}
	builder.BuildEngine()
	builder.BuildServer()
	if err := builder.BuildMirror(); err != nil {
		builder.store.Close()
		builder.cancel()
		return nil, fmt.Errorf("failed building mirror: %w", err)
	}

	node, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build node: %w", err)
	}
	return node, nil
}

// Start launches the websocket server and the background workers. It
// returns once everything is running; Shutdown stops it all.
func (n *Node) Start() error {
	n.serverDone = make(chan struct{})
	go func() {
		defer close(n.serverDone)
		n.serverErr = n.server.ListenAndServe(n.ctx, n.config.Relay.WSAddr)
		if n.serverErr != nil {
			logger.Error("WebSocket server stopped", zap.Error(n.serverErr))
		}
	}()

	sweeper := storage.StartExpiredEventsCleaner(n.ctx, n.store, n.config.Admission.ExpirationSweepInterval)
	n.background.Add(1)
	go func() {
		defer n.background.Done()
		<-sweeper
	}()

	if n.mirror != nil {
		in := n.bus.AddClient(mirror.BusClientName, n.config.Mirror.QueueSize)
		n.background.Add(1)
		go func() {
			defer n.background.Done()
			n.mirror.Run(n.ctx, in)
		}()
	}

	if n.config.Metrics.Enabled {
		n.startMetricsServer()
	}

	logger.Info("Node started",
		zap.String("ws_addr", n.config.Relay.WSAddr),
		zap.String("driver", n.config.Database.Driver),
		zap.Bool("mirror", n.mirror != nil))
	return nil
}

// Wait blocks until ctx is done or the websocket server stops on its own,
// returning the server's error in the latter case.
func (n *Node) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-n.serverDone:
		return n.serverErr
	}
}

func (n *Node) startMetricsServer() {
	metrics.RegisterMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	n.metricsSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", n.config.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Metrics server listening", zap.Int("port", n.config.Metrics.Port))
		if err := n.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()
}

// Shutdown stops the node: websocket sessions first, then the bus
// consumers, the metrics endpoint and finally the store.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(n.shutdown)
}

func (n *Node) shutdown() {
	logger.Info("Initiating graceful shutdown...")
	timeout := n.config.General.ShutdownTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var shutdownErrors []error

	n.cancel()

	if n.serverDone != nil {
		select {
		case <-n.serverDone:
			if n.serverErr != nil {
				shutdownErrors = append(shutdownErrors, fmt.Errorf("websocket server: %w", n.serverErr))
			}
		case <-ctx.Done():
			shutdownErrors = append(shutdownErrors, fmt.Errorf("websocket server shutdown timed out after %v", timeout))
		}
	}

	// no more admissions can arrive; drain the consumers
	n.bus.Close()
	done := make(chan struct{})
	go func() {
		n.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Debug("Background workers stopped")
	case <-ctx.Done():
		shutdownErrors = append(shutdownErrors, fmt.Errorf("background workers did not stop within %v", timeout))
	}

	if n.mirror != nil {
		if err := n.mirror.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("mirror: %w", err))
		}
	}

	if n.metricsSrv != nil {
		if err := n.metricsSrv.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics server: %w", err))
		}
	}

	if err := n.closeStore(ctx); err != nil {
		shutdownErrors = append(shutdownErrors, err)
	}

	if len(shutdownErrors) > 0 {
		logger.Warn("Node shutdown completed with errors",
			zap.Int("error_count", len(shutdownErrors)),
			zap.Errors("errors", shutdownErrors),
			zap.Duration("shutdown_timeout", timeout))
		return
	}
	logger.Info("Node shutdown completed successfully")
}

// closeStore closes the store, retrying transient failures.
func (n *Node) closeStore(ctx context.Context) error {
	var lastErr error
	delay := constants.DBRetryBaseDelay

	for i := 0; i < constants.MaxDBRetries; i++ {
		err := n.store.Close()
		if err == nil {
			return nil
		}
		lastErr = errors.HandleDatabaseError("close", err)
		if !errors.ShouldRetry(lastErr, i+1, constants.MaxDBRetries) {
			return lastErr
		}
		logger.Warn("Failed to close store, retrying...",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", constants.MaxDBRetries),
			zap.Error(lastErr))

		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return fmt.Errorf("store shutdown timed out during retry delay: %w", ctx.Err())
		}
	}
	return fmt.Errorf("store shutdown failed after %d attempts: %w", constants.MaxDBRetries, lastErr)
}
