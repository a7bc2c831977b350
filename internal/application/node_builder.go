package application

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
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

	"go.uber.org/zap"
)

// NodeBuilder is used to incrementally construct a Node instance.
type NodeBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	store    storage.Store
	admin    *identity.AdminIdentity
	state    *registry.State
	bus      *fanout.Bus
	engine   *fanout.Engine
	pipeline *admission.Pipeline
	server   *relay.Server
	mirror   *mirror.Mirror
}

// NewNodeBuilder creates a new NodeBuilder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, cfg *config.Config) *NodeBuilder {
	c, cancel := context.WithCancel(ctx)
	return &NodeBuilder{
		ctx:    c,
		cancel: cancel,
		config: cfg,
	}
}

// replaceDBNameInURL replaces the database name in a PostgreSQL connection URL.
func replaceDBNameInURL(connURL, newDB string) string {
	u, err := url.Parse(connURL)
	if err != nil || u.Scheme == "" {
		return connURL
	}
	u.Path = "/" + newDB
	return u.String()
}

func dbNameFromURL(connURL string) string {
	u, err := url.Parse(connURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}

// OpenStore connects the configured event store. For postgres it makes sure
// the database and schema exist and warms the duplicate filter.
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("Using in-memory event store; nothing survives a restart")
		return storage.NewMemoryStore(), nil
	}

	dsn := cfg.Database.DSN()
	dbName := cfg.Database.Name
	if dbName == "" {
		dbName = dbNameFromURL(dsn)
	}
	if dbName == "" {
		dbName = constants.DatabaseName
	}
	maxConns := cfg.Relay.ThrottlingConfig.MaxConnections

	// Self-hosted servers get the database created through the default
	// one. A full URL means a managed database, assumed provisioned.
	if cfg.Database.URL == "" {
		adminDSN := replaceDBNameInURL(dsn, "postgres")
		adminConn, err := storage.InitDB(ctx, adminDSN, maxConns)
		if err != nil {
			logger.Warn("Connection to default database failed; assuming target is provisioned", zap.Error(err))
		} else {
			if err := adminConn.CreateDatabaseIfNotExists(ctx, dbName); err != nil {
				logger.Warn("CreateDatabaseIfNotExists failed; continuing", zap.Error(err))
			}
			if err := adminConn.Close(); err != nil {
				logger.Warn("Failed to close default database connection", zap.Error(err))
			}
		}
	}

	logger.Info("Connecting to target database...", zap.String("db", dbName))
	db, err := storage.InitDB(ctx, replaceDBNameInURL(dsn, dbName), maxConns)
	if err != nil {
		return nil, errors.DatabaseConnectionError(err)
	}

	if err := db.InitializeSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.VerifySchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema verification failed: %w", err)
	}

	if count, err := db.EventCount(ctx); err != nil {
		logger.Warn("Failed to get initial event count for metrics", zap.Error(err))
	} else {
		metrics.EventsStored.Set(float64(count))
		logger.Info("Initialized EventsStored metric", zap.Int64("count", count))
	}

	if err := db.RebuildBloomFilter(ctx); err != nil {
		logger.Warn("Failed to rebuild bloom filter", zap.Error(err))
	}
	return db, nil
}

// BuildStore opens the event store.
func (b *NodeBuilder) BuildStore() error {
	store, err := OpenStore(b.ctx, b.config)
	if err != nil {
		b.cancel()
		return err
	}
	b.store = store
	return nil
}

// BuildIdentity resolves the admin key, generating one under the data
// directory on first run when none is configured.
func (b *NodeBuilder) BuildIdentity() error {
	adm := b.config.Admission
	keyFile := adm.AdminKeyFile
	if keyFile == "" {
		keyFile = filepath.Join(b.config.General.DataDir, identity.DefaultKeyFileName)
	}

	id, err := identity.Resolve(strings.ToLower(adm.AdminPubKey), keyFile)
	if err != nil {
		return errors.ConfigurationError("ADMISSION.ADMIN_PUBKEY", err.Error())
	}
	b.admin = id

	if id.Generated {
		logger.Warn("Generated a new admin key",
			zap.String("pubkey", id.PublicKey),
			zap.String("key_file", keyFile))
	} else {
		logger.Info("Admin identity loaded", zap.String("pubkey", id.PublicKey))
	}
	return nil
}

// BuildEngine assembles the registry, the fan-out bus and the admission
// pipeline on top of the store.
func (b *NodeBuilder) BuildEngine() {
	b.state = registry.NewState()
	b.bus = fanout.NewBus()
	b.engine = fanout.NewEngine(b.state, b.bus)
	b.pipeline = admission.New(b.config, b.store, b.engine, b.admin.PublicKey)
}

// BuildServer creates the websocket front end. It must run before any
// other bus consumer so live delivery stays first in line.
func (b *NodeBuilder) BuildServer() {
	b.server = relay.NewServer(b.config, b.state, b.store, b.pipeline, b.bus)
	if b.admin.Generated {
		b.server.SetAdminNotice(fmt.Sprintf(
			"admin key generated: pubkey %s, private key saved to the relay data directory", b.admin.PublicKey))
	}
}

// BuildMirror connects the optional AMQP mirror.
func (b *NodeBuilder) BuildMirror() error {
	mc := b.config.Mirror
	if !mc.Enabled {
		return nil
	}
	m, err := mirror.Dial(mc)
	if err != nil {
		return errors.ExternalServiceError("amqp", "dial", err)
	}
	b.mirror = m
	logger.Info("Mirror connected", zap.String("exchange", mc.Exchange))
	return nil
}

// Build finalizes the node construction.
func (b *NodeBuilder) Build() (*Node, error) {
	if b.store == nil {
		return nil, fmt.Errorf("store must be built before calling Build()")
	}
	if b.pipeline == nil {
		return nil, fmt.Errorf("engine must be built before calling Build()")
	}
	if b.server == nil {
		return nil, fmt.Errorf("server must be built before calling Build()")
	}

	node := &Node{
		ctx:       b.ctx,
		cancel:    b.cancel,
		config:    b.config,
		store:     b.store,
		admin:     b.admin,
		state:     b.state,
		bus:       b.bus,
		engine:    b.engine,
		pipeline:  b.pipeline,
		server:    b.server,
		mirror:    b.mirror,
		startTime: time.Now(),
	}

	logger.Debug("Node initialized successfully via builder")
	return node, nil
}
