package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/Shugur-Network/broker/internal/constants"
	"github.com/Shugur-Network/broker/internal/logger"
	"github.com/Shugur-Network/broker/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/willf/bloom"

	"go.uber.org/zap"
)

// DBState represents the current state of the database connection
type DBState int

const (
	DBStateInitial DBState = iota
	DBStateConnecting
	DBStateConnected
	DBStateDisconnecting
	DBStateClosed
)

// Postgres error codes worth retrying.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// DB is the Postgres-backed Store.
type DB struct {
	Pool *pgxpool.Pool

	// bloom remembers every stored id; a miss skips the existence query.
	bloom   *bloom.BloomFilter
	bloomMu sync.RWMutex

	state   DBState
	stateMu sync.RWMutex
}

var _ Store = (*DB)(nil)

// createPoolBasedOnLoad sizes the pool from the websocket connection limit.
func createPoolBasedOnLoad(ctx context.Context, dsn string, maxWSConnections int) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URI: %w", err)
	}

	var maxConns, minConns int32
	var scaleType string
	switch {
	case maxWSConnections <= 200:
		maxConns, minConns = constants.DBPoolSmallMaxConns, constants.DBPoolSmallMinConns
		scaleType = "small"
	case maxWSConnections <= 2000:
		maxConns, minConns = constants.DBPoolMediumMaxConns, constants.DBPoolMediumMinConns
		scaleType = "medium"
	default:
		maxConns, minConns = constants.DBPoolLargeMaxConns, constants.DBPoolLargeMinConns
		scaleType = "large"
	}

	config.MaxConns = maxConns
	config.MinConns = minConns
	config.MaxConnLifetime = constants.DBConnMaxLifetime
	config.MaxConnIdleTime = constants.DBConnMaxIdleTime
	config.ConnConfig.ConnectTimeout = constants.DBConnAcquireTimeout
	config.HealthCheckPeriod = 30 * time.Second

	logger.Info("Database connection pool configured based on load",
		zap.String("scale_type", scaleType),
		zap.Int("max_ws_connections", maxWSConnections),
		zap.Int32("db_max_conns", maxConns),
		zap.Int32("db_min_conns", minConns))

	return pgxpool.NewWithConfig(ctx, config)
}

// InitDB connects with exponential backoff and prepares the id bloom filter.
func InitDB(ctx context.Context, dsn string, maxWSConnections int) (*DB, error) {
	var err error
	backoff := constants.DBConnectBackoff

	db := &DB{state: DBStateConnecting}

	for attempt := 1; attempt <= constants.DBConnectAttempts; attempt++ {
		var pool *pgxpool.Pool
		pool, err = createPoolBasedOnLoad(ctx, dsn, maxWSConnections)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				db.Pool = pool
				db.bloom = bloom.NewWithEstimates(constants.BloomExpectedItems, constants.BloomFalsePositive)
				db.setState(DBStateConnected)

				stat := pool.Stat()
				logger.Info("DB connected",
					zap.Int("attempts", attempt),
					zap.Int32("db_max_connections", stat.MaxConns()),
					zap.Int32("db_total_connections", stat.TotalConns()))
				metrics.DBOperations.WithLabelValues("connect").Inc()
				return db, nil
			}
			pool.Close()
		}

		logger.Warn("Failed to connect to DB, retrying...",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))
		metrics.DBErrors.WithLabelValues("connect").Inc()

		select {
		case <-ctx.Done():
			db.setState(DBStateClosed)
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	db.setState(DBStateClosed)
	return nil, fmt.Errorf("failed to connect to DB after %d attempts: %w", constants.DBConnectAttempts, err)
}

// Close implements Store.
func (db *DB) Close() error {
	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	if db.state == DBStateDisconnecting || db.state == DBStateClosed {
		return nil
	}
	if db.Pool == nil {
		return fmt.Errorf("database pool is nil")
	}
	db.state = DBStateDisconnecting
	db.Pool.Close()
	db.state = DBStateClosed
	logger.Debug("Database connection closed")
	return nil
}

// Ping implements Store.
func (db *DB) Ping(ctx context.Context) error {
	if db.Pool == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, constants.HealthCheckTimeout)
	defer cancel()
	return db.Pool.Ping(ctx)
}

func (db *DB) setState(s DBState) {
	db.stateMu.Lock()
	db.state = s
	db.stateMu.Unlock()
}

func (db *DB) isConnected() bool {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	return db.state == DBStateConnected
}

func (db *DB) mightHave(id string) bool {
	db.bloomMu.RLock()
	defer db.bloomMu.RUnlock()
	return db.bloom.TestString(id)
}

func (db *DB) remember(id string) {
	db.bloomMu.Lock()
	db.bloom.AddString(id)
	db.bloomMu.Unlock()
}

// RebuildBloomFilter loads every stored id into the bloom filter.
func (db *DB) RebuildBloomFilter(ctx context.Context) error {
	if !db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	logger.Info("Rebuilding Bloom filter from database...")
	rows, err := db.Pool.Query(ctx, `SELECT id FROM events`)
	if err != nil {
		metrics.DBErrors.WithLabelValues("bloom_rebuild").Inc()
		return fmt.Errorf("fetch event ids: %w", err)
	}
	defer rows.Close()

	fresh := bloom.NewWithEstimates(constants.BloomExpectedItems, constants.BloomFalsePositive)
	count := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan event id: %w", err)
		}
		fresh.AddString(id)
		count++
	}
	if err := rows.Err(); err != nil {
		metrics.DBErrors.WithLabelValues("bloom_rebuild").Inc()
		return err
	}

	db.bloomMu.Lock()
	db.bloom = fresh
	db.bloomMu.Unlock()

	logger.Info("Bloom filter rebuilt", zap.Int("total_events", count))
	return nil
}

// executeWithRetry reruns f on serialization failures and deadlocks.
func (db *DB) executeWithRetry(ctx context.Context, op string, f func(context.Context) error) error {
	var lastErr error
	for i := 0; i < constants.MaxDBRetries; i++ {
		err := f(ctx)
		if err == nil || isOutcome(err) {
			metrics.DBOperations.WithLabelValues(op).Inc()
			return err
		}
		if !isRetryable(err) {
			metrics.DBErrors.WithLabelValues(op).Inc()
			return err
		}
		lastErr = err
		logger.Debug("Retrying database operation", zap.String("operation", op), zap.Int("attempt", i+1), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(1<<i) * constants.DBRetryBaseDelay):
		}
	}
	metrics.DBErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("%s failed after %d retries: %w", op, constants.MaxDBRetries, lastErr)
}

// isOutcome reports errors that are answers rather than failures.
func isOutcome(err error) bool {
	return stderrors.Is(err, ErrDuplicate) ||
		stderrors.Is(err, ErrInsufficientBalance) ||
		stderrors.Is(err, errSupersededTx)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}

// inTx runs f in a transaction, rolling back unless f and the commit succeed.
func (db *DB) inTx(ctx context.Context, f func(pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// no-op after a successful commit
		_ = tx.Rollback(ctx)
	}()

	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Stats returns database connection pool statistics
func (db *DB) Stats() DatabaseStats {
	if db.Pool == nil {
		return DatabaseStats{}
	}
	stat := db.Pool.Stat()
	return DatabaseStats{
		OpenConnections:    int(stat.TotalConns()),
		InUse:              int(stat.AcquiredConns()),
		Idle:               int(stat.IdleConns()),
		MaxOpenConnections: int(stat.MaxConns()),
	}
}

// DatabaseStats represents database connection pool statistics
type DatabaseStats struct {
	OpenConnections    int
	InUse              int
	Idle               int
	MaxOpenConnections int
}
