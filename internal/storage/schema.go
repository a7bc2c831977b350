package storage

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/Shugur-Network/broker/internal/logger"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaDDL string

var requiredTables = []string{"events", "event_tags", "balances"}

// CreateDatabaseIfNotExists creates dbName when the connected server lacks it.
func (db *DB) CreateDatabaseIfNotExists(ctx context.Context, dbName string) error {
	if !db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`,
		dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}
	if exists {
		logger.Debug("Database already exists", zap.String("database", dbName))
		return nil
	}

	logger.Info("Creating database...", zap.String("database", dbName))
	ident := fmt.Sprintf(`"%s"`, dbName)
	if _, err := db.Pool.Exec(ctx, "CREATE DATABASE "+ident); err != nil {
		return fmt.Errorf("failed to create database %s: %w", dbName, err)
	}
	return nil
}

// InitializeSchema applies the embedded DDL. Every statement is idempotent.
func (db *DB) InitializeSchema(ctx context.Context) error {
	if !db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	logger.Info("Initializing database schema...")
	if _, err := db.Pool.Exec(ctx, schemaDDL); err != nil {
		logger.Error("Failed to initialize database schema", zap.Error(err))
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}
	logger.Info("Database schema initialized")
	return nil
}

// VerifySchema checks if all required tables exist
func (db *DB) VerifySchema(ctx context.Context) error {
	if !db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	for _, table := range requiredTables {
		var exists bool
		err := db.Pool.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_schema = 'public'
				AND table_name = $1
			)`, table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}

	logger.Debug("Database schema verified", zap.Strings("tables", requiredTables))
	return nil
}
