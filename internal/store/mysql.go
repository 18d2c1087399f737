package store

import (
	"context"
	"fmt"

	"device-sync-service/internal/config"
	"device-sync-service/internal/database"
)

var mysqlDialect = dialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS changes (
			id VARCHAR(64) PRIMARY KEY,
			seq BIGINT NOT NULL,
			entity_type VARCHAR(128) NOT NULL,
			entity_id VARCHAR(255) NOT NULL,
			operation VARCHAR(16) NOT NULL,
			payload LONGBLOB,
			origin_timestamp DATETIME(6) NOT NULL,
			device_id VARCHAR(128) NOT NULL,
			priority VARCHAR(16) NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			INDEX idx_changes_entity (entity_type, entity_id)
		)`,
		`CREATE TABLE IF NOT EXISTS conflicts (
			id VARCHAR(64) PRIMARY KEY,
			entity_type VARCHAR(128) NOT NULL,
			entity_id VARCHAR(255) NOT NULL,
			local_change_id VARCHAR(64) NOT NULL,
			remote_change_id VARCHAR(64) NOT NULL,
			conflict_type VARCHAR(32) NOT NULL,
			local_data LONGBLOB,
			remote_data LONGBLOB,
			detected_at DATETIME(6) NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			awaiting_manual BOOLEAN NOT NULL DEFAULT FALSE,
			resolution_strategy VARCHAR(16) NULL,
			resolved_at DATETIME(6) NULL
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id VARCHAR(128) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			device_type VARCHAR(64) NOT NULL,
			last_seen DATETIME(6) NOT NULL,
			online BOOLEAN NOT NULL DEFAULT FALSE,
			last_sync_status VARCHAR(16) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			device_id VARCHAR(128) PRIMARY KEY,
			last_sync_time DATETIME(6) NULL,
			status VARCHAR(16) NOT NULL,
			error_message TEXT NULL,
			updated_at DATETIME(6) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_history (
			id VARCHAR(64) PRIMARY KEY,
			device_id VARCHAR(128) NOT NULL,
			trigger_reason VARCHAR(32) NOT NULL,
			started_at DATETIME(6) NOT NULL,
			completed_at DATETIME(6) NULL,
			total_changes INT NOT NULL DEFAULT 0,
			transmitted INT NOT NULL DEFAULT 0,
			failed INT NOT NULL DEFAULT 0,
			conflicts_detected INT NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL,
			error_message TEXT NULL
		)`,
	},
	upsertDevice: `INSERT INTO devices (id, name, device_type, last_seen, online, last_sync_status)
			  VALUES (?, ?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE
			  name = VALUES(name),
			  device_type = VALUES(device_type),
			  last_seen = VALUES(last_seen),
			  online = VALUES(online),
			  last_sync_status = VALUES(last_sync_status)`,
	upsertSyncState: `INSERT INTO sync_state (device_id, last_sync_time, status, error_message, updated_at)
			  VALUES (?, ?, ?, ?, NOW(6))
			  ON DUPLICATE KEY UPDATE
			  last_sync_time = VALUES(last_sync_time),
			  status = VALUES(status),
			  error_message = VALUES(error_message),
			  updated_at = NOW(6)`,
}

type MySQLStore struct {
	*sqlStore
}

func NewMySQLStore(ctx context.Context, cfg config.StateStorage) (*MySQLStore, error) {
	db, err := database.NewDatabase(cfg.Connection(), 30)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql state store: %w", err)
	}

	s, err := newSQLStore(ctx, db, mysqlDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &MySQLStore{sqlStore: s}, nil
}
