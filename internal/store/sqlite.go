package store

import (
	"context"
	"fmt"

	"device-sync-service/internal/database"
)

var sqliteDialect = dialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS changes (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			payload BLOB,
			origin_timestamp DATETIME NOT NULL,
			device_id TEXT NOT NULL,
			priority TEXT NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_entity ON changes (entity_type, entity_id)`,
		`CREATE TABLE IF NOT EXISTS conflicts (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			local_change_id TEXT NOT NULL,
			remote_change_id TEXT NOT NULL,
			conflict_type TEXT NOT NULL,
			local_data BLOB,
			remote_data BLOB,
			detected_at DATETIME NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT 0,
			awaiting_manual BOOLEAN NOT NULL DEFAULT 0,
			resolution_strategy TEXT NULL,
			resolved_at DATETIME NULL
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			device_type TEXT NOT NULL,
			last_seen DATETIME NOT NULL,
			online BOOLEAN NOT NULL DEFAULT 0,
			last_sync_status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			device_id TEXT PRIMARY KEY,
			last_sync_time DATETIME NULL,
			status TEXT NOT NULL,
			error_message TEXT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_history (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			trigger_reason TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME NULL,
			total_changes INTEGER NOT NULL DEFAULT 0,
			transmitted INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			conflicts_detected INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error_message TEXT NULL
		)`,
	},
	upsertDevice: `INSERT INTO devices (id, name, device_type, last_seen, online, last_sync_status)
			  VALUES (?, ?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  name = excluded.name,
			  device_type = excluded.device_type,
			  last_seen = excluded.last_seen,
			  online = excluded.online,
			  last_sync_status = excluded.last_sync_status`,
	upsertSyncState: `INSERT INTO sync_state (device_id, last_sync_time, status, error_message, updated_at)
			  VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			  ON CONFLICT(device_id) DO UPDATE SET
			  last_sync_time = excluded.last_sync_time,
			  status = excluded.status,
			  error_message = excluded.error_message,
			  updated_at = CURRENT_TIMESTAMP`,
}

type SQLiteStore struct {
	*sqlStore
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := database.NewSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite state store: %w", err)
	}

	s, err := newSQLStore(ctx, db, sqliteDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore: s}, nil
}
