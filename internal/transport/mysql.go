package transport

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"device-sync-service/internal/database"
	"device-sync-service/internal/logger"
	"device-sync-service/internal/store"
	syncengine "device-sync-service/internal/sync"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_changes (
		change_id VARCHAR(64) PRIMARY KEY,
		entity_type VARCHAR(128) NOT NULL,
		entity_id VARCHAR(255) NOT NULL,
		operation VARCHAR(16) NOT NULL,
		payload LONGBLOB NULL,
		device_id VARCHAR(128) NOT NULL,
		priority VARCHAR(16) NOT NULL,
		origin_timestamp DATETIME(6) NOT NULL,
		received_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		INDEX idx_sync_changes_entity (entity_type, entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_records (
		entity_type VARCHAR(128) NOT NULL,
		entity_id VARCHAR(255) NOT NULL,
		payload LONGBLOB NULL,
		deleted TINYINT(1) NOT NULL DEFAULT 0,
		change_id VARCHAR(64) NOT NULL,
		device_id VARCHAR(128) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_changes (
		change_id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload BLOB NULL,
		device_id TEXT NOT NULL,
		priority TEXT NOT NULL,
		origin_timestamp TIMESTAMP NOT NULL,
		received_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS sync_records (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload BLOB NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		change_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	)`,
}

// MySQLTransport transmits changes to the cloud database. Each change is
// appended to the sync_changes journal and applied to sync_records in one
// transaction. A change whose id is already journaled is acknowledged
// without being applied again.
type MySQLTransport struct {
	db *database.Database
}

func NewMySQLTransport(ctx context.Context, db *database.Database) (*MySQLTransport, error) {
	schema := mysqlSchema
	if db.Driver == "sqlite3" {
		schema = sqliteSchema
	}
	for _, stmt := range schema {
		if _, err := db.DB.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create cloud schema: %w", classify(err))
		}
	}
	return &MySQLTransport{db: db}, nil
}

func (t *MySQLTransport) Transmit(ctx context.Context, change *store.Change) error {
	err := t.db.ExecTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sync_changes WHERE change_id = ?", change.ID,
		).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			logger.Log.Debug("Change already transmitted", zap.String("changeID", change.ID))
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO sync_changes
				(change_id, entity_type, entity_id, operation, payload, device_id, priority, origin_timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			change.ID, change.EntityType, change.EntityID, string(change.Operation),
			change.Payload, change.DeviceID, string(change.Priority), change.Timestamp.UTC(),
		)
		if err != nil {
			return err
		}

		return applyRecord(ctx, tx, change)
	})
	if err != nil {
		return fmt.Errorf("failed to transmit change %s: %w", change.ID, classify(err))
	}
	return nil
}

// applyRecord brings sync_records in line with change. Updates and merges
// fall back to an insert when the record does not exist yet.
func applyRecord(ctx context.Context, tx *sql.Tx, change *store.Change) error {
	deleted := 0
	payload := change.Payload
	if change.Operation == store.OperationDelete {
		deleted = 1
		payload = nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sync_records
		SET payload = ?, deleted = ?, change_id = ?, device_id = ?, updated_at = ?
		WHERE entity_type = ? AND entity_id = ?`,
		payload, deleted, change.ID, change.DeviceID, change.Timestamp.UTC(),
		change.EntityType, change.EntityID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_records
			(entity_type, entity_id, payload, deleted, change_id, device_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		change.EntityType, change.EntityID, payload, deleted,
		change.ID, change.DeviceID, change.Timestamp.UTC(),
	)
	return err
}

// classify marks connection-level failures as ErrTransportUnavailable so the
// pass aborts instead of retrying every change against a dead backend.
func classify(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, mysql.ErrInvalidConn),
		errors.Is(err, sql.ErrConnDone),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %v", syncengine.ErrTransportUnavailable, err)
	}
	return err
}
