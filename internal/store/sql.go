package store

import (
	"context"
	"database/sql"
	"fmt"

	"device-sync-service/internal/database"
)

// dialect holds the statements that differ between MySQL and SQLite.
type dialect struct {
	schema          []string
	upsertDevice    string
	upsertSyncState string
}

// sqlStore implements Store on top of database/sql. Both supported drivers
// use "?" placeholders, so only DDL and upserts are dialect specific.
type sqlStore struct {
	db      *database.Database
	dialect dialect
}

func newSQLStore(ctx context.Context, db *database.Database, d dialect) (*sqlStore, error) {
	for _, stmt := range d.schema {
		if _, err := db.DB.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return &sqlStore{db: db, dialect: d}, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) LoadPendingChanges(ctx context.Context) ([]*Change, error) {
	query := `SELECT id, seq, entity_type, entity_id, operation, payload, origin_timestamp, device_id, priority, resolved
			  FROM changes ORDER BY seq ASC`

	rows, err := s.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []*Change
	for rows.Next() {
		var c Change
		err := rows.Scan(
			&c.ID,
			&c.Seq,
			&c.EntityType,
			&c.EntityID,
			&c.Operation,
			&c.Payload,
			&c.Timestamp,
			&c.DeviceID,
			&c.Priority,
			&c.Resolved,
		)
		if err != nil {
			return nil, err
		}
		changes = append(changes, &c)
	}

	return changes, rows.Err()
}

func (s *sqlStore) SavePendingChanges(ctx context.Context, changes []*Change) error {
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM changes`); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO changes (id, seq, entity_type, entity_id, operation, payload, origin_timestamp, device_id, priority, resolved)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range changes {
			_, err := stmt.ExecContext(ctx,
				c.ID,
				c.Seq,
				c.EntityType,
				c.EntityID,
				string(c.Operation),
				c.Payload,
				c.Timestamp.UTC(),
				c.DeviceID,
				string(c.Priority),
				c.Resolved,
			)
			if err != nil {
				return fmt.Errorf("failed to save change %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

func (s *sqlStore) LoadConflicts(ctx context.Context) ([]*Conflict, error) {
	query := `SELECT id, entity_type, entity_id, local_change_id, remote_change_id, conflict_type, local_data, remote_data,
			  detected_at, resolved, awaiting_manual, resolution_strategy, resolved_at
			  FROM conflicts ORDER BY detected_at ASC, id ASC`

	rows, err := s.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		var (
			c          Conflict
			strategy   sql.NullString
			resolvedAt sql.NullTime
		)
		err := rows.Scan(
			&c.ID,
			&c.EntityType,
			&c.EntityID,
			&c.LocalChangeID,
			&c.RemoteChangeID,
			&c.Type,
			&c.LocalData,
			&c.RemoteData,
			&c.DetectedAt,
			&c.Resolved,
			&c.AwaitingManual,
			&strategy,
			&resolvedAt,
		)
		if err != nil {
			return nil, err
		}
		if strategy.Valid {
			r := ResolutionStrategy(strategy.String)
			c.Resolution = &r
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			c.ResolvedAt = &t
		}
		conflicts = append(conflicts, &c)
	}

	return conflicts, rows.Err()
}

func (s *sqlStore) SaveConflicts(ctx context.Context, conflicts []*Conflict) error {
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conflicts`); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO conflicts (id, entity_type, entity_id, local_change_id, remote_change_id, conflict_type,
			  local_data, remote_data, detected_at, resolved, awaiting_manual, resolution_strategy, resolved_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range conflicts {
			var strategy sql.NullString
			if c.Resolution != nil {
				strategy = sql.NullString{String: string(*c.Resolution), Valid: true}
			}
			var resolvedAt sql.NullTime
			if c.ResolvedAt != nil {
				resolvedAt = sql.NullTime{Time: c.ResolvedAt.UTC(), Valid: true}
			}
			_, err := stmt.ExecContext(ctx,
				c.ID,
				c.EntityType,
				c.EntityID,
				c.LocalChangeID,
				c.RemoteChangeID,
				string(c.Type),
				c.LocalData,
				c.RemoteData,
				c.DetectedAt.UTC(),
				c.Resolved,
				c.AwaitingManual,
				strategy,
				resolvedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to save conflict %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

func (s *sqlStore) ListDevices(ctx context.Context) ([]*ConnectedDevice, error) {
	query := `SELECT id, name, device_type, last_seen, online, last_sync_status FROM devices ORDER BY id ASC`

	rows, err := s.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*ConnectedDevice
	for rows.Next() {
		var d ConnectedDevice
		if err := rows.Scan(&d.ID, &d.Name, &d.Type, &d.LastSeen, &d.Online, &d.LastSyncStatus); err != nil {
			return nil, err
		}
		devices = append(devices, &d)
	}

	return devices, rows.Err()
}

func (s *sqlStore) UpsertDevice(ctx context.Context, d *ConnectedDevice) error {
	_, err := s.db.DB.ExecContext(ctx, s.dialect.upsertDevice,
		d.ID,
		d.Name,
		d.Type,
		d.LastSeen.UTC(),
		d.Online,
		string(d.LastSyncStatus),
	)
	return err
}

func (s *sqlStore) GetSyncState(ctx context.Context, deviceID string) (*SyncState, error) {
	query := `SELECT device_id, last_sync_time, status, error_message, updated_at FROM sync_state WHERE device_id = ?`

	row := s.db.DB.QueryRowContext(ctx, query, deviceID)

	var state SyncState
	err := row.Scan(
		&state.DeviceID,
		&state.LastSyncTime,
		&state.Status,
		&state.ErrorMessage,
		&state.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &state, nil
}

func (s *sqlStore) UpdateSyncState(ctx context.Context, state *SyncState) error {
	_, err := s.db.DB.ExecContext(ctx, s.dialect.upsertSyncState,
		state.DeviceID,
		state.LastSyncTime,
		state.Status,
		state.ErrorMessage,
	)
	return err
}

func (s *sqlStore) CreateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `INSERT INTO sync_history (id, device_id, trigger_reason, started_at, completed_at, total_changes, transmitted, failed, conflicts_detected, status, error_message)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		history.ID,
		history.DeviceID,
		history.Trigger,
		history.StartedAt.UTC(),
		history.CompletedAt,
		history.TotalChanges,
		history.Transmitted,
		history.Failed,
		history.ConflictsDetected,
		history.Status,
		history.ErrorMessage,
	)

	return err
}

func (s *sqlStore) UpdateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `UPDATE sync_history SET completed_at = ?, total_changes = ?, transmitted = ?, failed = ?, conflicts_detected = ?, status = ?, error_message = ? WHERE id = ?`

	_, err := s.db.DB.ExecContext(ctx, query,
		history.CompletedAt,
		history.TotalChanges,
		history.Transmitted,
		history.Failed,
		history.ConflictsDetected,
		history.Status,
		history.ErrorMessage,
		history.ID,
	)

	return err
}

func (s *sqlStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	query := `SELECT id, device_id, trigger_reason, started_at, completed_at, total_changes, transmitted, failed, conflicts_detected, status, error_message
			  FROM sync_history ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*SyncHistory
	for rows.Next() {
		var h SyncHistory
		err := rows.Scan(
			&h.ID,
			&h.DeviceID,
			&h.Trigger,
			&h.StartedAt,
			&h.CompletedAt,
			&h.TotalChanges,
			&h.Transmitted,
			&h.Failed,
			&h.ConflictsDetected,
			&h.Status,
			&h.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		history = append(history, &h)
	}

	return history, rows.Err()
}
