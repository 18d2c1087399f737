package store

import (
	"database/sql"
	"time"
)

type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationMerge  Operation = "merge"
)

func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationMerge:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank orders priorities from low (0) to critical (3).
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

type ConflictType string

const (
	ConflictSimultaneousEdit ConflictType = "simultaneous_edit"
	ConflictDeletion         ConflictType = "deletion_conflict"
	ConflictDataMismatch     ConflictType = "data_mismatch"
)

func (t ConflictType) Valid() bool {
	switch t {
	case ConflictSimultaneousEdit, ConflictDeletion, ConflictDataMismatch:
		return true
	}
	return false
}

type ResolutionStrategy string

const (
	StrategyUseLocal  ResolutionStrategy = "use_local"
	StrategyUseRemote ResolutionStrategy = "use_remote"
	StrategyMerge     ResolutionStrategy = "merge"
	StrategyManual    ResolutionStrategy = "manual"
)

func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyUseLocal, StrategyUseRemote, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

type SyncStatus string

const (
	StatusIdle     SyncStatus = "idle"
	StatusSyncing  SyncStatus = "syncing"
	StatusPaused   SyncStatus = "paused"
	StatusError    SyncStatus = "error"
	StatusOffline  SyncStatus = "offline"
	StatusConflict SyncStatus = "conflict"
)

func (s SyncStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusSyncing, StatusPaused, StatusError, StatusOffline, StatusConflict:
		return true
	}
	return false
}

type NetworkStatus string

const (
	NetworkDisconnected NetworkStatus = "disconnected"
	NetworkWifi         NetworkStatus = "wifi"
	NetworkCellular     NetworkStatus = "cellular"
	NetworkConnected    NetworkStatus = "connected"
)

func (n NetworkStatus) Valid() bool {
	switch n {
	case NetworkDisconnected, NetworkWifi, NetworkCellular, NetworkConnected:
		return true
	}
	return false
}

func (n NetworkStatus) Online() bool {
	return n != NetworkDisconnected && n != ""
}

// Change is one local (or ingested remote) mutation waiting to be synced.
// Seq records submission order and is assigned by the queue.
type Change struct {
	ID         string    `db:"id" json:"id"`
	Seq        int64     `db:"seq" json:"seq"`
	EntityType string    `db:"entity_type" json:"entityType"`
	EntityID   string    `db:"entity_id" json:"entityId"`
	Operation  Operation `db:"operation" json:"operation"`
	Payload    []byte    `db:"payload" json:"payload,omitempty"`
	Timestamp  time.Time `db:"origin_timestamp" json:"timestamp"`
	DeviceID   string    `db:"device_id" json:"deviceId"`
	Priority   Priority  `db:"priority" json:"priority"`
	Resolved   bool      `db:"resolved" json:"resolved"`
}

func (c *Change) Clone() *Change {
	cp := *c
	if c.Payload != nil {
		cp.Payload = append([]byte(nil), c.Payload...)
	}
	return &cp
}

// Conflict pairs two changes to the same entity. LocalChangeID is always the
// earlier of the two; LocalData and RemoteData keep copies of the payloads
// for audit once the changes themselves are archived.
type Conflict struct {
	ID             string              `db:"id" json:"id"`
	EntityType     string              `db:"entity_type" json:"entityType"`
	EntityID       string              `db:"entity_id" json:"entityId"`
	LocalChangeID  string              `db:"local_change_id" json:"localChangeId"`
	RemoteChangeID string              `db:"remote_change_id" json:"remoteChangeId"`
	Type           ConflictType        `db:"conflict_type" json:"type"`
	LocalData      []byte              `db:"local_data" json:"localData,omitempty"`
	RemoteData     []byte              `db:"remote_data" json:"remoteData,omitempty"`
	DetectedAt     time.Time           `db:"detected_at" json:"detectedAt"`
	Resolved       bool                `db:"resolved" json:"resolved"`
	AwaitingManual bool                `db:"awaiting_manual" json:"awaitingManual"`
	Resolution     *ResolutionStrategy `db:"resolution_strategy" json:"resolution,omitempty"`
	ResolvedAt     *time.Time          `db:"resolved_at" json:"resolvedAt,omitempty"`
}

func (c *Conflict) Clone() *Conflict {
	cp := *c
	if c.Resolution != nil {
		r := *c.Resolution
		cp.Resolution = &r
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Involves reports whether changeID is one side of the conflict.
func (c *Conflict) Involves(changeID string) bool {
	return c.LocalChangeID == changeID || c.RemoteChangeID == changeID
}

type ConnectedDevice struct {
	ID             string     `db:"id" json:"id"`
	Name           string     `db:"name" json:"name"`
	Type           string     `db:"device_type" json:"type"`
	LastSeen       time.Time  `db:"last_seen" json:"lastSeen"`
	Online         bool       `db:"online" json:"online"`
	LastSyncStatus SyncStatus `db:"last_sync_status" json:"lastSyncStatus"`
}

type SyncState struct {
	DeviceID     string         `db:"device_id"`
	LastSyncTime sql.NullTime   `db:"last_sync_time"`
	Status       string         `db:"status"`
	ErrorMessage sql.NullString `db:"error_message"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

type SyncHistory struct {
	ID                string         `db:"id" json:"id"`
	DeviceID          string         `db:"device_id" json:"deviceId"`
	Trigger           string         `db:"trigger_reason" json:"trigger"`
	StartedAt         time.Time      `db:"started_at" json:"startedAt"`
	CompletedAt       sql.NullTime   `db:"completed_at" json:"completedAt"`
	TotalChanges      int            `db:"total_changes" json:"totalChanges"`
	Transmitted       int            `db:"transmitted" json:"transmitted"`
	Failed            int            `db:"failed" json:"failed"`
	ConflictsDetected int            `db:"conflicts_detected" json:"conflictsDetected"`
	Status            string         `db:"status" json:"status"`
	ErrorMessage      sql.NullString `db:"error_message" json:"errorMessage"`
}
