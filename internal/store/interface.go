package store

import (
	"context"
)

// Store is the durable side of the sync engine. The engine calls it at
// start-up, after every mutating operation and on shutdown.
type Store interface {
	// Pending changes; Save replaces the persisted queue.
	LoadPendingChanges(ctx context.Context) ([]*Change, error)
	SavePendingChanges(ctx context.Context, changes []*Change) error

	// Conflicts; Save replaces the persisted set.
	LoadConflicts(ctx context.Context) ([]*Conflict, error)
	SaveConflicts(ctx context.Context, conflicts []*Conflict) error

	// Devices
	ListDevices(ctx context.Context) ([]*ConnectedDevice, error)
	UpsertDevice(ctx context.Context, device *ConnectedDevice) error

	// Sync State
	GetSyncState(ctx context.Context, deviceID string) (*SyncState, error)
	UpdateSyncState(ctx context.Context, state *SyncState) error

	// History
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	UpdateSyncHistory(ctx context.Context, history *SyncHistory) error
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error)

	// General
	Close() error
}
