package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"device-sync-service/internal/store"
)

// DebugSnapshot is the serialized view of the engine returned by
// ExportDebugSnapshot. Payload bytes are base64 encoded by encoding/json.
type DebugSnapshot struct {
	Status          store.SyncStatus         `json:"status"`
	Paused          bool                     `json:"paused"`
	NetworkStatus   store.NetworkStatus      `json:"networkStatus"`
	LastSync        *time.Time               `json:"lastSync,omitempty"`
	Progress        float64                  `json:"progress"`
	ArchivedChanges int                      `json:"archivedChanges"`
	Changes         []*store.Change          `json:"changes"`
	Conflicts       []*store.Conflict        `json:"conflicts"`
	Devices         []*store.ConnectedDevice `json:"devices"`
}

func (m *Manager) Snapshot() *DebugSnapshot {
	snap := &DebugSnapshot{
		Changes: m.queue.All(),
		Devices: m.devices.List(),
	}
	snap.ArchivedChanges = m.queue.Archived()

	m.mu.Lock()
	defer m.mu.Unlock()

	snap.Status = m.statusLocked()
	snap.Paused = m.paused
	snap.NetworkStatus = m.network
	snap.Progress = m.progress
	if m.lastSync != nil {
		t := *m.lastSync
		snap.LastSync = &t
	}
	snap.Conflicts = make([]*store.Conflict, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		snap.Conflicts = append(snap.Conflicts, c.Clone())
	}
	return snap
}

func (m *Manager) ExportDebugSnapshot() ([]byte, error) {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// ImportDebugSnapshot replaces the engine state with a snapshot produced by
// ExportDebugSnapshot and persists it. A snapshot taken mid-pass restores
// as idle. It fails while a pass is running, and leaves the state untouched
// when the snapshot does not validate.
func (m *Manager) ImportDebugSnapshot(ctx context.Context, data []byte) error {
	var snap DebugSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if err := validateSnapshot(&snap); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.syncing {
		return ErrSyncInProgress
	}

	prev := m.statusLocked()

	m.queue.Load(snap.Changes, snap.ArchivedChanges)
	m.devices.Load(snap.Devices)
	m.conflicts = snap.Conflicts
	if m.conflicts == nil {
		m.conflicts = []*store.Conflict{}
	}
	m.lastSync = snap.LastSync
	m.progress = snap.Progress
	if snap.NetworkStatus != "" {
		m.network = snap.NetworkStatus
	}

	m.paused = snap.Paused || snap.Status == store.StatusPaused
	switch snap.Status {
	case store.StatusError, store.StatusConflict:
		m.outcome = snap.Status
	default:
		m.outcome = store.StatusIdle
		if m.hasOpenConflictsLocked() {
			m.outcome = store.StatusConflict
		}
	}

	m.persistLocked(ctx)
	for _, d := range snap.Devices {
		if err := m.store.UpsertDevice(ctx, d); err != nil {
			return fmt.Errorf("failed to persist device %s: %w", d.ID, err)
		}
	}
	m.notifyLocked(prev)
	return nil
}

// validateSnapshot checks that snap describes a state the engine could have
// produced: well-formed changes with unique ids, devices with ids, and
// conflicts that reference two changes to the conflict's own entity. Open
// conflicts must reference queued, unresolved changes and at most one may be
// open per entity. Resolved conflicts may reference archived changes.
func validateSnapshot(snap *DebugSnapshot) error {
	if snap.Status != "" && !snap.Status.Valid() {
		return fmt.Errorf("unknown status %q", snap.Status)
	}
	if snap.NetworkStatus != "" && !snap.NetworkStatus.Valid() {
		return fmt.Errorf("unknown network status %q", snap.NetworkStatus)
	}
	if snap.Progress < 0 || snap.Progress > 1 {
		return fmt.Errorf("progress %v outside [0,1]", snap.Progress)
	}
	if snap.ArchivedChanges < 0 {
		return fmt.Errorf("negative archived change count %d", snap.ArchivedChanges)
	}

	changes := make(map[string]*store.Change, len(snap.Changes))
	for i, c := range snap.Changes {
		if c == nil {
			return fmt.Errorf("change %d is null", i)
		}
		if c.ID == "" {
			return fmt.Errorf("change %d has no id", i)
		}
		if _, dup := changes[c.ID]; dup {
			return fmt.Errorf("duplicate change id %s", c.ID)
		}
		if err := validateChange(c); err != nil {
			return fmt.Errorf("change %s: %w", c.ID, err)
		}
		changes[c.ID] = c
	}

	conflicts := make(map[string]bool, len(snap.Conflicts))
	open := make(map[entityKey]string)
	for i, c := range snap.Conflicts {
		if c == nil {
			return fmt.Errorf("conflict %d is null", i)
		}
		if c.ID == "" {
			return fmt.Errorf("conflict %d has no id", i)
		}
		if conflicts[c.ID] {
			return fmt.Errorf("duplicate conflict id %s", c.ID)
		}
		conflicts[c.ID] = true
		if c.EntityType == "" || c.EntityID == "" {
			return fmt.Errorf("conflict %s has no entity", c.ID)
		}
		if !c.Type.Valid() {
			return fmt.Errorf("conflict %s has unknown type %q", c.ID, c.Type)
		}
		if c.LocalChangeID == "" || c.RemoteChangeID == "" || c.LocalChangeID == c.RemoteChangeID {
			return fmt.Errorf("conflict %s must reference two distinct changes", c.ID)
		}
		if c.Resolution != nil && !c.Resolution.Valid() {
			return fmt.Errorf("conflict %s has unknown resolution %q", c.ID, *c.Resolution)
		}

		key := entityKey{Type: c.EntityType, ID: c.EntityID}
		for _, id := range []string{c.LocalChangeID, c.RemoteChangeID} {
			ch, ok := changes[id]
			if !ok {
				if !c.Resolved {
					return fmt.Errorf("open conflict %s references unknown change %s", c.ID, id)
				}
				continue
			}
			if entityOf(ch) != key {
				return fmt.Errorf("conflict %s references change %s of another entity", c.ID, id)
			}
			if !c.Resolved && ch.Resolved {
				return fmt.Errorf("open conflict %s references resolved change %s", c.ID, id)
			}
		}

		if !c.Resolved {
			if other, ok := open[key]; ok {
				return fmt.Errorf("conflicts %s and %s are both open for %s/%s", other, c.ID, c.EntityType, c.EntityID)
			}
			open[key] = c.ID
		}
	}

	for i, d := range snap.Devices {
		if d == nil {
			return fmt.Errorf("device %d is null", i)
		}
		if d.ID == "" {
			return fmt.Errorf("device %d has no id", i)
		}
	}
	return nil
}
