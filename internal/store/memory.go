package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps everything in process memory. It is the default when no
// durable storage is configured and the store used by engine tests.
type MemoryStore struct {
	mu        sync.RWMutex
	changes   []*Change
	conflicts []*Conflict
	devices   map[string]*ConnectedDevice
	states    map[string]*SyncState
	history   []*SyncHistory
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]*ConnectedDevice),
		states:  make(map[string]*SyncState),
	}
}

func (s *MemoryStore) LoadPendingChanges(ctx context.Context) ([]*Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Change, 0, len(s.changes))
	for _, c := range s.changes {
		out = append(out, c.Clone())
	}
	return out, nil
}

func (s *MemoryStore) SavePendingChanges(ctx context.Context, changes []*Change) error {
	cp := make([]*Change, 0, len(changes))
	for _, c := range changes {
		cp = append(cp, c.Clone())
	}

	s.mu.Lock()
	s.changes = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadConflicts(ctx context.Context) ([]*Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Conflict, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		out = append(out, c.Clone())
	}
	return out, nil
}

func (s *MemoryStore) SaveConflicts(ctx context.Context, conflicts []*Conflict) error {
	cp := make([]*Conflict, 0, len(conflicts))
	for _, c := range conflicts {
		cp = append(cp, c.Clone())
	}

	s.mu.Lock()
	s.conflicts = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListDevices(ctx context.Context) ([]*ConnectedDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ConnectedDevice, 0, len(s.devices))
	for _, d := range s.devices {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpsertDevice(ctx context.Context, device *ConnectedDevice) error {
	cp := *device

	s.mu.Lock()
	s.devices[device.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetSyncState(ctx context.Context, deviceID string) (*SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[deviceID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) UpdateSyncState(ctx context.Context, state *SyncState) error {
	cp := *state

	s.mu.Lock()
	s.states[state.DeviceID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CreateSyncHistory(ctx context.Context, history *SyncHistory) error {
	cp := *history

	s.mu.Lock()
	s.history = append(s.history, &cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpdateSyncHistory(ctx context.Context, history *SyncHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, h := range s.history {
		if h.ID == history.ID {
			cp := *h
			cp.CompletedAt = history.CompletedAt
			cp.TotalChanges = history.TotalChanges
			cp.Transmitted = history.Transmitted
			cp.Failed = history.Failed
			cp.ConflictsDetected = history.ConflictsDetected
			cp.Status = history.Status
			cp.ErrorMessage = history.ErrorMessage
			s.history[i] = &cp
			return nil
		}
	}
	return nil
}

// GetSyncHistory returns the newest entries first.
func (s *MemoryStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*SyncHistory, 0, len(s.history))
	for i := len(s.history) - 1; i >= 0; i-- {
		cp := *s.history[i]
		out = append(out, &cp)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
