package sync

import (
	"sort"
	"sync"
	"time"

	"device-sync-service/internal/store"
)

// DeviceRegistry tracks devices that recently took part in sync, one entry
// per device id. Entries are never expired here; staleness is judged at read
// time against the online window.
type DeviceRegistry struct {
	mu           sync.RWMutex
	devices      map[string]*store.ConnectedDevice
	onlineWindow time.Duration
}

func NewDeviceRegistry(onlineWindow time.Duration) *DeviceRegistry {
	return &DeviceRegistry{
		devices:      make(map[string]*store.ConnectedDevice),
		onlineWindow: onlineWindow,
	}
}

func (r *DeviceRegistry) Load(devices []*store.ConnectedDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = make(map[string]*store.ConnectedDevice, len(devices))
	for _, d := range devices {
		cp := *d
		r.devices[d.ID] = &cp
	}
}

// Upsert stores d, replacing any entry with the same id, and returns a copy.
func (r *DeviceRegistry) Upsert(d store.ConnectedDevice) *store.ConnectedDevice {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := d
	r.devices[d.ID] = &cp
	out := cp
	return &out
}

// Seen records activity from a device known only by id, such as the origin
// of an ingested remote change. Existing name, type and sync status are
// kept and last-seen never moves backwards.
func (r *DeviceRegistry) Seen(id string, at time.Time) *store.ConnectedDevice {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		d = &store.ConnectedDevice{ID: id, Name: id, Type: "unknown"}
		r.devices[id] = d
	}
	if at.After(d.LastSeen) {
		d.LastSeen = at
	}
	d.Online = true

	out := *d
	return &out
}

func (r *DeviceRegistry) List() []*store.ConnectedDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*store.ConnectedDevice, 0, len(r.devices))
	for _, d := range r.devices {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConnectedCount counts devices flagged online and seen within the window.
func (r *DeviceRegistry) ConnectedCount(now time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, d := range r.devices {
		if d.Online && now.Sub(d.LastSeen) <= r.onlineWindow {
			n++
		}
	}
	return n
}
