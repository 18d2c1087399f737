package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"device-sync-service/internal/config"
	"device-sync-service/internal/store"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type testIdentity struct{ id string }

func (i testIdentity) CurrentDeviceID() string   { return i.id }
func (i testIdentity) CurrentDeviceName() string { return "Device " + i.id }
func (i testIdentity) CurrentDeviceType() string { return "phone" }

type fakeClock struct {
	mu  gosync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{now: at}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

// fakeTransport records transmitted change ids. fail, when set, decides the
// error for each attempt.
type fakeTransport struct {
	mu       gosync.Mutex
	sent     []string
	attempts map[string]int
	fail     func(change *store.Change, attempt int) error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{attempts: make(map[string]int)}
}

func (f *fakeTransport) Transmit(ctx context.Context, change *store.Change) error {
	f.mu.Lock()
	f.attempts[change.ID]++
	attempt := f.attempts[change.ID]
	fail := f.fail
	f.mu.Unlock()

	if fail != nil {
		if err := fail(change, attempt); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.sent = append(f.sent, change.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) Attempts(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[id]
}

var errUnreachable = fmt.Errorf("dial tcp 10.0.0.1:3306: %w", ErrTransportUnavailable)

var errRejected = errors.New("row rejected by backend")

type testEnv struct {
	manager   *Manager
	store     *store.MemoryStore
	transport *fakeTransport
	clock     *fakeClock
}

func testSyncConfig() config.SyncConfig {
	cfg := config.DefaultSyncConfig()
	cfg.Debounce = 0
	return cfg
}

func newTestEnv(t *testing.T, cfg config.SyncConfig, opts ...Option) *testEnv {
	t.Helper()

	env := &testEnv{
		store:     store.NewMemoryStore(),
		transport: newFakeTransport(),
		clock:     newFakeClock(t0),
	}
	opts = append([]Option{WithClock(env.clock.Now)}, opts...)
	env.manager = NewManager(cfg, env.store, env.transport, testIdentity{id: "device-a"}, opts...)
	require.NoError(t, env.manager.Start(context.Background()))
	t.Cleanup(env.manager.Stop)
	return env
}

// queueAt queues a local change with the clock set to at.
func (e *testEnv) queueAt(t *testing.T, at time.Time, entityType, entityID string, op store.Operation, payload string, p store.Priority) *store.Change {
	t.Helper()

	e.clock.Set(at)
	c, err := e.manager.QueueChange(context.Background(), entityType, entityID, op, []byte(payload), p)
	require.NoError(t, err)
	return c
}

func (e *testEnv) ingest(t *testing.T, id, deviceID string, at time.Time, entityType, entityID string, op store.Operation, payload string) {
	t.Helper()

	require.NoError(t, e.manager.IngestRemoteChange(context.Background(), &store.Change{
		ID:         id,
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Payload:    []byte(payload),
		Timestamp:  at,
		DeviceID:   deviceID,
		Priority:   store.PriorityNormal,
	}))
}

func (e *testEnv) history(t *testing.T) []*store.SyncHistory {
	t.Helper()

	h, err := e.store.GetSyncHistory(context.Background(), 0, 0)
	require.NoError(t, err)
	return h
}

func change(id string, seq int64, at time.Time, op store.Operation) *store.Change {
	return &store.Change{
		ID:         id,
		Seq:        seq,
		EntityType: "vitals",
		EntityID:   "hr-1",
		Operation:  op,
		Timestamp:  at,
		DeviceID:   "device-" + id,
		Priority:   store.PriorityNormal,
	}
}
