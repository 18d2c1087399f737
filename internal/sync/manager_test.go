package sync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-sync-service/internal/store"
)

func TestSimultaneousEditProducesOneConflict(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())
	ctx := context.Background()

	local := env.queueAt(t, t0, "vitals", "hr-1", store.OperationUpdate, `{"bpm":70}`, store.PriorityNormal)
	env.ingest(t, "remote-1", "device-b", t0.Add(120*time.Second), "vitals", "hr-1", store.OperationUpdate, `{"bpm":75}`)

	require.NoError(t, env.manager.StartSync(ctx, store.PriorityNormal))

	conflicts := env.manager.Conflicts()
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, store.ConflictSimultaneousEdit, c.Type)
	assert.Equal(t, local.ID, c.LocalChangeID)
	assert.Equal(t, "remote-1", c.RemoteChangeID)
	assert.Equal(t, store.StatusConflict, env.manager.Status())

	// Neither side of an open conflict is transmitted.
	assert.Empty(t, env.transport.Sent())

	// Another pass does not duplicate the conflict.
	require.NoError(t, env.manager.StartSync(ctx, store.PriorityNormal))
	assert.Len(t, env.manager.Conflicts(), 1)
	assert.Equal(t, store.StatusConflict, env.manager.Status())

	stats := env.manager.Statistics()
	assert.Equal(t, 1, stats.TotalConflicts)
	assert.Equal(t, 1, stats.PendingConflicts)
	assert.Equal(t, 0.0, stats.ConflictResolutionRate)
}

func TestDeletionConflict(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())

	env.queueAt(t, t0, "vitals", "hr-1", store.OperationUpdate, `{"bpm":70}`, store.PriorityNormal)
	env.ingest(t, "remote-del", "device-b", t0.Add(50*time.Second), "vitals", "hr-1", store.OperationDelete, ``)

	require.NoError(t, env.manager.StartSync(context.Background(), store.PriorityNormal))

	conflicts := env.manager.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, store.ConflictDeletion, conflicts[0].Type)
}

func TestChangesOutsideWindowDoNotConflict(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())

	a := env.queueAt(t, t0, "vitals", "hr-1", store.OperationUpdate, `{"bpm":70}`, store.PriorityNormal)
	b := env.queueAt(t, t0.Add(400*time.Second), "vitals", "hr-1", store.OperationUpdate, `{"bpm":71}`, store.PriorityNormal)

	require.NoError(t, env.manager.StartSync(context.Background(), store.PriorityNormal))

	assert.Empty(t, env.manager.Conflicts())
	assert.ElementsMatch(t, []string{a.ID, b.ID}, env.transport.Sent())
	assert.Equal(t, store.StatusIdle, env.manager.Status())
}

func TestResolveUseLocalDoesNotReintroduceConflict(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())
	ctx := context.Background()

	local := env.queueAt(t, t0, "vitals", "hr-1", store.OperationUpdate, `{"bpm":70}`, store.PriorityNormal)
	env.ingest(t, "remote-1", "device-b", t0.Add(30*time.Second), "vitals", "hr-1", store.OperationUpdate, `{"bpm":75}`)
	require.NoError(t, env.manager.StartSync(ctx, store.PriorityNormal))

	conflicts := env.manager.Conflicts()
	require.Len(t, conflicts, 1)

	res, err := env.manager.ResolveConflict(ctx, conflicts[0].ID, store.StrategyUseLocal)
	require.NoError(t, err)
	require.NotNil(t, res.Winner)
	assert.Equal(t, local.ID, res.Winner.ID)

	// Resolution triggers a pass that transmits the winner.
	require.Eventually(t, func() bool {
		c, ok := env.manager.queue.Get(local.ID)
		return ok && c.Resolved && env.manager.Status() == store.StatusIdle
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, env.manager.StartSync(ctx, store.PriorityNormal))

	assert.Len(t, env.manager.Conflicts(), 1)
	assert.Equal(t, []string{local.ID}, env.transport.Sent())
	assert.Equal(t, store.StatusIdle, env.manager.Status())

	stats := env.manager.Statistics()
	assert.Equal(t, 2, stats.TotalChanges)
	assert.Equal(t, 2, stats.ResolvedChanges)
	assert.Equal(t, 0, stats.PendingChanges)
	assert.Equal(t, 1.0, stats.ConflictResolutionRate)
}

func TestResolveConflictErrors(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())
	ctx := context.Background()

	_, err := env.manager.ResolveConflict(ctx, "missing", store.StrategyUseLocal)
	assert.ErrorIs(t, err, ErrNotFound)

	env.queueAt(t, t0, "vitals", "hr-1", store.OperationUpdate, `{}`, store.PriorityNormal)
	env.ingest(t, "remote-1", "device-b", t0, "vitals", "hr-1", store.OperationUpdate, `{}`)
	require.NoError(t, env.manager.StartSync(ctx, store.PriorityNormal))
	id := env.manager.Conflicts()[0].ID

	_, err = env.manager.ResolveConflict(ctx, id, store.StrategyUseRemote)
	require.NoError(t, err)

	_, err = env.manager.ResolveConflict(ctx, id, store.StrategyUseLocal)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	c, err := env.manager.Conflict(id)
	require.NoError(t, err)
	assert.Equal(t, store.StrategyUseRemote, *c.Resolution)
}

func TestManualResolutionKeepsConflictOpen(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())
	ctx := context.Background()

	env.queueAt(t, t0, "vitals", "hr-1", store.OperationUpdate, `{"a":1}`, store.PriorityNormal)
	env.ingest(t, "remote-1", "device-b", t0.Add(time.Second), "vitals", "hr-1", store.OperationUpdate, `{"b":2}`)
	require.NoError(t, env.manager.StartSync(ctx, store.PriorityNormal))
	id := env.manager.Conflicts()[0].ID

	_, err := env.manager.ResolveConflict(ctx, id, store.StrategyManual)
	require.NoError(t, err)

	c, err := env.manager.Conflict(id)
	require.NoError(t, err)
	assert.True(t, c.AwaitingManual)
	assert.False(t, c.Resolved)
	assert.Equal(t, store.StatusConflict, env.manager.Status())

	res, err := env.manager.ResolveConflict(ctx, id, store.StrategyMerge)
	require.NoError(t, err)
	require.NotNil(t, res.Merged)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(res.Merged.Payload))

	require.Eventually(t, func() bool {
		return env.manager.Status() == store.StatusIdle && len(env.transport.Sent()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{res.Merged.ID}, env.transport.Sent())
}

func TestOfflineChangesSyncOnceWhenConnected(t *testing.T) {
	env := newTestEnv(t, testSyncConfig(), WithNetworkStatus(store.NetworkDisconnected))
	ctx := context.Background()

	assert.Equal(t, store.StatusOffline, env.manager.Status())

	for i, id := range []string{"n-1", "n-2", "n-3"} {
		env.queueAt(t, t0.Add(time.Duration(i)*time.Hour), "notes", id, store.OperationCreate, `{}`, store.PriorityNormal)
	}

	// Passes are deferred while offline.
	require.NoError(t, env.manager.StartSync(ctx, store.PriorityNormal))
	assert.Empty(t, env.history(t))
	assert.Equal(t, store.StatusOffline, env.manager.Status())

	env.manager.SetNetworkStatus(store.NetworkWifi)

	require.Eventually(t, func() bool {
		stats := env.manager.Statistics()
		return stats.PendingChanges == 0 && stats.Status == store.StatusIdle
	}, time.Second, 5*time.Millisecond)

	stats := env.manager.Statistics()
	assert.Equal(t, 3, stats.ResolvedChanges)
	assert.Equal(t, 1.0, stats.Progress)
	require.NotNil(t, stats.LastSync)
	assert.Equal(t, store.NetworkWifi, stats.NetworkStatus)

	history := env.history(t)
	require.Len(t, history, 1)
	assert.Equal(t, TriggerConnectivity, history[0].Trigger)
	assert.Equal(t, 3, history[0].Transmitted)
}

func TestReachabilityEventsAreDebounced(t *testing.T) {
	cfg := testSyncConfig()
	cfg.Debounce = 30 * time.Millisecond
	env := newTestEnv(t, cfg, WithNetworkStatus(store.NetworkDisconnected))

	env.queueAt(t, t0, "notes", "n-1", store.OperationCreate, `{}`, store.PriorityNormal)

	events := make(chan store.NetworkStatus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.manager.WatchReachability(ctx, events)

	for _, s := range []store.NetworkStatus{store.NetworkWifi, store.NetworkDisconnected, store.NetworkCellular, store.NetworkDisconnected, store.NetworkWifi} {
		events <- s
	}

	require.Eventually(t, func() bool {
		return env.manager.Statistics().PendingChanges == 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, store.NetworkWifi, env.manager.NetworkStatus())
	assert.Len(t, env.history(t), 1)
}

func TestGoingOfflineSetsStatus(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())

	env.manager.SetNetworkStatus(store.NetworkDisconnected)
	assert.Equal(t, store.StatusOffline, env.manager.Status())

	// Offline wins over paused.
	env.manager.PauseSync()
	assert.Equal(t, store.StatusOffline, env.manager.Status())
}

func TestStartSyncIsNoOpWhilePassRunning(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())
	ctx := context.Background()

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	env.transport.fail = func(c *store.Change, attempt int) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	}

	c := env.queueAt(t, t0, "notes", "n-1", store.OperationCreate, `{}`, store.PriorityNormal)

	done := make(chan error, 1)
	go func() { done <- env.manager.StartSync(ctx, store.PriorityNormal) }()

	<-entered
	assert.Equal(t, store.StatusSyncing, env.manager.Status())

	require.NoError(t, env.manager.StartSync(ctx, store.PriorityHigh))
	assert.Len(t, env.history(t), 1)

	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, 1, env.transport.Attempts(c.ID))
	assert.Len(t, env.history(t), 1)
	assert.Equal(t, store.StatusIdle, env.manager.Status())
}

func TestTransportUnavailableAbortsPass(t *testing.T) {
	cfg := testSyncConfig()
	cfg.Workers = 1
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	first := env.queueAt(t, t0, "notes", "n-1", store.OperationCreate, `{}`, store.PriorityNormal)
	second := env.queueAt(t, t0, "notes", "n-2", store.OperationCreate, `{}`, store.PriorityNormal)
	env.queueAt(t, t0, "notes", "n-3", store.OperationCreate, `{}`, store.PriorityNormal)

	env.transport.fail = func(c *store.Change, attempt int) error {
		if c.ID == second.ID {
			return errUnreachable
		}
		return nil
	}

	err := env.manager.StartSync(ctx, store.PriorityNormal)
	require.ErrorIs(t, err, ErrTransportUnavailable)

	assert.Equal(t, store.StatusError, env.manager.Status())
	assert.ErrorIs(t, env.manager.LastError(), ErrTransportUnavailable)

	// Already transmitted changes stay resolved.
	c, ok := env.manager.queue.Get(first.ID)
	require.True(t, ok)
	assert.True(t, c.Resolved)
	c, ok = env.manager.queue.Get(second.ID)
	require.True(t, ok)
	assert.False(t, c.Resolved)

	stats := env.manager.Statistics()
	assert.Nil(t, stats.LastSync)

	history := env.history(t)
	require.Len(t, history, 1)
	assert.Equal(t, string(store.StatusError), history[0].Status)
	assert.True(t, history[0].ErrorMessage.Valid)

	// The backend comes back.
	env.transport.fail = nil
	require.NoError(t, env.manager.StartSync(ctx, store.PriorityNormal))
	assert.Equal(t, store.StatusIdle, env.manager.Status())
	assert.Equal(t, 0, env.manager.Statistics().PendingChanges)
	assert.NoError(t, env.manager.LastError())
}

func TestPerChangeFailureIsRetried(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())
	ctx := context.Background()

	flaky := env.queueAt(t, t0, "notes", "n-1", store.OperationCreate, `{}`, store.PriorityNormal)
	env.queueAt(t, t0, "notes", "n-2", store.OperationCreate, `{}`, store.PriorityNormal)

	env.transport.fail = func(c *store.Change, attempt int) error {
		if c.ID == flaky.ID && attempt == 1 {
			return errRejected
		}
		return nil
	}

	require.NoError(t, env.manager.StartSync(ctx, store.PriorityNormal))
	assert.Equal(t, store.StatusIdle, env.manager.Status())
	assert.Equal(t, 1, env.manager.Statistics().PendingChanges)

	history := env.history(t)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Failed)
	assert.Equal(t, 1, history[0].Transmitted)

	require.NoError(t, env.manager.StartSync(ctx, store.PriorityNormal))
	assert.Equal(t, 0, env.manager.Statistics().PendingChanges)
	assert.Equal(t, 2, env.transport.Attempts(flaky.ID))
}

func TestPauseAndResume(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())
	ctx := context.Background()

	env.manager.PauseSync()
	assert.Equal(t, store.StatusPaused, env.manager.Status())

	env.queueAt(t, t0, "notes", "n-1", store.OperationCreate, `{}`, store.PriorityCritical)
	require.NoError(t, env.manager.StartSync(ctx, store.PriorityNormal))

	assert.Never(t, func() bool { return len(env.transport.Sent()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, env.history(t))

	env.manager.ResumeSync()
	require.Eventually(t, func() bool {
		return len(env.transport.Sent()) == 1 && env.manager.Status() == store.StatusIdle
	}, time.Second, 5*time.Millisecond)

	history := env.history(t)
	require.Len(t, history, 1)
	assert.Equal(t, TriggerResume, history[0].Trigger)
}

func TestResumeClearsErrorStatus(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())
	ctx := context.Background()

	env.queueAt(t, t0, "notes", "n-1", store.OperationCreate, `{}`, store.PriorityNormal)
	env.transport.fail = func(*store.Change, int) error { return errUnreachable }
	require.Error(t, env.manager.StartSync(ctx, store.PriorityNormal))
	require.Equal(t, store.StatusError, env.manager.Status())

	env.manager.PauseSync()
	env.transport.fail = nil
	env.manager.ResumeSync()

	require.Eventually(t, func() bool {
		return env.manager.Status() == store.StatusIdle && env.manager.Statistics().PendingChanges == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPriorityTriggers(t *testing.T) {
	t.Run("critical syncs immediately", func(t *testing.T) {
		env := newTestEnv(t, testSyncConfig())
		c := env.queueAt(t, t0, "alerts", "a-1", store.OperationCreate, `{}`, store.PriorityCritical)

		require.Eventually(t, func() bool {
			return env.transport.Attempts(c.ID) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, TriggerPriority, env.history(t)[0].Trigger)
	})

	t.Run("high syncs within its delay", func(t *testing.T) {
		cfg := testSyncConfig()
		cfg.PriorityDelays.High = 20 * time.Millisecond
		env := newTestEnv(t, cfg)
		c := env.queueAt(t, t0, "alerts", "a-1", store.OperationCreate, `{}`, store.PriorityHigh)

		assert.True(t, env.manager.scheduler.Pending())
		require.Eventually(t, func() bool {
			return env.transport.Attempts(c.ID) == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("normal waits for the timer", func(t *testing.T) {
		env := newTestEnv(t, testSyncConfig())
		env.queueAt(t, t0, "notes", "n-1", store.OperationCreate, `{}`, store.PriorityNormal)

		assert.False(t, env.manager.scheduler.Pending())
		assert.Never(t, func() bool { return len(env.transport.Sent()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	})
}

func TestForegroundTriggersPass(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())
	env.queueAt(t, t0, "notes", "n-1", store.OperationCreate, `{}`, store.PriorityLow)

	env.manager.Foreground()

	require.Eventually(t, func() bool {
		return len(env.transport.Sent()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, TriggerForeground, env.history(t)[0].Trigger)
}

func TestQueueChangeValidation(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())
	ctx := context.Background()

	_, err := env.manager.QueueChange(ctx, "", "x", store.OperationCreate, nil, store.PriorityNormal)
	assert.ErrorIs(t, err, ErrInvalidChange)

	_, err = env.manager.QueueChange(ctx, "notes", "x", store.Operation("upsert"), nil, store.PriorityNormal)
	assert.ErrorIs(t, err, ErrInvalidChange)

	_, err = env.manager.QueueChange(ctx, "notes", "x", store.OperationCreate, nil, store.Priority("urgent"))
	assert.ErrorIs(t, err, ErrInvalidChange)

	c, err := env.manager.QueueChange(ctx, "notes", "x", store.OperationCreate, nil, "")
	require.NoError(t, err)
	assert.Equal(t, store.PriorityNormal, c.Priority)
	assert.Equal(t, "device-a", c.DeviceID)
	assert.Equal(t, t0, c.Timestamp)
	assert.False(t, c.Resolved)
}

func TestIngestRemoteChange(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())
	ctx := context.Background()

	env.ingest(t, "r-1", "device-b", t0.Add(-time.Minute), "notes", "n-1", store.OperationCreate, `{}`)
	// Re-ingesting the same id is ignored.
	env.ingest(t, "r-1", "device-b", t0, "notes", "n-1", store.OperationCreate, `{}`)
	assert.Len(t, env.manager.Changes(), 1)

	err := env.manager.IngestRemoteChange(ctx, &store.Change{EntityType: "notes", EntityID: "n-2", Operation: store.OperationCreate})
	assert.ErrorIs(t, err, ErrInvalidChange)

	devices := env.manager.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "device-b", devices[0].ID)
	assert.Equal(t, t0.Add(-time.Minute), devices[0].LastSeen)

	persisted, err := env.store.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestPassRegistersCurrentDevice(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())

	require.NoError(t, env.manager.StartSync(context.Background(), store.PriorityNormal))

	devices := env.manager.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "device-a", devices[0].ID)
	assert.Equal(t, "Device device-a", devices[0].Name)
	assert.Equal(t, store.StatusIdle, devices[0].LastSyncStatus)
	assert.Equal(t, 1, env.manager.Statistics().ConnectedDevices)
}

func TestEmptyPassCompletes(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())

	require.NoError(t, env.manager.StartSync(context.Background(), store.PriorityLow))

	stats := env.manager.Statistics()
	assert.Equal(t, 1.0, stats.Progress)
	assert.NotNil(t, stats.LastSync)
	assert.Equal(t, store.StatusIdle, stats.Status)
}

func TestClearResolvedConflicts(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())
	ctx := context.Background()

	env.queueAt(t, t0, "vitals", "hr-1", store.OperationUpdate, `{}`, store.PriorityNormal)
	env.ingest(t, "r-1", "device-b", t0, "vitals", "hr-1", store.OperationUpdate, `{}`)
	env.queueAt(t, t0, "vitals", "hr-2", store.OperationUpdate, `{}`, store.PriorityNormal)
	env.ingest(t, "r-2", "device-b", t0, "vitals", "hr-2", store.OperationUpdate, `{}`)
	require.NoError(t, env.manager.StartSync(ctx, store.PriorityNormal))

	conflicts := env.manager.Conflicts()
	require.Len(t, conflicts, 2)

	assert.Equal(t, 0, env.manager.ClearResolvedConflicts(ctx))

	_, err := env.manager.ResolveConflict(ctx, conflicts[0].ID, store.StrategyUseLocal)
	require.NoError(t, err)
	assert.Equal(t, 0.5, env.manager.Statistics().ConflictResolutionRate)

	assert.Equal(t, 1, env.manager.ClearResolvedConflicts(ctx))
	remaining := env.manager.Conflicts()
	require.Len(t, remaining, 1)
	assert.Equal(t, conflicts[1].ID, remaining[0].ID)

	persisted, err := env.store.LoadConflicts(ctx)
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestArchiveResolved(t *testing.T) {
	cfg := testSyncConfig()
	cfg.ArchiveResolved = true
	env := newTestEnv(t, cfg)

	env.queueAt(t, t0, "notes", "n-1", store.OperationCreate, `{}`, store.PriorityNormal)
	env.queueAt(t, t0, "notes", "n-2", store.OperationCreate, `{}`, store.PriorityNormal)
	require.NoError(t, env.manager.StartSync(context.Background(), store.PriorityNormal))

	assert.Empty(t, env.manager.Changes())
	stats := env.manager.Statistics()
	assert.Equal(t, 2, stats.TotalChanges)
	assert.Equal(t, 2, stats.ResolvedChanges)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	st := store.NewMemoryStore()
	transport := newFakeTransport()
	clock := newFakeClock(t0)
	ctx := context.Background()

	m := NewManager(testSyncConfig(), st, transport, testIdentity{id: "device-a"}, WithClock(clock.Now))
	require.NoError(t, m.Start(ctx))

	_, err := m.QueueChange(ctx, "notes", "n-1", store.OperationCreate, []byte(`{}`), store.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, m.StartSync(ctx, store.PriorityNormal))
	_, err = m.QueueChange(ctx, "vitals", "hr-1", store.OperationUpdate, []byte(`{}`), store.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, m.IngestRemoteChange(ctx, &store.Change{
		ID: "r-1", EntityType: "vitals", EntityID: "hr-1", Operation: store.OperationUpdate,
		Timestamp: t0, DeviceID: "device-b",
	}))
	require.NoError(t, m.StartSync(ctx, store.PriorityNormal))
	require.Equal(t, store.StatusConflict, m.Status())
	m.Stop()

	restarted := NewManager(testSyncConfig(), st, transport, testIdentity{id: "device-a"}, WithClock(clock.Now))
	require.NoError(t, restarted.Start(ctx))
	defer restarted.Stop()

	stats := restarted.Statistics()
	assert.Equal(t, 3, stats.TotalChanges)
	assert.Equal(t, 1, stats.ResolvedChanges)
	assert.Equal(t, 1, stats.PendingConflicts)
	require.NotNil(t, stats.LastSync)
	assert.Equal(t, t0, *stats.LastSync)
	assert.Equal(t, store.StatusConflict, restarted.Status())

	next, err := restarted.QueueChange(ctx, "notes", "n-2", store.OperationCreate, nil, store.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, int64(4), next.Seq)
}

func TestStatisticsAccounting(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())
	ctx := context.Background()

	flaky := env.queueAt(t, t0, "notes", "n-1", store.OperationCreate, `{}`, store.PriorityNormal)
	env.queueAt(t, t0, "notes", "n-2", store.OperationCreate, `{}`, store.PriorityNormal)
	env.queueAt(t, t0, "notes", "n-3", store.OperationCreate, `{}`, store.PriorityNormal)
	env.transport.fail = func(c *store.Change, attempt int) error {
		if c.ID == flaky.ID {
			return errRejected
		}
		return nil
	}
	require.NoError(t, env.manager.StartSync(ctx, store.PriorityNormal))

	stats := env.manager.Statistics()
	assert.Equal(t, stats.TotalChanges, stats.ResolvedChanges+stats.PendingChanges)
	assert.Equal(t, stats.TotalConflicts, stats.ResolvedConflicts+stats.PendingConflicts)
	assert.Equal(t, 1, stats.PendingChanges)
}

func TestConflictResolutionRate(t *testing.T) {
	assert.Equal(t, 1.0, ConflictResolutionRate(0, 0))
	assert.Equal(t, 0.0, ConflictResolutionRate(0, 4))
	assert.Equal(t, 0.25, ConflictResolutionRate(1, 4))
	assert.Equal(t, 1.0, ConflictResolutionRate(3, 3))

	for total := 0; total < 10; total++ {
		for resolved := 0; resolved <= total; resolved++ {
			r := ConflictResolutionRate(resolved, total)
			assert.GreaterOrEqual(t, r, 0.0)
			assert.LessOrEqual(t, r, 1.0)
		}
	}
}

func TestTriggerAfterStopIsIgnored(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())
	env.queueAt(t, t0, "notes", "n-1", store.OperationCreate, `{}`, store.PriorityNormal)

	env.manager.Stop()
	env.manager.Trigger(TriggerManual)

	assert.Never(t, func() bool { return len(env.transport.Sent()) > 0 }, 30*time.Millisecond, 5*time.Millisecond)
}

func TestThirdCompetingChangeWaitsForOpenConflict(t *testing.T) {
	tests := []struct {
		name           string
		strategy       store.ResolutionStrategy
		secondLocal    string
		secondRemote   string
		expectedWinner string
	}{
		{"use local keeps the first change", store.StrategyUseLocal, "a", "c", "a"},
		{"use remote keeps the newest change", store.StrategyUseRemote, "b", "c", "c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testSyncConfig())
			ctx := context.Background()

			a := env.queueAt(t, t0, "vitals", "hr-1", store.OperationUpdate, `{"bpm":70}`, store.PriorityNormal)
			env.ingest(t, "remote-b", "device-b", t0.Add(10*time.Second), "vitals", "hr-1", store.OperationUpdate, `{"bpm":72}`)
			env.ingest(t, "remote-c", "device-c", t0.Add(20*time.Second), "vitals", "hr-1", store.OperationUpdate, `{"bpm":74}`)
			ids := map[string]string{"a": a.ID, "b": "remote-b", "c": "remote-c"}

			require.NoError(t, env.manager.StartSync(ctx, store.PriorityNormal))

			// One open conflict per entity; the third change waits.
			conflicts := env.manager.Conflicts()
			require.Len(t, conflicts, 1)
			assert.Equal(t, a.ID, conflicts[0].LocalChangeID)
			assert.Equal(t, "remote-b", conflicts[0].RemoteChangeID)
			assert.Empty(t, env.transport.Sent())

			require.NoError(t, env.manager.StartSync(ctx, store.PriorityNormal))
			assert.Len(t, env.manager.Conflicts(), 1)

			_, err := env.manager.ResolveConflict(ctx, conflicts[0].ID, tt.strategy)
			require.NoError(t, err)

			// The follow-up pass pairs the survivor with the waiting change.
			require.Eventually(t, func() bool {
				return len(env.manager.Conflicts()) == 2 && env.manager.Status() == store.StatusConflict
			}, time.Second, 5*time.Millisecond)

			second := env.manager.Conflicts()[1]
			assert.Equal(t, ids[tt.secondLocal], second.LocalChangeID)
			assert.Equal(t, ids[tt.secondRemote], second.RemoteChangeID)
			assert.False(t, second.Resolved)
			assert.Empty(t, env.transport.Sent())

			_, err = env.manager.ResolveConflict(ctx, second.ID, tt.strategy)
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				return len(env.transport.Sent()) == 1 && env.manager.Status() == store.StatusIdle
			}, time.Second, 5*time.Millisecond)
			assert.Equal(t, []string{ids[tt.expectedWinner]}, env.transport.Sent())

			stats := env.manager.Statistics()
			assert.Equal(t, 3, stats.ResolvedChanges)
			assert.Equal(t, 2, stats.ResolvedConflicts)
			assert.Equal(t, 0, stats.PendingConflicts)
		})
	}
}

func TestNonCompetingChangeIsSentWhileEntityHasOpenConflict(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())
	ctx := context.Background()

	env.queueAt(t, t0, "vitals", "hr-1", store.OperationUpdate, `{"bpm":70}`, store.PriorityNormal)
	env.ingest(t, "remote-b", "device-b", t0.Add(10*time.Second), "vitals", "hr-1", store.OperationUpdate, `{"bpm":72}`)
	require.NoError(t, env.manager.StartSync(ctx, store.PriorityNormal))
	require.Len(t, env.manager.Conflicts(), 1)

	late := env.queueAt(t, t0.Add(time.Hour), "vitals", "hr-1", store.OperationUpdate, `{"bpm":80}`, store.PriorityNormal)
	require.NoError(t, env.manager.StartSync(ctx, store.PriorityNormal))

	assert.Equal(t, []string{late.ID}, env.transport.Sent())
	assert.Len(t, env.manager.Conflicts(), 1)
	assert.Equal(t, store.StatusConflict, env.manager.Status())
}

func TestResolutionDuringPassRunsFollowUpPass(t *testing.T) {
	env := newTestEnv(t, testSyncConfig())
	ctx := context.Background()

	local := env.queueAt(t, t0, "vitals", "hr-1", store.OperationUpdate, `{"bpm":70}`, store.PriorityNormal)
	env.ingest(t, "remote-1", "device-b", t0.Add(30*time.Second), "vitals", "hr-1", store.OperationUpdate, `{"bpm":75}`)
	require.NoError(t, env.manager.StartSync(ctx, store.PriorityNormal))
	conflictID := env.manager.Conflicts()[0].ID

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	env.transport.fail = func(c *store.Change, attempt int) error {
		if c.EntityType != "notes" {
			return nil
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	env.queueAt(t, t0.Add(time.Hour), "notes", "n-1", store.OperationCreate, `{}`, store.PriorityNormal)

	done := make(chan error, 1)
	go func() { done <- env.manager.StartSync(ctx, store.PriorityNormal) }()
	<-entered

	_, err := env.manager.ResolveConflict(ctx, conflictID, store.StrategyUseLocal)
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)

	// The winner goes out without waiting for the periodic timer.
	require.Eventually(t, func() bool {
		c, ok := env.manager.queue.Get(local.ID)
		return ok && c.Resolved && env.manager.Status() == store.StatusIdle
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, env.transport.Sent(), local.ID)

	var triggers []string
	for _, h := range env.history(t) {
		triggers = append(triggers, h.Trigger)
	}
	assert.Contains(t, triggers, TriggerResolution)
}

// panickingStore panics in UpdateSyncHistory while panics is positive.
type panickingStore struct {
	*store.MemoryStore
	panics atomic.Int32
}

func (s *panickingStore) UpdateSyncHistory(ctx context.Context, h *store.SyncHistory) error {
	if s.panics.Add(-1) >= 0 {
		panic("sync history table is corrupt")
	}
	return s.MemoryStore.UpdateSyncHistory(ctx, h)
}

func TestPanicInsidePassLeavesManagerUsable(t *testing.T) {
	ctx := context.Background()
	st := &panickingStore{MemoryStore: store.NewMemoryStore()}
	transport := newFakeTransport()
	clock := newFakeClock(t0)

	m := NewManager(testSyncConfig(), st, transport, testIdentity{id: "device-a"}, WithClock(clock.Now))
	require.NoError(t, m.Start(ctx))

	_, err := m.QueueChange(ctx, "notes", "n-1", store.OperationCreate, []byte(`{}`), store.PriorityNormal)
	require.NoError(t, err)

	st.panics.Store(1)
	err = m.StartSync(ctx, store.PriorityNormal)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, store.StatusError, m.Status())
	assert.Error(t, m.LastError())

	require.NoError(t, m.StartSync(ctx, store.PriorityNormal))
	assert.Equal(t, store.StatusIdle, m.Status())

	// Background passes recover too.
	st.panics.Store(1)
	m.Trigger(TriggerTimer)
	require.Eventually(t, func() bool {
		return m.Status() == store.StatusError
	}, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked after a panicking pass")
	}
}
