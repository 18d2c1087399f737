package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"device-sync-service/internal/config"
	"device-sync-service/internal/logger"
	"device-sync-service/internal/store"
)

type Option func(*Manager)

// WithClock replaces time.Now for change timestamps, detection times and
// device last-seen values.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithNetworkStatus sets the network status assumed before the first
// reachability event arrives. The default is connected.
func WithNetworkStatus(status store.NetworkStatus) Option {
	return func(m *Manager) {
		m.network = status
	}
}

// Manager is the sync orchestrator. It owns the change queue and the
// conflict list, decides when a pass runs and is the only component that
// changes the aggregate sync status.
type Manager struct {
	cfg       config.SyncConfig
	store     store.Store
	identity  DeviceIdentity
	pool      *WorkerPool
	queue     *ChangeQueue
	detector  *ConflictDetector
	resolver  *ConflictResolver
	devices   *DeviceRegistry
	events    *EventBus
	scheduler *Scheduler
	now       func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup // background passes
	watchers sync.WaitGroup

	mu        sync.Mutex
	conflicts []*store.Conflict
	network   store.NetworkStatus
	paused    bool
	syncing   bool
	outcome   store.SyncStatus // idle, error or conflict
	lastSync  *time.Time
	progress  float64
	lastErr   error
	rerun     bool // a resolution arrived during a pass
	pass      uint64
	stopped   bool
}

func NewManager(cfg config.SyncConfig, st store.Store, transport Transport, identity DeviceIdentity, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:      cfg,
		store:    st,
		identity: identity,
		pool:     NewWorkerPool(cfg.Workers, transport),
		queue:    NewChangeQueue(),
		detector: NewConflictDetector(cfg.RecencyWindow),
		devices:  NewDeviceRegistry(cfg.DeviceOnlineWindow),
		events:   NewEventBus(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		network:  store.NetworkConnected,
		outcome:  store.StatusIdle,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.resolver = NewConflictResolver(m.queue, identity.CurrentDeviceID(), m.now)
	m.scheduler = NewScheduler(cfg.SyncInterval, m)
	return m
}

// Start restores persisted state and starts the periodic sync timer.
func (m *Manager) Start(ctx context.Context) error {
	changes, err := m.store.LoadPendingChanges(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending changes: %w", err)
	}
	conflicts, err := m.store.LoadConflicts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load conflicts: %w", err)
	}
	devices, err := m.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}
	state, err := m.store.GetSyncState(ctx, m.identity.CurrentDeviceID())
	if err != nil {
		return fmt.Errorf("failed to load sync state: %w", err)
	}

	m.queue.Load(changes, 0)
	m.devices.Load(devices)

	m.mu.Lock()
	m.conflicts = conflicts
	if state != nil && state.LastSyncTime.Valid {
		t := state.LastSyncTime.Time
		m.lastSync = &t
	}
	if m.hasOpenConflictsLocked() {
		m.outcome = store.StatusConflict
	}
	m.mu.Unlock()

	if err := m.scheduler.Start(); err != nil {
		return err
	}

	logger.Log.Info("Sync manager started",
		zap.String("deviceID", m.identity.CurrentDeviceID()),
		zap.Int("pendingChanges", len(changes)),
		zap.Int("conflicts", len(conflicts)),
	)
	return nil
}

// Stop cancels timers, waits for any running pass and persists state.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	logger.Log.Info("Stopping sync manager")

	m.scheduler.Stop()
	m.wg.Wait()
	m.cancel()
	m.watchers.Wait()

	m.mu.Lock()
	m.persistLocked(context.Background())
	m.mu.Unlock()

	m.events.Close()
}

// QueueChange records a local mutation. It never blocks on the network; a
// high or critical priority additionally schedules a sync.
func (m *Manager) QueueChange(ctx context.Context, entityType, entityID string, op store.Operation, payload []byte, priority store.Priority) (*store.Change, error) {
	if priority == "" {
		priority = store.PriorityNormal
	}
	change := &store.Change{
		ID:         uuid.New().String(),
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Payload:    payload,
		Timestamp:  m.now(),
		DeviceID:   m.identity.CurrentDeviceID(),
		Priority:   priority,
	}
	if err := validateChange(change); err != nil {
		return nil, err
	}

	queued, _ := m.queue.Enqueue(change)

	m.mu.Lock()
	m.persistChangesLocked(ctx)
	m.events.Publish(Event{Type: EventChangeQueued, ChangeID: queued.ID, At: m.now()})
	m.mu.Unlock()

	logger.Log.Debug("Change queued",
		zap.String("changeID", queued.ID),
		zap.String("entity", entityType+"/"+entityID),
		zap.String("operation", string(op)),
		zap.String("priority", string(priority)),
	)

	m.requestSync(priority)
	return queued, nil
}

// IngestRemoteChange queues a change that originated on another device so
// that it takes part in conflict detection. Re-ingesting a known change id
// is a no-op.
func (m *Manager) IngestRemoteChange(ctx context.Context, change *store.Change) error {
	c := change.Clone()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Priority == "" {
		c.Priority = store.PriorityNormal
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = m.now()
	}
	c.Resolved = false
	if c.DeviceID == "" {
		return fmt.Errorf("%w: remote change %s has no origin device", ErrInvalidChange, c.ID)
	}
	if err := validateChange(c); err != nil {
		return err
	}

	queued, added := m.queue.Enqueue(c)
	if !added {
		return nil
	}
	device := m.devices.Seen(c.DeviceID, c.Timestamp)

	m.mu.Lock()
	m.persistChangesLocked(ctx)
	if err := m.store.UpsertDevice(ctx, device); err != nil {
		logger.Log.Error("Failed to persist device", zap.String("deviceID", device.ID), zap.Error(err))
	}
	m.events.Publish(Event{Type: EventChangeQueued, ChangeID: queued.ID, At: m.now()})
	m.mu.Unlock()

	logger.Log.Debug("Remote change ingested",
		zap.String("changeID", queued.ID),
		zap.String("originDevice", c.DeviceID),
		zap.String("entity", c.EntityType+"/"+c.EntityID),
	)

	m.requestSync(c.Priority)
	return nil
}

func validateChange(c *store.Change) error {
	if c.EntityType == "" || c.EntityID == "" {
		return fmt.Errorf("%w: entity type and id are required", ErrInvalidChange)
	}
	if !c.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidChange, c.Operation)
	}
	if !c.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidChange, c.Priority)
	}
	return nil
}

// requestSync turns a high or critical priority into a sync trigger after
// the configured delay. Lower priorities wait for the periodic timer.
func (m *Manager) requestSync(p store.Priority) {
	if p.Rank() < store.PriorityHigh.Rank() {
		return
	}
	delay := m.priorityDelay(p)
	if delay <= 0 {
		m.Trigger(TriggerPriority)
		return
	}
	m.scheduler.ScheduleWithin(delay)
}

func (m *Manager) priorityDelay(p store.Priority) time.Duration {
	switch p {
	case store.PriorityLow:
		return m.cfg.PriorityDelays.Low
	case store.PriorityHigh:
		return m.cfg.PriorityDelays.High
	case store.PriorityCritical:
		return m.cfg.PriorityDelays.Critical
	default:
		return m.cfg.PriorityDelays.Normal
	}
}

// StartSync runs a pass immediately in the calling goroutine. It returns nil
// without doing anything when a pass is already running, sync is paused or
// the network is down. The priority only labels the pass.
func (m *Manager) StartSync(ctx context.Context, priority store.Priority) error {
	if priority == "" {
		priority = store.PriorityNormal
	}
	return m.runPass(ctx, TriggerManual+":"+string(priority))
}

// Trigger starts a pass in the background. Triggers that arrive while a
// pass is running are dropped.
func (m *Manager) Trigger(reason string) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if err := m.runPass(m.ctx, reason); err != nil {
			logger.Log.Error("Sync pass failed", zap.String("trigger", reason), zap.Error(err))
		}
	}()
}

// Foreground is the app-foreground signal.
func (m *Manager) Foreground() {
	m.Trigger(TriggerForeground)
}

func (m *Manager) PauseSync() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return
	}
	prev := m.statusLocked()
	m.paused = true
	m.notifyLocked(prev)
}

func (m *Manager) ResumeSync() {
	m.mu.Lock()
	if !m.paused {
		m.mu.Unlock()
		return
	}
	prev := m.statusLocked()
	m.paused = false
	m.outcome = store.StatusIdle
	m.notifyLocked(prev)
	m.mu.Unlock()

	m.Trigger(TriggerResume)
}

// SetNetworkStatus applies a (debounced) reachability change. Regaining
// connectivity resets the status to idle and triggers a pass.
func (m *Manager) SetNetworkStatus(status store.NetworkStatus) {
	m.mu.Lock()
	if status == m.network {
		m.mu.Unlock()
		return
	}
	prev := m.statusLocked()
	wasOnline := m.network.Online()
	m.network = status
	regained := !wasOnline && status.Online()
	if regained {
		m.outcome = store.StatusIdle
	}
	m.notifyLocked(prev)
	m.mu.Unlock()

	logger.Log.Info("Network status changed", zap.String("network", string(status)))

	if regained {
		m.Trigger(TriggerConnectivity)
	}
}

// ResolveConflict applies strategy to the conflict with the given id. Unless
// the strategy is manual, a pass is triggered so the surviving change is
// transmitted.
func (m *Manager) ResolveConflict(ctx context.Context, conflictID string, strategy store.ResolutionStrategy) (*Resolution, error) {
	m.mu.Lock()

	conflict := m.findConflictLocked(conflictID)
	if conflict == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("conflict %s: %w", conflictID, ErrNotFound)
	}

	res, err := m.resolver.Resolve(conflict, strategy)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	followUp := false
	if strategy != store.StrategyManual {
		// A running pass took its snapshot before this resolution and
		// reruns once it finishes.
		if m.syncing {
			m.rerun = true
		} else {
			followUp = true
		}
		prev := m.statusLocked()
		if m.outcome == store.StatusConflict && !m.hasOpenConflictsLocked() {
			m.outcome = store.StatusIdle
		}
		m.notifyLocked(prev)
	}
	m.persistLocked(ctx)
	m.events.Publish(Event{Type: EventConflictResolved, ConflictID: conflictID, At: m.now()})
	m.mu.Unlock()

	if followUp {
		m.Trigger(TriggerResolution)
	}
	return res, nil
}

// ClearResolvedConflicts drops resolved conflicts and returns how many were
// removed. Open conflicts are kept.
func (m *Manager) ClearResolvedConflicts(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.conflicts[:0]
	removed := 0
	for _, c := range m.conflicts {
		if c.Resolved {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	m.conflicts = kept
	if removed > 0 {
		m.persistConflictsLocked(ctx)
	}
	return removed
}

// runPass runs one sync pass. A panic inside the pass is recovered and
// reported as an error so the manager is left usable.
func (m *Manager) runPass(ctx context.Context, reason string) (err error) {
	pass, held, blocked, ok := m.beginPass(reason)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync pass panicked: %v", r)
			logger.Log.Error("Sync pass panicked",
				zap.String("trigger", reason),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			m.abortPass(pass, err)
		}
	}()

	snapshot := m.queue.DequeueUnresolved()
	total := len(snapshot)

	history := &store.SyncHistory{
		ID:           uuid.New().String(),
		DeviceID:     m.identity.CurrentDeviceID(),
		Trigger:      reason,
		StartedAt:    m.now(),
		TotalChanges: total,
		Status:       string(store.StatusSyncing),
	}
	if err := m.store.CreateSyncHistory(ctx, history); err != nil {
		logger.Log.Warn("Failed to record sync history", zap.Error(err))
	}

	logger.Log.Info("Sync pass started", zap.String("trigger", reason), zap.Int("changes", total))

	var toSend []*store.Change
	var detected []*store.Conflict
	processed := 0
	for _, change := range snapshot {
		if held[change.ID] {
			processed++
			continue
		}

		competitors := m.detector.Competitors(change, snapshot)
		if len(competitors) == 0 {
			toSend = append(toSend, change)
			continue
		}

		// One open conflict per entity. Further competing changes wait
		// until it is resolved and are examined again by a later pass.
		key := entityOf(change)
		if blocked[key] {
			processed++
			continue
		}

		conflict := NewConflict(change, competitors[0], m.now())
		blocked[key] = true
		held[conflict.LocalChangeID] = true
		held[conflict.RemoteChangeID] = true
		detected = append(detected, conflict)
		processed++
	}

	m.recordConflicts(ctx, detected)
	m.setProgress(processed, total)

	stop := make(chan struct{})
	stopped := false
	var abortErr error
	transmitted, failed := 0, 0

	for res := range m.pool.Dispatch(ctx, toSend, stop) {
		processed++
		switch {
		case res.Err == nil:
			m.queue.MarkResolved(res.Change.ID)
			transmitted++
		case errors.Is(res.Err, ErrTransportUnavailable):
			failed++
			if abortErr == nil {
				abortErr = res.Err
			}
			if !stopped {
				close(stop)
				stopped = true
			}
		default:
			failed++
			logger.Log.Warn("Change transmission failed, will retry",
				zap.String("changeID", res.Change.ID),
				zap.Error(res.Err),
			)
		}
		m.setProgress(processed, total)
	}

	history.Transmitted = transmitted
	history.Failed = failed
	history.ConflictsDetected = len(detected)
	status, rerun := m.finishPass(ctx, history, abortErr)

	logger.Log.Info("Sync pass finished",
		zap.String("trigger", reason),
		zap.String("status", string(status)),
		zap.Int("transmitted", transmitted),
		zap.Int("failed", failed),
		zap.Int("conflicts", len(detected)),
	)

	if abortErr != nil {
		return fmt.Errorf("sync pass aborted: %w", abortErr)
	}
	if rerun {
		m.Trigger(TriggerResolution)
	}
	return nil
}

// beginPass claims the syncing gate. held holds the ids of changes in open
// conflicts and blocked the entities those conflicts refer to.
func (m *Manager) beginPass(reason string) (pass uint64, held map[string]bool, blocked map[entityKey]bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.syncing || m.paused {
		logger.Log.Debug("Sync already in progress or paused, skipping", zap.String("trigger", reason))
		return 0, nil, nil, false
	}
	if !m.network.Online() {
		logger.Log.Info("Network offline, sync deferred", zap.String("trigger", reason))
		return 0, nil, nil, false
	}

	held, blocked = m.openConflictIndexLocked()

	prev := m.statusLocked()
	m.pass++
	m.syncing = true
	m.progress = 0
	m.notifyLocked(prev)
	return m.pass, held, blocked, true
}

func (m *Manager) recordConflicts(ctx context.Context, detected []*store.Conflict) {
	if len(detected) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range detected {
		m.conflicts = append(m.conflicts, c)
		m.events.Publish(Event{Type: EventConflictDetected, ConflictID: c.ID, At: c.DetectedAt})
		logger.Log.Warn("Conflict detected",
			zap.String("conflictID", c.ID),
			zap.String("type", string(c.Type)),
			zap.String("entity", c.EntityType+"/"+c.EntityID),
			zap.String("localChangeID", c.LocalChangeID),
			zap.String("remoteChangeID", c.RemoteChangeID),
		)
	}
	m.persistConflictsLocked(ctx)
}

// finishPass releases the syncing gate, settles the outcome and persists
// queue, conflicts, device, history and sync state. rerun reports whether a
// resolution arrived during the pass and needs a follow-up pass.
func (m *Manager) finishPass(ctx context.Context, history *store.SyncHistory, abortErr error) (status store.SyncStatus, rerun bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.statusLocked()
	m.syncing = false
	finished := m.now()
	if abortErr != nil {
		m.outcome = store.StatusError
		m.lastErr = abortErr
	} else {
		m.lastErr = nil
		m.progress = 1.0
		m.lastSync = &finished
		if m.hasOpenConflictsLocked() {
			m.outcome = store.StatusConflict
		} else {
			m.outcome = store.StatusIdle
		}
	}
	status = m.statusLocked()
	rerun = m.rerun && abortErr == nil
	m.rerun = false

	if m.cfg.ArchiveResolved {
		if pruned := m.queue.PruneResolved(); len(pruned) > 0 {
			logger.Log.Debug("Archived resolved changes", zap.Int("count", len(pruned)))
		}
	}
	device := m.devices.Upsert(store.ConnectedDevice{
		ID:             m.identity.CurrentDeviceID(),
		Name:           m.identity.CurrentDeviceName(),
		Type:           m.identity.CurrentDeviceType(),
		LastSeen:       finished,
		Online:         m.network.Online(),
		LastSyncStatus: status,
	})
	m.persistLocked(ctx)
	if err := m.store.UpsertDevice(ctx, device); err != nil {
		logger.Log.Error("Failed to persist device", zap.String("deviceID", device.ID), zap.Error(err))
	}

	history.CompletedAt = sql.NullTime{Time: finished, Valid: true}
	history.Status = string(status)
	if abortErr != nil {
		history.ErrorMessage = sql.NullString{String: abortErr.Error(), Valid: true}
	}
	if err := m.store.UpdateSyncHistory(ctx, history); err != nil {
		logger.Log.Warn("Failed to update sync history", zap.Error(err))
	}

	state := &store.SyncState{
		DeviceID:     m.identity.CurrentDeviceID(),
		Status:       string(status),
		ErrorMessage: history.ErrorMessage,
	}
	if m.lastSync != nil {
		state.LastSyncTime = sql.NullTime{Time: *m.lastSync, Valid: true}
	}
	if err := m.store.UpdateSyncState(ctx, state); err != nil {
		logger.Log.Warn("Failed to update sync state", zap.Error(err))
	}

	m.notifyLocked(prev)
	m.events.Publish(Event{Type: EventPassCompleted, Status: status, Progress: m.progress, At: finished})
	return status, rerun
}

// abortPass releases the syncing gate after pass panicked. It does nothing
// when a later pass already holds the gate.
func (m *Manager) abortPass(pass uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pass != pass {
		return
	}
	prev := m.statusLocked()
	m.syncing = false
	m.rerun = false
	m.outcome = store.StatusError
	m.lastErr = err
	m.notifyLocked(prev)
}

func (m *Manager) setProgress(processed, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if total == 0 {
		m.progress = 1.0
	} else {
		m.progress = float64(processed) / float64(total)
	}
	m.events.Publish(Event{Type: EventProgress, Progress: m.progress, At: m.now()})
}

// statusLocked derives the externally visible status. Offline wins over
// paused, paused over a running pass.
func (m *Manager) statusLocked() store.SyncStatus {
	switch {
	case !m.network.Online():
		return store.StatusOffline
	case m.paused:
		return store.StatusPaused
	case m.syncing:
		return store.StatusSyncing
	default:
		return m.outcome
	}
}

func (m *Manager) notifyLocked(prev store.SyncStatus) {
	cur := m.statusLocked()
	if cur == prev {
		return
	}
	logger.Log.Info("Sync status changed", zap.String("from", string(prev)), zap.String("to", string(cur)))
	m.events.Publish(Event{Type: EventStatusChanged, Status: cur, Previous: prev, Progress: m.progress, At: m.now()})
}

func (m *Manager) hasOpenConflictsLocked() bool {
	for _, c := range m.conflicts {
		if !c.Resolved {
			return true
		}
	}
	return false
}

func (m *Manager) openConflictIndexLocked() (held map[string]bool, blocked map[entityKey]bool) {
	held = make(map[string]bool)
	blocked = make(map[entityKey]bool)
	for _, c := range m.conflicts {
		if c.Resolved {
			continue
		}
		held[c.LocalChangeID] = true
		held[c.RemoteChangeID] = true
		blocked[entityKey{Type: c.EntityType, ID: c.EntityID}] = true
	}
	return held, blocked
}

func (m *Manager) findConflictLocked(id string) *store.Conflict {
	for _, c := range m.conflicts {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (m *Manager) persistLocked(ctx context.Context) {
	m.persistChangesLocked(ctx)
	m.persistConflictsLocked(ctx)
}

func (m *Manager) persistChangesLocked(ctx context.Context) {
	if err := m.store.SavePendingChanges(ctx, m.queue.All()); err != nil {
		logger.Log.Error("Failed to persist pending changes", zap.Error(err))
	}
}

func (m *Manager) persistConflictsLocked(ctx context.Context) {
	if err := m.store.SaveConflicts(ctx, m.conflicts); err != nil {
		logger.Log.Error("Failed to persist conflicts", zap.Error(err))
	}
}

func (m *Manager) Status() store.SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) NetworkStatus() store.NetworkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.network
}

// LastError returns the error that aborted the most recent pass, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Statistics derives point-in-time counts from the queue, the conflict list
// and the device registry.
func (m *Manager) Statistics() Statistics {
	total, resolved := m.queue.Counts()

	m.mu.Lock()
	stats := buildStatistics(total, resolved, m.conflicts)
	if m.lastSync != nil {
		t := *m.lastSync
		stats.LastSync = &t
	}
	stats.Progress = m.progress
	stats.Status = m.statusLocked()
	stats.NetworkStatus = m.network
	m.mu.Unlock()

	stats.ConnectedDevices = m.devices.ConnectedCount(m.now())
	return stats
}

func (m *Manager) Changes() []*store.Change {
	return m.queue.All()
}

func (m *Manager) Conflicts() []*store.Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*store.Conflict, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		out = append(out, c.Clone())
	}
	return out
}

func (m *Manager) Conflict(id string) (*store.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.findConflictLocked(id)
	if c == nil {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return c.Clone(), nil
}

func (m *Manager) Devices() []*store.ConnectedDevice {
	return m.devices.List()
}

func (m *Manager) History(ctx context.Context, limit, offset int) ([]*store.SyncHistory, error) {
	return m.store.GetSyncHistory(ctx, limit, offset)
}

// Subscribe returns a stream of engine events; call the returned function
// to unsubscribe.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.events.Subscribe(buffer)
}

// Detector exposes the conflict detector the manager uses.
func (m *Manager) Detector() *ConflictDetector {
	return m.detector
}
