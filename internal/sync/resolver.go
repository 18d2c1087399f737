package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"device-sync-service/internal/logger"
	"device-sync-service/internal/store"
)

// Resolution describes what a resolve call did to the queue.
type Resolution struct {
	Strategy store.ResolutionStrategy
	// Winner is the change left unresolved so the next pass transmits it.
	// Nil for manual and merge resolutions, or when the winning change is
	// no longer queued.
	Winner    *store.Change
	Discarded []string
	Merged    *store.Change
}

// ConflictResolver applies resolution strategies to conflicts. It mutates
// the conflict it is given and the queue; the caller serializes access.
type ConflictResolver struct {
	queue    *ChangeQueue
	deviceID string
	now      func() time.Time
}

func NewConflictResolver(queue *ChangeQueue, deviceID string, now func() time.Time) *ConflictResolver {
	return &ConflictResolver{
		queue:    queue,
		deviceID: deviceID,
		now:      now,
	}
}

func (r *ConflictResolver) Resolve(conflict *store.Conflict, strategy store.ResolutionStrategy) (*Resolution, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
	if conflict.Resolved {
		return nil, fmt.Errorf("conflict %s: %w", conflict.ID, ErrAlreadyResolved)
	}

	res := &Resolution{Strategy: strategy}

	switch strategy {
	case store.StrategyManual:
		conflict.AwaitingManual = true
		logger.Log.Info("Conflict awaiting manual resolution",
			zap.String("conflictID", conflict.ID),
			zap.String("entity", conflict.EntityType+"/"+conflict.EntityID),
		)
		return res, nil

	case store.StrategyUseLocal:
		res.Winner = r.keep(conflict.LocalChangeID)
		res.Discarded = r.discard(conflict.RemoteChangeID)

	case store.StrategyUseRemote:
		res.Winner = r.keep(conflict.RemoteChangeID)
		res.Discarded = r.discard(conflict.LocalChangeID)

	case store.StrategyMerge:
		merged := r.merge(conflict)
		queued, _ := r.queue.Enqueue(merged)
		res.Merged = queued
		res.Discarded = r.discard(conflict.LocalChangeID, conflict.RemoteChangeID)
	}

	now := r.now()
	s := strategy
	conflict.Resolved = true
	conflict.AwaitingManual = false
	conflict.Resolution = &s
	conflict.ResolvedAt = &now

	logger.Log.Info("Conflict resolved",
		zap.String("conflictID", conflict.ID),
		zap.String("strategy", string(strategy)),
		zap.Strings("discarded", res.Discarded),
	)

	return res, nil
}

func (r *ConflictResolver) keep(id string) *store.Change {
	c, ok := r.queue.Get(id)
	if !ok || c.Resolved {
		return nil
	}
	return c
}

func (r *ConflictResolver) discard(ids ...string) []string {
	var out []string
	for _, id := range ids {
		if r.queue.MarkResolved(id) {
			out = append(out, id)
		}
	}
	return out
}

// merge builds the synthetic change replacing both sides of conflict. When
// a side is no longer queued its payload comes from the conflict's copy.
func (r *ConflictResolver) merge(conflict *store.Conflict) *store.Change {
	local, okLocal := r.queue.Get(conflict.LocalChangeID)
	remote, okRemote := r.queue.Get(conflict.RemoteChangeID)

	localData, remoteData := conflict.LocalData, conflict.RemoteData
	priority := store.PriorityNormal
	if okLocal {
		localData = local.Payload
		priority = maxPriority(priority, local.Priority)
	}
	if okRemote {
		remoteData = remote.Payload
		priority = maxPriority(priority, remote.Priority)
	}

	return &store.Change{
		ID:         uuid.New().String(),
		EntityType: conflict.EntityType,
		EntityID:   conflict.EntityID,
		Operation:  store.OperationMerge,
		Payload:    MergePayloads(localData, remoteData),
		Timestamp:  r.now(),
		DeviceID:   r.deviceID,
		Priority:   priority,
	}
}

// MergePayloads combines the payloads of an earlier and a later change.
//
// When both are JSON objects the result holds the union of their top-level
// fields and the later payload wins fields present in both. Otherwise the
// later payload replaces the earlier one whole, unless it is empty. The
// output of an object merge is re-encoded with sorted keys.
func MergePayloads(earlier, later []byte) []byte {
	var a, b map[string]json.RawMessage
	if json.Unmarshal(earlier, &a) == nil && json.Unmarshal(later, &b) == nil && a != nil && b != nil {
		for k, v := range b {
			a[k] = v
		}
		out, err := json.Marshal(a)
		if err == nil {
			return out
		}
	}
	if len(later) == 0 {
		return append([]byte(nil), earlier...)
	}
	return append([]byte(nil), later...)
}

func maxPriority(a, b store.Priority) store.Priority {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
