package sync

import (
	"time"

	"github.com/google/uuid"

	"device-sync-service/internal/store"
)

// ConflictDetector finds competing changes: other unresolved changes to the
// same entity whose origination times lie within the recency window.
type ConflictDetector struct {
	window time.Duration
}

func NewConflictDetector(window time.Duration) *ConflictDetector {
	return &ConflictDetector{window: window}
}

func (d *ConflictDetector) Window() time.Duration {
	return d.window
}

// Competitors returns every change in candidates that competes with change,
// in submission order. change itself and resolved candidates are skipped.
func (d *ConflictDetector) Competitors(change *store.Change, candidates []*store.Change) []*store.Change {
	var out []*store.Change
	for _, other := range candidates {
		if other.ID == change.ID || other.Resolved {
			continue
		}
		if other.EntityType != change.EntityType || other.EntityID != change.EntityID {
			continue
		}
		if absDuration(other.Timestamp.Sub(change.Timestamp)) > d.window {
			continue
		}
		out = append(out, other)
	}
	return out
}

// Detect returns a conflict between change and its first competitor, or nil
// when nothing competes.
func (d *ConflictDetector) Detect(change *store.Change, candidates []*store.Change, now time.Time) *store.Conflict {
	competitors := d.Competitors(change, candidates)
	if len(competitors) == 0 {
		return nil
	}
	return NewConflict(change, competitors[0], now)
}

// NewConflict records a conflict between a and b. The side with the earlier
// origination time is labelled local; ties fall back to submission order
// and then id. The labels only feed display and audit.
func NewConflict(a, b *store.Change, now time.Time) *store.Conflict {
	local, remote := orderPair(a, b)

	return &store.Conflict{
		ID:             uuid.New().String(),
		EntityType:     local.EntityType,
		EntityID:       local.EntityID,
		LocalChangeID:  local.ID,
		RemoteChangeID: remote.ID,
		Type:           ClassifyConflict(local, remote),
		LocalData:      append([]byte(nil), local.Payload...),
		RemoteData:     append([]byte(nil), remote.Payload...),
		DetectedAt:     now,
	}
}

// ClassifyConflict is symmetric in its arguments.
func ClassifyConflict(a, b *store.Change) store.ConflictType {
	switch {
	case a.Operation == store.OperationUpdate && b.Operation == store.OperationUpdate:
		return store.ConflictSimultaneousEdit
	case a.Operation == store.OperationDelete && b.Operation == store.OperationUpdate,
		a.Operation == store.OperationUpdate && b.Operation == store.OperationDelete:
		return store.ConflictDeletion
	default:
		return store.ConflictDataMismatch
	}
}

func orderPair(a, b *store.Change) (earlier, later *store.Change) {
	switch {
	case a.Timestamp.Before(b.Timestamp):
		return a, b
	case b.Timestamp.Before(a.Timestamp):
		return b, a
	case a.Seq != b.Seq:
		if a.Seq < b.Seq {
			return a, b
		}
		return b, a
	case a.ID <= b.ID:
		return a, b
	default:
		return b, a
	}
}

// entityKey identifies the entity a change or conflict refers to.
type entityKey struct {
	Type string
	ID   string
}

func entityOf(c *store.Change) entityKey {
	return entityKey{Type: c.EntityType, ID: c.EntityID}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
