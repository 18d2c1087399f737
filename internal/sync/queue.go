package sync

import (
	"sort"
	"sync"

	"device-sync-service/internal/store"
)

// ChangeQueue is the ordered log of pending changes. It never touches the
// network or storage; the Manager persists it after each mutation.
//
// Changes handed in and out are copies, so callers cannot mutate queue
// state behind its lock.
type ChangeQueue struct {
	mu       sync.RWMutex
	items    []*store.Change
	index    map[string]*store.Change
	nextSeq  int64
	archived int
}

func NewChangeQueue() *ChangeQueue {
	return &ChangeQueue{
		index:   make(map[string]*store.Change),
		nextSeq: 1,
	}
}

// Load replaces the queue contents with persisted changes, ordered by Seq.
func (q *ChangeQueue) Load(changes []*store.Change, archived int) {
	items := make([]*store.Change, 0, len(changes))
	for _, c := range changes {
		items = append(items, c.Clone())
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = items
	q.index = make(map[string]*store.Change, len(items))
	q.nextSeq = 1
	for _, c := range items {
		q.index[c.ID] = c
		if c.Seq >= q.nextSeq {
			q.nextSeq = c.Seq + 1
		}
	}
	q.archived = archived
}

// Enqueue appends change and assigns its submission sequence. It reports
// false if a change with the same id is already queued.
func (q *ChangeQueue) Enqueue(change *store.Change) (*store.Change, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.index[change.ID]; ok {
		return existing.Clone(), false
	}

	c := change.Clone()
	c.Seq = q.nextSeq
	q.nextSeq++

	q.items = append(q.items, c)
	q.index[c.ID] = c
	return c.Clone(), true
}

// DequeueUnresolved returns every unresolved change in submission order.
// The changes stay queued until marked resolved.
func (q *ChangeQueue) DequeueUnresolved() []*store.Change {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []*store.Change
	for _, c := range q.items {
		if !c.Resolved {
			out = append(out, c.Clone())
		}
	}
	return out
}

// MarkResolved flags a change as resolved. Unknown and already-resolved ids
// are ignored; the return value reports whether anything changed.
func (q *ChangeQueue) MarkResolved(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.index[id]
	if !ok || c.Resolved {
		return false
	}
	c.Resolved = true
	return true
}

func (q *ChangeQueue) Get(id string) (*store.Change, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	c, ok := q.index[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// All returns every queued change, resolved or not, in submission order.
func (q *ChangeQueue) All() []*store.Change {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*store.Change, 0, len(q.items))
	for _, c := range q.items {
		out = append(out, c.Clone())
	}
	return out
}

// PruneResolved drops resolved changes from the active queue and returns
// them. They still count towards Counts.
func (q *ChangeQueue) PruneResolved() []*store.Change {
	q.mu.Lock()
	defer q.mu.Unlock()

	var pruned []*store.Change
	kept := q.items[:0]
	for _, c := range q.items {
		if c.Resolved {
			pruned = append(pruned, c)
			delete(q.index, c.ID)
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	q.archived += len(pruned)
	return pruned
}

// Counts returns the number of changes ever queued (including pruned ones)
// and how many of them are resolved.
func (q *ChangeQueue) Counts() (total, resolved int) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	total = len(q.items) + q.archived
	resolved = q.archived
	for _, c := range q.items {
		if c.Resolved {
			resolved++
		}
	}
	return total, resolved
}

func (q *ChangeQueue) Archived() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.archived
}
