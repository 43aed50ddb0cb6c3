// Package replica holds keyed, ordered in-memory mirrors of remote collections.
//
// A Replica is shared by exactly two writers, the mutation gateway and the push
// reconciler of its collection. Every operation is atomic and leaves the
// sequence sorted by the replica's comparator, so a render driven by Subscribe
// never observes an unsorted or duplicated state.
package replica

import (
	"slices"
	"sync"
)

// Keyed is the constraint for replicated records.
type Keyed interface {
	RecordID() string
}

// Compare orders two records; it must return a negative number when a sorts
// before b, zero when they are equivalent, and a positive number otherwise.
type Compare[T any] func(a, b T) int

type Op string

const (
	OpUpsert     Op = "upsert"
	OpRemove     Op = "remove"
	OpReplaceAll Op = "replace_all"
	OpClear      Op = "clear"
)

// Change is emitted after every mutating operation. Items is a snapshot of
// the sequence after the mutation and is owned by the listener.
type Change[T any] struct {
	Op    Op
	ID    string
	Items []T
}

type Listener[T any] func(Change[T])

type Replica[T Keyed] struct {
	cmp Compare[T]

	// notifyMu serializes mutate+notify so listeners see changes in order.
	notifyMu sync.Mutex

	mu    sync.RWMutex
	items []T
	index map[string]int

	listenerMu sync.Mutex
	listeners  map[uint64]Listener[T]
	nextID     uint64
}

// New returns an empty replica ordered by cmp. A nil cmp keeps insertion
// order with new records at the front.
func New[T Keyed](cmp Compare[T]) *Replica[T] {
	return &Replica[T]{
		cmp:       cmp,
		index:     map[string]int{},
		listeners: map[uint64]Listener[T]{},
	}
}

// Upsert replaces the record with the same id in place, or inserts it, and
// re-sorts. Applying the same record twice is observably a no-op.
func (r *Replica[T]) Upsert(record T) {
	id := record.RecordID()
	r.mutate(OpUpsert, id, func() bool {
		if idx, ok := r.index[id]; ok {
			r.items[idx] = record
		} else if r.cmp == nil {
			r.items = slices.Insert(r.items, 0, record)
		} else {
			r.items = append(r.items, record)
		}
		r.resort()
		return true
	})
}

// Remove deletes the record with id. It reports whether anything was removed;
// removing an absent id is a no-op and emits no change.
func (r *Replica[T]) Remove(id string) bool {
	return r.mutate(OpRemove, id, func() bool {
		idx, ok := r.index[id]
		if !ok {
			return false
		}
		r.items = slices.Delete(r.items, idx, idx+1)
		r.reindex()
		return true
	})
}

// ReplaceAll swaps the whole sequence, as done after a full fetch. Duplicate
// ids keep the last occurrence. The replica's own comparator is applied
// whatever order the records arrive in.
func (r *Replica[T]) ReplaceAll(records []T) {
	r.mutate(OpReplaceAll, "", func() bool {
		items := make([]T, 0, len(records))
		seen := make(map[string]int, len(records))
		for _, rec := range records {
			id := rec.RecordID()
			if idx, ok := seen[id]; ok {
				items[idx] = rec
				continue
			}
			seen[id] = len(items)
			items = append(items, rec)
		}
		r.items = items
		r.resort()
		return true
	})
}

// Clear drops every record.
func (r *Replica[T]) Clear() {
	r.mutate(OpClear, "", func() bool {
		r.items = nil
		r.index = map[string]int{}
		return true
	})
}

func (r *Replica[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.index[id]
	if !ok {
		var zero T
		return zero, false
	}
	return r.items[idx], true
}

// Items returns a copy of the current sequence.
func (r *Replica[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.items)
}

func (r *Replica[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Subscribe registers a listener for changes. Listeners run synchronously
// after the mutation and must not mutate the replica.
func (r *Replica[T]) Subscribe(fn Listener[T]) (cancel func()) {
	r.listenerMu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = fn
	r.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.listenerMu.Lock()
			delete(r.listeners, id)
			r.listenerMu.Unlock()
		})
	}
}

func (r *Replica[T]) mutate(op Op, id string, apply func() bool) bool {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	changed := apply()
	var snapshot []T
	if changed {
		snapshot = slices.Clone(r.items)
	}
	r.mu.Unlock()

	if changed {
		r.notify(Change[T]{Op: op, ID: id, Items: snapshot})
	}
	return changed
}

func (r *Replica[T]) notify(change Change[T]) {
	r.listenerMu.Lock()
	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]Listener[T], 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.listeners[id])
	}
	r.listenerMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

// resort and reindex must be called with mu held.
func (r *Replica[T]) resort() {
	if r.cmp != nil {
		slices.SortStableFunc(r.items, r.cmp)
	}
	r.reindex()
}

func (r *Replica[T]) reindex() {
	index := make(map[string]int, len(r.items))
	for i, item := range r.items {
		index[item.RecordID()] = i
	}
	r.index = index
}
