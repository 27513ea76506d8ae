// Package repository tracks the replicas held by a pool: their lifecycle
// state, size, access times and sticky records. All mutations of a pool's
// replicas are serialized by a single lock; readers get copies.
package repository

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MetaStore persists replica metadata. Put is called before a change
// becomes visible; a failing Put leaves the replica untouched.
type MetaStore interface {
	Put(e Entry) error
	Delete(id string) error
	LoadAll() ([]Entry, error)
}

// Config contains configuration for a Repository.
type Config struct {
	Logger    zerolog.Logger
	MetaStore MetaStore        // optional
	Clock     func() time.Time // defaults to time.Now
}

// Repository holds the replica entries of one pool.
type Repository struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	inUse   map[string]int // open readers per replica
	closed  bool

	meta   MetaStore
	clock  func() time.Time
	bus    *eventBus
	logger zerolog.Logger
}

// New creates an empty repository.
func New(cfg Config) *Repository {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Repository{
		entries: make(map[string]*Entry),
		inUse:   make(map[string]int),
		meta:    cfg.MetaStore,
		clock:   cfg.Clock,
		bus:     newEventBus(),
		logger:  cfg.Logger.With().Str("component", "repository").Logger(),
	}
}

// Load populates the repository from the MetaStore. Replicas that were
// still NEW are discarded; replicas that were receiving data are marked
// BROKEN since their content is incomplete. Returns the loaded entries.
func (r *Repository) Load() ([]Entry, error) {
	if r.meta == nil {
		return nil, nil
	}
	stored, err := r.meta.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load replica metadata: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := make([]Entry, 0, len(stored))
	for _, e := range stored {
		switch {
		case e.State == StateNew:
			if err := r.meta.Delete(e.ID); err != nil {
				r.logger.Warn().Err(err).Str("id", e.ID).Msg("Failed to drop incomplete replica metadata")
			}
			continue
		case e.State.IsReceiving():
			r.logger.Warn().Str("id", e.ID).Str("state", e.State.String()).Msg("Replica was incomplete at shutdown, marking broken")
			e.State = Broken
			if err := r.meta.Put(e); err != nil {
				return nil, fmt.Errorf("mark replica %s broken: %w", e.ID, err)
			}
		case e.State == Destroyed:
			continue
		}
		ent := e.clone()
		r.entries[e.ID] = &ent
		loaded = append(loaded, e.clone())
	}

	r.logger.Info().Int("replicas", len(loaded)).Msg("Loaded replica metadata")
	return loaded, nil
}

// Subscribe returns a subscription receiving every subsequent event.
func (r *Repository) Subscribe(buffer int) *Subscription {
	return r.bus.subscribe(buffer)
}

// DroppedEvents returns how many events were dropped across all subscribers.
func (r *Repository) DroppedEvents() uint64 {
	return r.bus.totalDropped()
}

// Close rejects further changes and closes all subscriptions.
func (r *Repository) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.bus.close()
}

// Create adds a replica in state NEW.
func (r *Repository) Create(id, storageClass string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Entry{}, ErrClosed
	}
	if _, ok := r.entries[id]; ok {
		return Entry{}, fmt.Errorf("replica %s: %w", id, ErrExists)
	}

	now := r.clock()
	e := Entry{
		ID:             id,
		State:          StateNew,
		StorageClass:   storageClass,
		CreationTime:   now,
		LastAccessTime: now,
	}
	if err := r.persist(e); err != nil {
		return Entry{}, err
	}
	r.entries[id] = &e
	r.bus.publish(Event{Type: EventCreated, ID: id, New: e.clone(), Time: now})
	return e.clone(), nil
}

// Get returns a snapshot of the replica.
func (r *Repository) Get(id string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("replica %s: %w", id, ErrNotFound)
	}
	return e.clone(), nil
}

// List returns snapshots of all replicas ordered by ID.
func (r *Repository) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of replicas.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Transition moves the replica to state to. Illegal transitions return a
// *TransitionError and leave the replica unchanged. Reaching DESTROYED
// drops the replica from the repository.
func (r *Repository) Transition(id string, to State) (Entry, error) {
	return r.transition(id, nil, to)
}

// CompareAndTransition is like Transition but fails with ErrStateChanged
// unless the replica is currently in state from.
func (r *Repository) CompareAndTransition(id string, from, to State) (Entry, error) {
	return r.transition(id, &from, to)
}

func (r *Repository) transition(id string, expected *State, to State) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(id, expected, to)
}

func (r *Repository) transitionLocked(id string, expected *State, to State) (Entry, error) {
	if r.closed {
		return Entry{}, ErrClosed
	}
	cur, ok := r.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("replica %s: %w", id, ErrNotFound)
	}
	if expected != nil && cur.State != *expected {
		return cur.clone(), &TransitionError{ID: id, From: cur.State, To: to, Stale: true}
	}
	if !CanTransition(cur.State, to) {
		return cur.clone(), &TransitionError{ID: id, From: cur.State, To: to}
	}

	next := cur.clone()
	next.State = to

	if to == Destroyed {
		if r.inUse[id] > 0 {
			return cur.clone(), fmt.Errorf("replica %s: %w", id, ErrInUse)
		}
		if r.meta != nil {
			if err := r.meta.Delete(id); err != nil {
				return cur.clone(), fmt.Errorf("replica %s: delete metadata: %w", id, err)
			}
		}
		delete(r.entries, id)
	} else {
		if err := r.persist(next); err != nil {
			return cur.clone(), err
		}
		r.entries[id] = &next
	}

	r.logger.Debug().
		Str("id", id).
		Str("from", cur.State.String()).
		Str("to", to.String()).
		Msg("Replica state changed")

	r.bus.publish(Event{Type: EventStateChanged, ID: id, Old: cur.clone(), New: next.clone(), Time: r.clock()})
	return next.clone(), nil
}

// SetSize updates the size of a replica that is still receiving data.
func (r *Repository) SetSize(id string, size int64) (Entry, error) {
	if size < 0 {
		return Entry{}, fmt.Errorf("replica %s: negative size %d", id, size)
	}
	return r.update(id, func(e *Entry) (bool, error) {
		if !e.State.IsReceiving() {
			return false, fmt.Errorf("replica %s: set size in state %s: %w", id, e.State, ErrInvalidState)
		}
		if e.Size == size {
			return false, nil
		}
		e.Size = size
		return true, nil
	}, EventResized, false)
}

// Touch records a read access. Access times never move backwards.
func (r *Repository) Touch(id string) (Entry, error) {
	now := r.clock()
	return r.update(id, func(e *Entry) (bool, error) {
		if !now.After(e.LastAccessTime) {
			return false, nil
		}
		e.LastAccessTime = now
		return true, nil
	}, EventTouched, true)
}

// AddSticky adds or replaces the sticky record of owner. A zero expires
// never expires. Only complete or broken replicas can be sticky.
func (r *Repository) AddSticky(id, owner string, expires time.Time) (Entry, error) {
	return r.update(id, func(e *Entry) (bool, error) {
		switch e.State {
		case Cached, Precious, Broken:
		default:
			return false, fmt.Errorf("replica %s: set sticky in state %s: %w", id, e.State, ErrInvalidState)
		}
		for i, rec := range e.Sticky {
			if rec.Owner == owner {
				if rec.Expires.Equal(expires) {
					return false, nil
				}
				e.Sticky[i].Expires = expires
				return true, nil
			}
		}
		e.Sticky = append(e.Sticky, StickyRecord{Owner: owner, Expires: expires})
		return true, nil
	}, EventStickyChanged, false)
}

// RemoveSticky removes the sticky record of owner if present.
func (r *Repository) RemoveSticky(id, owner string) (Entry, error) {
	return r.update(id, func(e *Entry) (bool, error) {
		for i, rec := range e.Sticky {
			if rec.Owner == owner {
				e.Sticky = append(e.Sticky[:i], e.Sticky[i+1:]...)
				return true, nil
			}
		}
		return false, nil
	}, EventStickyChanged, false)
}

// ExpireSticky drops sticky records that expired before now and returns
// the number of replicas that changed.
func (r *Repository) ExpireSticky(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0
	}
	changed := 0
	for id, cur := range r.entries {
		kept := cur.Sticky[:0:0]
		for _, rec := range cur.Sticky {
			if rec.IsValid(now) {
				kept = append(kept, rec)
			}
		}
		if len(kept) == len(cur.Sticky) {
			continue
		}
		next := cur.clone()
		next.Sticky = kept
		if err := r.persist(next); err != nil {
			r.logger.Warn().Err(err).Str("id", id).Msg("Failed to persist sticky expiration")
			continue
		}
		r.entries[id] = &next
		r.bus.publish(Event{Type: EventStickyChanged, ID: id, Old: cur.clone(), New: next.clone(), Time: now})
		changed++
	}
	return changed
}

// Evictable returns the replicas that may be evicted at now, least
// recently used first.
func (r *Repository) Evictable(now time.Time) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for id, e := range r.entries {
		if e.IsEvictable(now) && r.inUse[id] == 0 {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastAccessTime.Equal(out[j].LastAccessTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastAccessTime.Before(out[j].LastAccessTime)
	})
	return out
}

// Evict moves an evictable replica from CACHED to REMOVED. It fails with
// ErrInUse while a reader holds the replica and with ErrStateChanged when
// the replica was touched, pinned or removed since it was listed.
func (r *Repository) Evict(id string, now time.Time) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("replica %s: %w", id, ErrNotFound)
	}
	if r.inUse[id] > 0 {
		return cur.clone(), fmt.Errorf("replica %s: %w", id, ErrInUse)
	}
	if !cur.IsEvictable(now) {
		return cur.clone(), &TransitionError{ID: id, From: cur.State, To: Removed, Stale: true}
	}
	return r.transitionLocked(id, nil, Removed)
}

// Acquire marks a readable replica as in use. An in-use replica is never
// evicted and is not destroyed until every holder called Release.
func (r *Repository) Acquire(id string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Entry{}, ErrClosed
	}
	cur, ok := r.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("replica %s: %w", id, ErrNotFound)
	}
	if !cur.State.IsReadable() {
		return cur.clone(), fmt.Errorf("replica %s: read in state %s: %w", id, cur.State, ErrInvalidState)
	}
	r.inUse[id]++
	return cur.clone(), nil
}

// Release drops one hold taken by Acquire. Dropping the last hold on a
// REMOVED replica publishes EventReleased.
func (r *Repository) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.inUse[id] - 1
	if n > 0 {
		r.inUse[id] = n
		return
	}
	delete(r.inUse, id)
	if e, ok := r.entries[id]; ok && e.State == Removed {
		r.bus.publish(Event{Type: EventReleased, ID: id, Old: e.clone(), New: e.clone(), Time: r.clock()})
	}
}

// InUse returns the number of holds on the replica.
func (r *Repository) InUse(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inUse[id]
}

// NotifyNeedSpace tells subscribers that bytes of space are wanted, or
// no longer wanted when bytes is negative.
func (r *Repository) NotifyNeedSpace(bytes int64) {
	r.bus.publish(Event{Type: EventNeedSpace, Bytes: bytes, Time: r.clock()})
}

// update applies fn to a copy of the replica under the lock and commits it
// when fn reports a change.
func (r *Repository) update(id string, fn func(e *Entry) (bool, error), evType EventType, skipPersist bool) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Entry{}, ErrClosed
	}
	cur, ok := r.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("replica %s: %w", id, ErrNotFound)
	}

	next := cur.clone()
	changed, err := fn(&next)
	if err != nil {
		return cur.clone(), err
	}
	if !changed {
		return cur.clone(), nil
	}
	if !skipPersist {
		if err := r.persist(next); err != nil {
			return cur.clone(), err
		}
	}
	r.entries[id] = &next
	r.bus.publish(Event{Type: evType, ID: id, Old: cur.clone(), New: next.clone(), Time: r.clock()})
	return next.clone(), nil
}

func (r *Repository) persist(e Entry) error {
	if r.meta == nil {
		return nil
	}
	if err := r.meta.Put(e); err != nil {
		return fmt.Errorf("replica %s: persist metadata: %w", e.ID, err)
	}
	return nil
}
