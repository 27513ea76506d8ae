package repository

import (
	"sync"
	"time"
)

// EventType identifies what changed.
type EventType int

const (
	EventCreated EventType = iota
	EventTouched
	EventStateChanged
	EventStickyChanged
	EventResized
	EventNeedSpace
	EventReleased
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventTouched:
		return "touched"
	case EventStateChanged:
		return "state_changed"
	case EventStickyChanged:
		return "sticky_changed"
	case EventResized:
		return "resized"
	case EventNeedSpace:
		return "need_space"
	case EventReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after a change was applied. Old and
// New are snapshots around the change; for EventNeedSpace only Bytes is
// set, negative when a previously announced need was withdrawn.
// EventReleased is sent when the last hold on a REMOVED replica is dropped.
type Event struct {
	Type  EventType
	ID    string
	Old   Entry
	New   Entry
	Bytes int64
	Time  time.Time
}

// Subscription receives events on C until Close is called. Events that
// do not fit into the buffer are dropped and counted.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	bus     *eventBus
	id      int
	dropped uint64 // protected by bus.mu
}

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Dropped returns how many events this subscriber lost to a full buffer.
func (s *Subscription) Dropped() uint64 {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	return s.dropped
}

type eventBus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropped uint64
	closed  bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]*Subscription)}
}

func (b *eventBus) subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	s.id = b.nextID
	b.nextID++
	b.subs[s.id] = s
	return s
}

func (b *eventBus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok && b.subs[s.id] == s {
		delete(b.subs, s.id)
		close(s.ch)
	}
}

// publish never blocks.
func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped++
			b.dropped++
		}
	}
}

func (b *eventBus) totalDropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}
