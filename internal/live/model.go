// Package live holds the in-memory feed of engine events, with dedup by
// event id, a bounded replay buffer and pub/sub for gRPC streaming.
package live

import (
	"sync"
	"time"

	"levelx/internal/domain"
)

// DefaultCapacity is the replay buffer size used when none is given.
const DefaultCapacity = 2048

// Feed keeps the most recent engine events and fans new ones out to
// subscribers. A slow subscriber loses events rather than stalling the
// engine.
type Feed struct {
	mu       sync.RWMutex
	events   []domain.Event // ring buffer, oldest at head
	head     int
	size     int
	seen     map[string]bool // ids currently in the buffer
	day      string
	capacity int

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan domain.Event
	dropped   map[int]int
}

// NewFeed creates a feed replaying at most capacity events.
func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Feed{
		events:   make([]domain.Event, capacity),
		seen:     make(map[string]bool, capacity),
		capacity: capacity,
		subs:     make(map[int]chan domain.Event),
		dropped:  make(map[int]int),
	}
}

// Publish appends ev and notifies subscribers. It returns false if an event
// with the same id is already buffered.
func (f *Feed) Publish(ev domain.Event) bool {
	f.mu.Lock()
	if ev.ID != "" && f.seen[ev.ID] {
		f.mu.Unlock()
		return false
	}
	if f.size == f.capacity {
		old := f.events[f.head]
		delete(f.seen, old.ID)
		f.events[f.head] = ev
		f.head = (f.head + 1) % f.capacity
	} else {
		f.events[(f.head+f.size)%f.capacity] = ev
		f.size++
	}
	if ev.ID != "" {
		f.seen[ev.ID] = true
	}
	f.mu.Unlock()

	f.subsMu.Lock()
	for id, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			f.dropped[id]++
		}
	}
	f.subsMu.Unlock()
	return true
}

// Since returns buffered events at or after t, oldest first. A zero t
// returns the whole buffer.
func (f *Feed) Since(t time.Time) []domain.Event {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.Event, 0, f.size)
	for i := 0; i < f.size; i++ {
		ev := f.events[(f.head+i)%f.capacity]
		if t.IsZero() || !ev.At.Before(t) {
			out = append(out, ev)
		}
	}
	return out
}

// Recent returns the last n events, oldest first.
func (f *Feed) Recent(n int) []domain.Event {
	all := f.Since(time.Time{})
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Len returns the number of buffered events.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size
}

// SwitchDay drops events from before the new session so a replay starts at
// the session open.
func (f *Feed) SwitchDay(day string, sessionDate func(time.Time) string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if day == f.day {
		return
	}
	f.day = day

	kept := make([]domain.Event, 0, f.size)
	for i := 0; i < f.size; i++ {
		ev := f.events[(f.head+i)%f.capacity]
		if sessionDate(ev.At) >= day {
			kept = append(kept, ev)
		}
	}
	f.events = make([]domain.Event, f.capacity)
	copy(f.events, kept)
	f.head, f.size = 0, len(kept)
	f.seen = make(map[string]bool, len(kept))
	for _, ev := range kept {
		f.seen[ev.ID] = true
	}
}

// Subscribe creates a subscription channel for new events.
func (f *Feed) Subscribe(bufSize int) (id int, ch <-chan domain.Event) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	id = f.nextSubID
	f.nextSubID++
	c := make(chan domain.Event, bufSize)
	f.subs[id] = c
	return id, c
}

// Dropped returns how many events subscription id has missed.
func (f *Feed) Dropped(id int) int {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	return f.dropped[id]
}

// Unsubscribe removes a subscription and closes its channel.
func (f *Feed) Unsubscribe(id int) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
		delete(f.dropped, id)
	}
}
