package stream

import (
	"strings"
	"sync"
)

// Verdict classifies a sequenced event.
type Verdict int

// Sequence verdicts.
const (
	// Accept: next in sequence, first on the key, or unsequenced.
	Accept Verdict = iota
	// Duplicate: at or below the last accepted sequence; drop it.
	Duplicate
	// Gap: newer than expected. The event is accepted but the key is stale.
	Gap
)

func (v Verdict) String() string {
	switch v {
	case Duplicate:
		return "duplicate"
	case Gap:
		return "gap"
	default:
		return "accept"
	}
}

// Tracker tracks the last accepted sequence per channel key.
type Tracker struct {
	mu    sync.Mutex
	last  map[string]int64
	stale map[string]bool
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{last: make(map[string]int64), stale: make(map[string]bool)}
}

// Observe classifies seq on key and advances the key. Sequences <= 0 mean
// the feed supplied none and are always accepted.
func (t *Tracker) Observe(key string, seq int64) Verdict {
	if seq <= 0 {
		return Accept
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.last[key]
	switch {
	case !ok:
		t.last[key] = seq
		return Accept
	case seq <= last:
		return Duplicate
	case seq == last+1:
		t.last[key] = seq
		return Accept
	default:
		t.last[key] = seq
		t.stale[key] = true
		return Gap
	}
}

// Stale reports whether key has an unresolved gap.
func (t *Tracker) Stale(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stale[key]
}

// Resolve clears the stale mark of every key with the given prefix.
func (t *Tracker) Resolve(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.stale {
		if strings.HasPrefix(k, prefix) {
			delete(t.stale, k)
		}
	}
}

// Reset forgets every key with the given prefix so the next event
// re-baselines it. An empty prefix resets everything.
func (t *Tracker) Reset(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.last {
		if strings.HasPrefix(k, prefix) {
			delete(t.last, k)
		}
	}
	for k := range t.stale {
		if strings.HasPrefix(k, prefix) {
			delete(t.stale, k)
		}
	}
}
