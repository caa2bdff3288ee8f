package modules

import (
	"sync"
	"time"
)

// Scratch is a single module's persistent scratch-state slot (spec.md
// section 3): process-wide, never persisted, holding sliding-window
// deques keyed by IP. Each module gets its own Scratch instance from
// the orchestrator; multiple concurrent requests may hit the same
// slot, so every mutation is serialised by mu.
type Scratch struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewScratch creates an empty scratch slot.
func NewScratch() *Scratch {
	return &Scratch{windows: make(map[string][]time.Time)}
}

// trim returns ts with every entry older than now-window removed,
// preserving order. It does not mutate ts.
func trim(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := ts[:0:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// RecordAndCount atomically trims key's deque to the window, appends
// now, and returns the resulting count — the "trim stale, append now,
// compare length" operation spec.md section 5 requires under a single
// lock.
func (s *Scratch) RecordAndCount(key string, now time.Time, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := trim(s.windows[key], now, window)
	ts = append(ts, now)
	s.windows[key] = ts
	return len(ts)
}

// Count trims key's deque to the window and returns the resulting
// count without appending.
func (s *Scratch) Count(key string, now time.Time, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := trim(s.windows[key], now, window)
	s.windows[key] = ts
	return len(ts)
}

// Snapshot returns a copy of key's current deque, for tests verifying
// the trim invariant (spec.md section 8).
func (s *Scratch) Snapshot(key string) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(s.windows[key]))
	copy(out, s.windows[key])
	return out
}
