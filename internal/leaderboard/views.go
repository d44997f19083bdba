package leaderboard

import "sync"

// LevelEntry is one row of a per-level leaderboard view.
type LevelEntry struct {
	Username string `json:"username"`
	Score    int64  `json:"score"`
}

// Views is the read-optimised projection served to leaderboard queries. The
// ranking stages overwrite whole views on each successful cycle; readers
// always see the last fully committed generation and never block on a
// ranking computation.
type Views struct {
	mu     sync.RWMutex
	levels map[int][]LevelEntry
	global []string
}

// NewViews returns an empty view cache.
func NewViews() *Views {
	return &Views{levels: make(map[int][]LevelEntry)}
}

// Level returns the cached view for one level in ranked order.
func (v *Views) Level(level int) []LevelEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cached := v.levels[level]
	out := make([]LevelEntry, len(cached))
	copy(out, cached)
	return out
}

// Global returns the cached cross-level ranking as ordered usernames.
func (v *Views) Global() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, len(v.global))
	copy(out, v.global)
	return out
}

// Levels returns a copy of every cached level view, keyed by level.
func (v *Views) Levels() map[int][]LevelEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[int][]LevelEntry, len(v.levels))
	for level, entries := range v.levels {
		clone := make([]LevelEntry, len(entries))
		copy(clone, entries)
		out[level] = clone
	}
	return out
}

func (v *Views) setLevel(level int, entries []LevelEntry) {
	v.mu.Lock()
	v.levels[level] = entries
	v.mu.Unlock()
}

func (v *Views) setGlobal(usernames []string) {
	v.mu.Lock()
	v.global = usernames
	v.mu.Unlock()
}
