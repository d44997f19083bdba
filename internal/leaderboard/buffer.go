package leaderboard

import "sync"

// DiffBuffer accumulates best-known (level, user) scores between ranking
// cycles. Writers queue improved scores only; overwrite semantics mean the
// freshest queued score wins. The rank engine drains the buffer wholesale
// under the ranking lock.
type DiffBuffer struct {
	mu    sync.Mutex
	diffs map[int]map[string]int64
}

// NewDiffBuffer returns an empty buffer.
func NewDiffBuffer() *DiffBuffer {
	return &DiffBuffer{diffs: make(map[int]map[string]int64)}
}

// Queue records a pending score for the given level and user. Callers must
// only queue scores that improve on the stored best; the buffer does not
// re-check.
func (b *DiffBuffer) Queue(level int, userID string, scoreMs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	perLevel := b.diffs[level]
	if perLevel == nil {
		perLevel = make(map[string]int64)
		b.diffs[level] = perLevel
	}
	perLevel[userID] = scoreMs
}

// Dirty reports whether any diffs are pending.
func (b *DiffBuffer) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.diffs) > 0
}

// Drain removes and returns all pending diffs.
func (b *DiffBuffer) Drain() map[int]map[string]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	drained := b.diffs
	b.diffs = make(map[int]map[string]int64)
	return drained
}

// Requeue restores a level's diffs after a failed cycle so they are retried
// on the next tick. Scores queued in the meantime win over restored ones.
func (b *DiffBuffer) Requeue(level int, scores map[string]int64) {
	if len(scores) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	perLevel := b.diffs[level]
	if perLevel == nil {
		perLevel = make(map[string]int64)
		b.diffs[level] = perLevel
	}
	for userID, score := range scores {
		if _, exists := perLevel[userID]; !exists {
			perLevel[userID] = score
		}
	}
}
