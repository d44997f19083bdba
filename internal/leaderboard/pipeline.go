package leaderboard

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"parallelport/server/internal/logging"
)

var (
	// ErrRankingBusy signals that another ranking cycle holds the shared
	// lock; the caller should retry after a short backoff.
	ErrRankingBusy = errors.New("ranking lock held")
	// ErrGlobalPending signals that the previous level cycle has not been
	// folded into the global ranking yet. Running another level cycle now
	// could mix two rank generations for the same user.
	ErrGlobalPending = errors.New("global aggregation pending")
)

// Entry is one user's row in a persisted level leaderboard.
type Entry struct {
	Score int64 `json:"score"`
	Rank  int   `json:"rank"`
}

// Doc is the persisted shape of a level leaderboard: ranked order plus
// per-user entries.
type Doc struct {
	Order []string         `json:"order"`
	Users map[string]Entry `json:"users"`
}

// GlobalEntry is one user's row in the persisted global leaderboard. Levels
// maps level number to the user's rank on that level; absent levels count as
// one worse than last place when summing.
type GlobalEntry struct {
	Levels map[int]int `json:"levels,omitempty"`
	Rank   int         `json:"rank"`
}

// GlobalDoc is the persisted shape of the cross-level leaderboard.
type GlobalDoc struct {
	Order []string               `json:"order"`
	Users map[string]GlobalEntry `json:"users"`
}

// RankKey identifies one (level, user) rank update by value, so repeated
// updates for the same pair overwrite instead of accumulating.
type RankKey struct {
	Level  int
	UserID string
}

// Store is the persistent leaderboard document store consumed by the
// pipeline. Implementations are request/response with no cross-document
// transactions assumed.
type Store interface {
	LoadLevelBoard(ctx context.Context, level int) (Doc, bool, error)
	SaveLevelBoard(ctx context.Context, level int, doc Doc) error
	LoadGlobalBoard(ctx context.Context) (GlobalDoc, bool, error)
	SaveGlobalBoard(ctx context.Context, doc GlobalDoc) error
}

// UsernameResolver maps user IDs to display names for view building.
type UsernameResolver interface {
	Username(ctx context.Context, userID string) (string, error)
}

// Snapshotter receives a copy of the committed views after each successful
// global cycle, for durable archiving.
type Snapshotter interface {
	SnapshotViews(levels map[int][]LevelEntry, global []string) error
}

// PipelineOption configures optional Pipeline behaviour.
type PipelineOption func(*Pipeline)

// WithPipelineLogger injects a logger for cycle diagnostics.
func WithPipelineLogger(logger *logging.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSnapshotter wires a durable sink for committed view generations.
func WithSnapshotter(snaps Snapshotter) PipelineOption {
	return func(p *Pipeline) { p.snaps = snaps }
}

// Pipeline owns the two-stage ranking state: the per-level rank engine and
// the global aggregator. A single mutex serialises both stages so the
// aggregator can never observe a half-updated rank-length cache; acquisition
// is non-blocking and contended cycles are retried by the run loops.
type Pipeline struct {
	mu sync.Mutex

	store      Store
	names      UsernameResolver
	buffer     *DiffBuffer
	views      *Views
	logger     *logging.Logger
	snaps      Snapshotter
	levelCount int

	// Everything below is guarded by mu, the ranking lock.
	lengths       map[int]int
	globalDiffs   map[RankKey]int
	globalPending bool
}

// NewPipeline constructs the ranking pipeline for levelCount levels.
func NewPipeline(store Store, names UsernameResolver, levelCount int, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:       store,
		names:       names,
		buffer:      NewDiffBuffer(),
		views:       NewViews(),
		logger:      logging.L(),
		levelCount:  levelCount,
		lengths:     make(map[int]int),
		globalDiffs: make(map[RankKey]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Buffer exposes the diff buffer fed by score commits.
func (p *Pipeline) Buffer() *DiffBuffer { return p.buffer }

// Views exposes the read-optimised leaderboard projection.
func (p *Pipeline) Views() *Views { return p.views }

// QueueScore records an improved score for the next level cycle.
func (p *Pipeline) QueueScore(level int, userID string, scoreMs int64) {
	p.buffer.Queue(level, userID, scoreMs)
}

// RunLevelCycle merges pending diffs into their level leaderboards, rebuilds
// rank order and views, and stages rank updates for the global aggregator.
// It acts only when diffs are pending, and defers when the lock is held or a
// global cycle from the previous generation has not run yet.
func (p *Pipeline) RunLevelCycle(ctx context.Context) error {
	if !p.buffer.Dirty() {
		return nil
	}
	if !p.mu.TryLock() {
		return ErrRankingBusy
	}
	defer p.mu.Unlock()

	if p.globalPending {
		return ErrGlobalPending
	}

	diffs := p.buffer.Drain()
	levels := make([]int, 0, len(diffs))
	for level := range diffs {
		levels = append(levels, level)
	}
	sort.Ints(levels)

	processed := 0
	for _, level := range levels {
		if err := p.rebuildLevelLocked(ctx, level, diffs[level]); err != nil {
			// One broken level must not starve the others: requeue its
			// diffs and let the next tick retry.
			p.logger.Error("level leaderboard update failed",
				logging.Int("level", level), logging.Error(err))
			p.buffer.Requeue(level, diffs[level])
			continue
		}
		processed++
	}
	if processed > 0 {
		p.globalPending = true
	}
	return nil
}

func (p *Pipeline) rebuildLevelLocked(ctx context.Context, level int, diff map[string]int64) error {
	doc, _, err := p.store.LoadLevelBoard(ctx, level)
	if err != nil {
		return err
	}
	if doc.Users == nil {
		doc.Users = make(map[string]Entry)
	}
	for userID, score := range diff {
		doc.Users[userID] = Entry{Score: score}
	}

	order := make([]string, 0, len(doc.Users))
	for userID := range doc.Users {
		order = append(order, userID)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := doc.Users[order[i]], doc.Users[order[j]]
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		return order[i] < order[j]
	})
	for i, userID := range order {
		entry := doc.Users[userID]
		entry.Rank = i + 1
		doc.Users[userID] = entry
	}
	doc.Order = order

	if err := p.store.SaveLevelBoard(ctx, level, doc); err != nil {
		return err
	}

	p.lengths[level] = len(order)
	for userID, entry := range doc.Users {
		p.globalDiffs[RankKey{Level: level, UserID: userID}] = entry.Rank
	}

	p.views.setLevel(level, p.levelView(ctx, order, doc.Users))
	p.logger.Info("level leaderboard rebuilt",
		logging.Int("level", level), logging.Int("entries", len(order)))
	return nil
}

// RunGlobalCycle folds staged rank updates into the cross-level ranking.
// Users without a record on a level are assigned a penalty rank of that
// level's list length plus one; levels with no stored data yet contribute
// nothing this cycle.
func (p *Pipeline) RunGlobalCycle(ctx context.Context) error {
	if !p.mu.TryLock() {
		return ErrRankingBusy
	}
	defer p.mu.Unlock()

	if !p.globalPending {
		return nil
	}
	p.globalPending = false

	for level := 1; level <= p.levelCount; level++ {
		if _, ok := p.lengths[level]; ok {
			continue
		}
		doc, exists, err := p.store.LoadLevelBoard(ctx, level)
		if err != nil {
			p.logger.Warn("rank list length fetch failed",
				logging.Int("level", level), logging.Error(err))
			continue
		}
		if !exists || len(doc.Order) == 0 {
			continue
		}
		p.lengths[level] = len(doc.Order)
	}

	gdoc, _, err := p.store.LoadGlobalBoard(ctx)
	if err != nil {
		// Keep the staged diffs and retry the whole cycle next tick.
		p.globalPending = true
		return err
	}
	if gdoc.Users == nil {
		gdoc.Users = make(map[string]GlobalEntry)
	}
	for key, rank := range p.globalDiffs {
		entry := gdoc.Users[key.UserID]
		if entry.Levels == nil {
			entry.Levels = make(map[int]int)
		}
		entry.Levels[key.Level] = rank
		gdoc.Users[key.UserID] = entry
	}

	rankSums := make(map[string]int, len(gdoc.Users))
	for userID, entry := range gdoc.Users {
		sum := 0
		for level := 1; level <= p.levelCount; level++ {
			length, known := p.lengths[level]
			if !known {
				continue
			}
			if rank, played := entry.Levels[level]; played {
				sum += rank
			} else {
				sum += length + 1
			}
		}
		rankSums[userID] = sum
	}

	order := make([]string, 0, len(rankSums))
	for userID := range rankSums {
		order = append(order, userID)
	}
	sort.Slice(order, func(i, j int) bool {
		if rankSums[order[i]] != rankSums[order[j]] {
			return rankSums[order[i]] < rankSums[order[j]]
		}
		return order[i] < order[j]
	})
	for i, userID := range order {
		entry := gdoc.Users[userID]
		entry.Rank = i + 1
		gdoc.Users[userID] = entry
	}
	gdoc.Order = order

	if err := p.store.SaveGlobalBoard(ctx, gdoc); err != nil {
		p.globalPending = true
		return err
	}
	p.globalDiffs = make(map[RankKey]int)

	usernames := make([]string, 0, len(order))
	for _, userID := range order {
		usernames = append(usernames, p.displayName(ctx, userID))
	}
	p.views.setGlobal(usernames)
	p.logger.Info("global leaderboard rebuilt", logging.Int("entries", len(order)))

	if p.snaps != nil {
		if err := p.snaps.SnapshotViews(p.views.Levels(), p.views.Global()); err != nil {
			p.logger.Warn("leaderboard snapshot failed", logging.Error(err))
		}
	}
	return nil
}

// WarmViews rebuilds every view from persisted leaderboards, so reads served
// right after boot do not wait for the first ranking cycle.
func (p *Pipeline) WarmViews(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for level := 1; level <= p.levelCount; level++ {
		doc, exists, err := p.store.LoadLevelBoard(ctx, level)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !exists {
			continue
		}
		p.lengths[level] = len(doc.Order)
		p.views.setLevel(level, p.levelView(ctx, doc.Order, doc.Users))
	}

	gdoc, exists, err := p.store.LoadGlobalBoard(ctx)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
		return firstErr
	}
	if exists {
		usernames := make([]string, 0, len(gdoc.Order))
		for _, userID := range gdoc.Order {
			usernames = append(usernames, p.displayName(ctx, userID))
		}
		p.views.setGlobal(usernames)
	}
	return firstErr
}

// RunLevelLoop drives level cycles until the context is cancelled. Deferred
// cycles retry after the backoff instead of waiting a full interval.
func (p *Pipeline) RunLevelLoop(ctx context.Context, interval, backoff time.Duration) {
	p.runLoop(ctx, interval, backoff, p.RunLevelCycle, "level ranking cycle failed")
}

// RunGlobalLoop drives global cycles until the context is cancelled.
func (p *Pipeline) RunGlobalLoop(ctx context.Context, interval, backoff time.Duration) {
	p.runLoop(ctx, interval, backoff, p.RunGlobalCycle, "global ranking cycle failed")
}

func (p *Pipeline) runLoop(ctx context.Context, interval, backoff time.Duration, cycle func(context.Context) error, failure string) {
	if backoff <= 0 {
		backoff = interval
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		wait := interval
		if err := cycle(ctx); err != nil {
			if errors.Is(err, ErrRankingBusy) || errors.Is(err, ErrGlobalPending) {
				wait = backoff
			} else {
				p.logger.Error(failure, logging.Error(err))
			}
		}
		timer.Reset(wait)
	}
}

func (p *Pipeline) levelView(ctx context.Context, order []string, users map[string]Entry) []LevelEntry {
	view := make([]LevelEntry, 0, len(order))
	for _, userID := range order {
		view = append(view, LevelEntry{
			Username: p.displayName(ctx, userID),
			Score:    users[userID].Score,
		})
	}
	return view
}

func (p *Pipeline) displayName(ctx context.Context, userID string) string {
	if p.names == nil {
		return userID
	}
	name, err := p.names.Username(ctx, userID)
	if err != nil || name == "" {
		return userID
	}
	return name
}
