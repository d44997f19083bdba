package leaderboard

import (
	"context"
	"errors"
	"testing"
)

type memoryStore struct {
	levels    map[int]Doc
	global    GlobalDoc
	hasGlobal bool

	failLevelSave  int
	failGlobalSave int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{levels: make(map[int]Doc)}
}

func (m *memoryStore) LoadLevelBoard(_ context.Context, level int) (Doc, bool, error) {
	doc, ok := m.levels[level]
	return doc, ok, nil
}

func (m *memoryStore) SaveLevelBoard(_ context.Context, level int, doc Doc) error {
	if m.failLevelSave > 0 {
		m.failLevelSave--
		return errors.New("save failed")
	}
	m.levels[level] = doc
	return nil
}

func (m *memoryStore) LoadGlobalBoard(context.Context) (GlobalDoc, bool, error) {
	return m.global, m.hasGlobal, nil
}

func (m *memoryStore) SaveGlobalBoard(_ context.Context, doc GlobalDoc) error {
	if m.failGlobalSave > 0 {
		m.failGlobalSave--
		return errors.New("save failed")
	}
	m.global = doc
	m.hasGlobal = true
	return nil
}

type staticNames map[string]string

func (n staticNames) Username(_ context.Context, userID string) (string, error) {
	if name, ok := n[userID]; ok {
		return name, nil
	}
	return "", errors.New("unknown user")
}

func newTestPipeline(store Store) *Pipeline {
	names := staticNames{"u1": "alice", "u2": "bob", "u3": "carol"}
	return NewPipeline(store, names, 2)
}

func TestLevelCycleRanksByScore(t *testing.T) {
	store := newMemoryStore()
	p := newTestPipeline(store)

	p.QueueScore(1, "u1", 10000)
	p.QueueScore(1, "u2", 5000)
	if err := p.RunLevelCycle(context.Background()); err != nil {
		t.Fatalf("level cycle failed: %v", err)
	}

	doc := store.levels[1]
	if len(doc.Order) != 2 || doc.Order[0] != "u2" || doc.Order[1] != "u1" {
		t.Fatalf("unexpected order %v", doc.Order)
	}
	if doc.Users["u2"].Rank != 1 || doc.Users["u1"].Rank != 2 {
		t.Fatalf("unexpected ranks %+v", doc.Users)
	}

	view := p.Views().Level(1)
	if len(view) != 2 || view[0].Username != "bob" || view[0].Score != 5000 {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestLevelCycleIsNoOpWithoutDiffs(t *testing.T) {
	store := newMemoryStore()
	p := newTestPipeline(store)
	if err := p.RunLevelCycle(context.Background()); err != nil {
		t.Fatalf("empty cycle must succeed: %v", err)
	}
	if len(store.levels) != 0 {
		t.Fatalf("empty cycle must not persist anything, got %v", store.levels)
	}
}

func TestLevelCycleDefersWhileGlobalPending(t *testing.T) {
	store := newMemoryStore()
	p := newTestPipeline(store)

	p.QueueScore(1, "u1", 10000)
	if err := p.RunLevelCycle(context.Background()); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}

	p.QueueScore(1, "u2", 5000)
	if err := p.RunLevelCycle(context.Background()); !errors.Is(err, ErrGlobalPending) {
		t.Fatalf("expected ErrGlobalPending, got %v", err)
	}

	if err := p.RunGlobalCycle(context.Background()); err != nil {
		t.Fatalf("global cycle failed: %v", err)
	}
	if err := p.RunLevelCycle(context.Background()); err != nil {
		t.Fatalf("cycle after global must succeed: %v", err)
	}
	if got := store.levels[1].Order[0]; got != "u2" {
		t.Fatalf("expected u2 first after deferred cycle, got %s", got)
	}
}

func TestLevelCycleRequeuesFailedLevel(t *testing.T) {
	store := newMemoryStore()
	store.failLevelSave = 1
	p := newTestPipeline(store)

	p.QueueScore(1, "u1", 10000)
	if err := p.RunLevelCycle(context.Background()); err != nil {
		t.Fatalf("cycle must swallow per-level failures: %v", err)
	}
	if _, ok := store.levels[1]; ok {
		t.Fatal("failed save must not persist")
	}
	if !p.Buffer().Dirty() {
		t.Fatal("failed level must requeue its diffs")
	}

	if err := p.RunLevelCycle(context.Background()); err != nil {
		t.Fatalf("retry cycle failed: %v", err)
	}
	if store.levels[1].Users["u1"].Score != 10000 {
		t.Fatalf("retried diff missing, got %+v", store.levels[1])
	}
}

func TestGlobalCycleAppliesPenaltyRanks(t *testing.T) {
	store := newMemoryStore()
	// Level 2 already holds five ranked users; u1 has never played it.
	store.levels[2] = Doc{
		Order: []string{"a", "b", "c", "d", "e"},
		Users: map[string]Entry{
			"a": {Rank: 1}, "b": {Rank: 2}, "c": {Rank: 3}, "d": {Rank: 4}, "e": {Rank: 5},
		},
	}
	p := newTestPipeline(store)

	p.QueueScore(1, "u1", 10000)
	if err := p.RunLevelCycle(context.Background()); err != nil {
		t.Fatalf("level cycle failed: %v", err)
	}
	if err := p.RunGlobalCycle(context.Background()); err != nil {
		t.Fatalf("global cycle failed: %v", err)
	}

	entry, ok := store.global.Users["u1"]
	if !ok {
		t.Fatalf("u1 missing from global doc: %+v", store.global)
	}
	// Rank 1 on level one plus penalty 5+1 on level two.
	if entry.Levels[1] != 1 {
		t.Fatalf("expected rank 1 on level 1, got %+v", entry)
	}
	if entry.Rank != 1 {
		t.Fatalf("expected global rank 1 for the only summed user, got %+v", entry)
	}
}

func TestGlobalCycleOrdersByRankSum(t *testing.T) {
	store := newMemoryStore()
	p := newTestPipeline(store)

	// u1 wins level 1, u2 wins level 2; u2 is second on level 1 while u1
	// never played level 2 and eats the penalty there.
	p.QueueScore(1, "u1", 5000)
	p.QueueScore(1, "u2", 7000)
	p.QueueScore(2, "u2", 9000)
	if err := p.RunLevelCycle(context.Background()); err != nil {
		t.Fatalf("level cycle failed: %v", err)
	}
	if err := p.RunGlobalCycle(context.Background()); err != nil {
		t.Fatalf("global cycle failed: %v", err)
	}

	// Sums: u1 = 1 + (1+1) = 3, u2 = 2 + 1 = 3; the tie breaks by user ID.
	if len(store.global.Order) != 2 || store.global.Order[0] != "u1" || store.global.Order[1] != "u2" {
		t.Fatalf("unexpected global order %v", store.global.Order)
	}

	global := p.Views().Global()
	if len(global) != 2 || global[0] != "alice" || global[1] != "bob" {
		t.Fatalf("unexpected global view %v", global)
	}
}

func TestGlobalCycleRetriesAfterSaveFailure(t *testing.T) {
	store := newMemoryStore()
	store.failGlobalSave = 1
	p := newTestPipeline(store)

	p.QueueScore(1, "u1", 10000)
	if err := p.RunLevelCycle(context.Background()); err != nil {
		t.Fatalf("level cycle failed: %v", err)
	}
	if err := p.RunGlobalCycle(context.Background()); err == nil {
		t.Fatal("expected global cycle to surface the save failure")
	}

	// The failed generation stays pending and commits on the next tick.
	if err := p.RunGlobalCycle(context.Background()); err != nil {
		t.Fatalf("retry global cycle failed: %v", err)
	}
	if _, ok := store.global.Users["u1"]; !ok {
		t.Fatalf("u1 missing after retried global cycle: %+v", store.global)
	}
}

func TestGlobalCycleIsIdempotentWhenClean(t *testing.T) {
	store := newMemoryStore()
	p := newTestPipeline(store)
	if err := p.RunGlobalCycle(context.Background()); err != nil {
		t.Fatalf("clean global cycle must succeed: %v", err)
	}
	if store.hasGlobal {
		t.Fatal("clean global cycle must not persist anything")
	}
}

func TestWarmViewsRebuildsFromPersistedBoards(t *testing.T) {
	store := newMemoryStore()
	store.levels[1] = Doc{
		Order: []string{"u2", "u1"},
		Users: map[string]Entry{"u2": {Score: 5000, Rank: 1}, "u1": {Score: 10000, Rank: 2}},
	}
	store.global = GlobalDoc{Order: []string{"u2", "u1"}, Users: map[string]GlobalEntry{}}
	store.hasGlobal = true

	p := newTestPipeline(store)
	if err := p.WarmViews(context.Background()); err != nil {
		t.Fatalf("warm views failed: %v", err)
	}

	view := p.Views().Level(1)
	if len(view) != 2 || view[0].Username != "bob" {
		t.Fatalf("unexpected warmed view %+v", view)
	}
	global := p.Views().Global()
	if len(global) != 2 || global[0] != "bob" || global[1] != "alice" {
		t.Fatalf("unexpected warmed global view %v", global)
	}
}

func TestDiffBufferOverwriteAndRequeue(t *testing.T) {
	buffer := NewDiffBuffer()
	buffer.Queue(1, "u1", 10000)
	buffer.Queue(1, "u1", 8000)

	drained := buffer.Drain()
	if drained[1]["u1"] != 8000 {
		t.Fatalf("expected freshest score to win, got %v", drained)
	}
	if buffer.Dirty() {
		t.Fatal("buffer must be clean after drain")
	}

	// A score queued after the drain beats the requeued one.
	buffer.Queue(1, "u1", 7000)
	buffer.Requeue(1, drained[1])
	if got := buffer.Drain()[1]["u1"]; got != 7000 {
		t.Fatalf("expected newer score to survive requeue, got %d", got)
	}
}
