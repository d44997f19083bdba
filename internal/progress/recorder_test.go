package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"parallelport/server/internal/store"
)

type memoryUsers struct{ users map[string]*store.User }

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{users: make(map[string]*store.User)}
}

func (m *memoryUsers) GetUser(_ context.Context, id string) (*store.User, error) {
	user, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *user
	clone.Progress = make(map[int]int64, len(user.Progress))
	for level, score := range user.Progress {
		clone.Progress[level] = score
	}
	return &clone, nil
}

func (m *memoryUsers) PutUser(_ context.Context, user *store.User) error {
	m.users[user.ID] = user
	return nil
}

type queued struct {
	level  int
	userID string
	score  int64
}

type fakeQueue struct{ scores []queued }

func (q *fakeQueue) QueueScore(level int, userID string, scoreMs int64) {
	q.scores = append(q.scores, queued{level, userID, scoreMs})
}

func seedUser(users *memoryUsers, currentLevel int, progress map[int]int64) {
	users.users["u1"] = &store.User{
		ID: "u1", Username: "alice", CurrentLevel: currentLevel, Progress: progress,
	}
}

func TestRecordCompletionStoresBestAndQueues(t *testing.T) {
	users := newMemoryUsers()
	queue := &fakeQueue{}
	seedUser(users, 1, nil)
	recorder := NewRecorder(users, queue)

	if err := recorder.RecordCompletion(context.Background(), "u1", 1, 9*time.Second); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	saved := users.users["u1"]
	if saved.Progress[1] != 9000 {
		t.Fatalf("expected 9000ms stored, got %v", saved.Progress)
	}
	if saved.CurrentLevel != 2 {
		t.Fatalf("expected level unlock to 2, got %d", saved.CurrentLevel)
	}
	if len(queue.scores) != 1 || queue.scores[0] != (queued{1, "u1", 9000}) {
		t.Fatalf("unexpected queue %+v", queue.scores)
	}
}

func TestRecordCompletionIgnoresSlowerRepeat(t *testing.T) {
	users := newMemoryUsers()
	queue := &fakeQueue{}
	seedUser(users, 2, map[int]int64{1: 8000})
	recorder := NewRecorder(users, queue)

	if err := recorder.RecordCompletion(context.Background(), "u1", 1, 9*time.Second); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	if got := users.users["u1"].Progress[1]; got != 8000 {
		t.Fatalf("slower repeat must keep the best, got %d", got)
	}
	if len(queue.scores) != 0 {
		t.Fatalf("slower repeat must not queue, got %+v", queue.scores)
	}
}

func TestRecordCompletionDoesNotUnlockPastLevels(t *testing.T) {
	users := newMemoryUsers()
	queue := &fakeQueue{}
	seedUser(users, 3, map[int]int64{1: 9000})
	recorder := NewRecorder(users, queue)

	if err := recorder.RecordCompletion(context.Background(), "u1", 1, 8*time.Second); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	saved := users.users["u1"]
	if saved.CurrentLevel != 3 {
		t.Fatalf("replaying a cleared level must not change the frontier, got %d", saved.CurrentLevel)
	}
	// The improved time still reaches the leaderboard.
	if len(queue.scores) != 1 || queue.scores[0].score != 8000 {
		t.Fatalf("improvement must queue, got %+v", queue.scores)
	}
}

func TestRecordCompletionUnknownUser(t *testing.T) {
	recorder := NewRecorder(newMemoryUsers(), &fakeQueue{})
	err := recorder.RecordCompletion(context.Background(), "missing", 1, 9*time.Second)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordDeathIncrementsCounter(t *testing.T) {
	users := newMemoryUsers()
	seedUser(users, 1, nil)
	recorder := NewRecorder(users, &fakeQueue{})

	if err := recorder.RecordDeath(context.Background(), "u1", 1); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := recorder.RecordDeath(context.Background(), "u1", 1); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if got := users.users["u1"].DeathCount; got != 2 {
		t.Fatalf("expected two deaths, got %d", got)
	}
}
