// Package progress commits finalised run outcomes to the user document and
// feeds score improvements to the ranking pipeline.
package progress

import (
	"context"
	"fmt"
	"time"

	"parallelport/server/internal/logging"
	"parallelport/server/internal/store"
)

// UserStore is the user-document persistence consumed by the recorder.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	PutUser(ctx context.Context, user *store.User) error
}

// ScoreQueue receives score improvements for the next ranking cycle.
type ScoreQueue interface {
	QueueScore(level int, userID string, scoreMs int64)
}

// RecorderOption configures optional Recorder behaviour.
type RecorderOption func(*Recorder)

// WithRecorderLogger injects a logger for commit diagnostics.
func WithRecorderLogger(logger *logging.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Recorder applies validated run outcomes: best completion times, level
// unlocks, and death counts. Only improvements reach the leaderboards; a
// slower repeat of a cleared level changes nothing.
type Recorder struct {
	users  UserStore
	boards ScoreQueue
	logger *logging.Logger
}

// NewRecorder wires the recorder to its user store and score queue.
func NewRecorder(users UserStore, boards ScoreQueue, opts ...RecorderOption) *Recorder {
	r := &Recorder{users: users, boards: boards, logger: logging.L()}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RecordCompletion commits a validated finish: it stores the personal best,
// queues the score when it improved, and unlocks the next level when the
// cleared level is the user's current frontier.
func (r *Recorder) RecordCompletion(ctx context.Context, userID string, level int, duration time.Duration) error {
	user, err := r.users.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user %s: %w", userID, err)
	}
	if user.Progress == nil {
		user.Progress = make(map[int]int64)
	}

	scoreMs := duration.Milliseconds()
	best, played := user.Progress[level]
	improved := !played || scoreMs < best
	if improved {
		user.Progress[level] = scoreMs
	}
	if user.CurrentLevel <= 0 {
		user.CurrentLevel = 1
	}
	if level == user.CurrentLevel {
		user.CurrentLevel = level + 1
	}

	if err := r.users.PutUser(ctx, user); err != nil {
		return fmt.Errorf("store user %s: %w", userID, err)
	}
	if improved && r.boards != nil {
		r.boards.QueueScore(level, userID, scoreMs)
	}

	r.logger.Info("run completion recorded",
		logging.String("user_id", userID),
		logging.Int("level", level),
		logging.Duration("duration", duration),
		logging.Bool("improved", improved))
	return nil
}

// RecordDeath commits a validated death by bumping the user's death counter.
func (r *Recorder) RecordDeath(ctx context.Context, userID string, level int) error {
	user, err := r.users.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user %s: %w", userID, err)
	}
	user.DeathCount++
	if err := r.users.PutUser(ctx, user); err != nil {
		return fmt.Errorf("store user %s: %w", userID, err)
	}
	r.logger.Info("run death recorded",
		logging.String("user_id", userID),
		logging.Int("level", level),
		logging.Int("death_count", user.DeathCount))
	return nil
}
