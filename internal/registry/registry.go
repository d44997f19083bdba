// Package registry tracks every live telemetry session, routes events to the
// owning session, reaps abandoned runs, and finalises completed ones.
package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"parallelport/server/internal/logging"
	"parallelport/server/internal/telemetry"
)

var (
	// ErrSessionActive rejects a second concurrent run for the same login.
	ErrSessionActive = errors.New("session already active for user")
	// ErrUnknownSession rejects telemetry for a session the registry does not
	// track, including sessions already swept.
	ErrUnknownSession = errors.New("unknown game session")
)

// Finalizer commits the outcome of a validated run.
type Finalizer interface {
	RecordCompletion(ctx context.Context, userID string, level int, duration time.Duration) error
	RecordDeath(ctx context.Context, userID string, level int) error
}

// Archiver receives every closed session for durable audit storage.
type Archiver interface {
	ArchiveSession(session *telemetry.Session, verdict string) error
}

// Verdicts attached to archived sessions.
const (
	VerdictCompleted = "completed"
	VerdictDied      = "died"
	VerdictRejected  = "rejected"
	VerdictAbandoned = "abandoned"
)

// Option configures optional Registry behaviour at construction time.
type Option func(*Registry)

// WithClock overrides the wall-clock source, enabling deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithLogger injects a logger for sweep and finalization diagnostics.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithArchiver wires the audit archive sink.
func WithArchiver(archiver Archiver) Option {
	return func(r *Registry) { r.archiver = archiver }
}

// Stats is a point-in-time snapshot of registry activity.
type Stats struct {
	ActiveSessions      int
	PendingFinalization int
	EventsAccepted      uint64
	EventsRejected      uint64
}

// Registry owns the map from game session IDs to live sessions. A session
// leaves the live map the moment it stops running and waits in the pending
// set until the next sweep finalises it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*telemetry.Session
	byToken  map[string]string
	pending  map[string]*telemetry.Session

	now       func() time.Time
	logger    *logging.Logger
	finalizer Finalizer
	archiver  Archiver

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// New constructs an empty registry bound to its finalizer.
func New(finalizer Finalizer, opts ...Option) *Registry {
	r := &Registry{
		sessions:  make(map[string]*telemetry.Session),
		byToken:   make(map[string]string),
		pending:   make(map[string]*telemetry.Session),
		now:       time.Now,
		logger:    logging.L(),
		finalizer: finalizer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// CreateSession registers a new run for the user. A login token may own at
// most one live session; a second request fails rather than silently
// replacing the run in flight.
func (r *Registry) CreateSession(userID, userToken, gameSessionID string, level int) (*telemetry.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, active := r.byToken[userToken]; active {
		return nil, ErrSessionActive
	}
	session := telemetry.NewSession(userID, userToken, gameSessionID, level, telemetry.WithClock(r.now))
	r.sessions[gameSessionID] = session
	r.byToken[userToken] = gameSessionID
	r.logger.Info("game session created",
		logging.String("user_id", userID),
		logging.String("game_session_id", gameSessionID),
		logging.Int("level", level))
	return session, nil
}

// Lookup returns the live session for the given ID, if any.
func (r *Registry) Lookup(gameSessionID string) (*telemetry.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[gameSessionID]
	return session, ok
}

// LookupByToken returns the live session owned by the given login token.
func (r *Registry) LookupByToken(userToken string) (*telemetry.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byToken[userToken]
	if !ok {
		return nil, false
	}
	session, ok := r.sessions[id]
	return session, ok
}

// HandleEvent routes one event to its session and applies the decision. When
// the event ends the run, the session moves to the pending set for the next
// sweep to finalise. The returned decision mirrors the session's; an unknown
// session yields an error.
func (r *Registry) HandleEvent(gameSessionID string, in telemetry.Incoming) (telemetry.Decision, error) {
	r.mu.Lock()
	session, ok := r.sessions[gameSessionID]
	if !ok {
		r.mu.Unlock()
		r.rejected.Add(1)
		return telemetry.Decision{}, ErrUnknownSession
	}

	decision := session.HandleEvent(in)
	if !session.Running() {
		delete(r.sessions, gameSessionID)
		delete(r.byToken, session.UserToken)
		r.pending[gameSessionID] = session
	}
	r.mu.Unlock()

	if decision.Accepted {
		r.accepted.Add(1)
	} else {
		r.rejected.Add(1)
	}
	if decision.Critical {
		r.logger.Warn("telemetry invalidated session",
			logging.String("game_session_id", gameSessionID),
			logging.String("user_id", session.UserID),
			logging.String("kind", in.Kind))
	}
	return decision, nil
}

// Sweep reaps sessions that went silent past the liveness timeout, then
// finalises every pending session: strict log validation decides whether a
// finish commits a completion, a death bumps the counter, and everything else
// is discarded. Finalization runs after the registry lock is released so slow
// storage never blocks event routing.
func (r *Registry) Sweep(ctx context.Context) {
	now := r.now()

	r.mu.Lock()
	for id, session := range r.sessions {
		if !session.LivenessExpired(now) {
			continue
		}
		session.Terminate()
		delete(r.sessions, id)
		delete(r.byToken, session.UserToken)
		r.pending[id] = session
		r.logger.Info("session reaped for inactivity",
			logging.String("game_session_id", id),
			logging.String("user_id", session.UserID))
	}
	drained := r.pending
	r.pending = make(map[string]*telemetry.Session)
	r.mu.Unlock()

	for id, session := range drained {
		r.finalize(ctx, id, session)
	}
}

func (r *Registry) finalize(ctx context.Context, id string, session *telemetry.Session) {
	verdict := VerdictRejected

	switch {
	case session.LastKind() == telemetry.KindFinish && session.ValidateFinalLog():
		duration, ok := session.Duration()
		if !ok {
			break
		}
		if err := r.finalizer.RecordCompletion(ctx, session.UserID, session.Level, duration); err != nil {
			r.logger.Error("completion commit failed",
				logging.String("game_session_id", id),
				logging.String("user_id", session.UserID),
				logging.Error(err))
		} else {
			verdict = VerdictCompleted
		}

	case session.LastKind() == telemetry.KindDead:
		if err := r.finalizer.RecordDeath(ctx, session.UserID, session.Level); err != nil {
			r.logger.Error("death commit failed",
				logging.String("game_session_id", id),
				logging.String("user_id", session.UserID),
				logging.Error(err))
		} else {
			verdict = VerdictDied
		}

	case len(session.EventLog()) == 0 || session.LastKind() == telemetry.KindAlive || session.LastKind() == telemetry.KindStart:
		verdict = VerdictAbandoned
	}

	if r.archiver != nil {
		if err := r.archiver.ArchiveSession(session, verdict); err != nil {
			r.logger.Warn("session archive failed",
				logging.String("game_session_id", id), logging.Error(err))
		}
	}
	r.logger.Info("session finalised",
		logging.String("game_session_id", id),
		logging.String("user_id", session.UserID),
		logging.Int("level", session.Level),
		logging.String("verdict", verdict))
}

// Run sweeps on the given interval until the context is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Stats reports current registry activity for health and metrics endpoints.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	active := len(r.sessions)
	pending := len(r.pending)
	r.mu.Unlock()
	return Stats{
		ActiveSessions:      active,
		PendingFinalization: pending,
		EventsAccepted:      r.accepted.Load(),
		EventsRejected:      r.rejected.Load(),
	}
}
