package telemetry

import (
	"math"
	"time"
)

const (
	// SessionTimeout is the maximum gap between accepted events before a
	// session is treated as abandoned.
	SessionTimeout = 15 * time.Second
	// MaxClockSkew bounds how far a client timestamp may drift from server
	// time before the session is invalidated.
	MaxClockSkew = 30 * time.Second
	// MaxStartDelay bounds how late a client may report its start event
	// relative to the server-side session creation time.
	MaxStartDelay = 15 * time.Second
	// MinCompletionTime is the shortest plausible level completion. A run
	// must take strictly longer than this to count.
	MinCompletionTime = 6 * time.Second
	// SpawnRadius is how far from the origin the first liveness ping may
	// report the player. Every run starts at (0, 0).
	SpawnRadius = 0.1
)

// State tracks where a session sits in its lifecycle.
type State int

const (
	// StateAwaitingStart means the server created the session but no start
	// event has been accepted yet.
	StateAwaitingStart State = iota
	// StateActive means a start event was accepted and the run is live.
	StateActive
	// StateTerminated means the run ended: finish, death, or invalidation.
	// Terminal; a session never leaves this state.
	StateTerminated
)

// SessionOption configures optional Session behaviour at construction time.
type SessionOption func(*Session)

// WithClock overrides the wall-clock source, enabling deterministic tests.
func WithClock(clock func() time.Time) SessionOption {
	return func(s *Session) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Session is the per-run state machine that accepts or rejects telemetry from
// one untrusted client. It owns the append-only event log and the liveness
// clock; callers must serialise access externally.
type Session struct {
	UserID    string
	UserToken string
	ID        string
	Level     int

	now func() time.Time

	state         State
	running       bool
	serverStart   time.Time
	clientStart   int64
	clientStarted bool
	lastLiveness  time.Time
	duration      time.Duration
	hasDuration   bool
	lastKind      Kind
	log           []Event
}

// NewSession registers a fresh run for the given user. The session starts
// awaiting the client's start event and is considered live immediately.
func NewSession(userID, userToken, gameSessionID string, level int, opts ...SessionOption) *Session {
	s := &Session{
		UserID:    userID,
		UserToken: userToken,
		ID:        gameSessionID,
		Level:     level,
		now:       time.Now,
		state:     StateAwaitingStart,
		running:   true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	start := s.now()
	s.serverStart = start
	s.lastLiveness = start
	return s
}

// State reports the current lifecycle state.
func (s *Session) State() State { return s.state }

// Running reports whether the session still accepts events. Once false it
// never becomes true again.
func (s *Session) Running() bool { return s.running }

// LastKind returns the kind of the most recently accepted event.
func (s *Session) LastKind() Kind { return s.lastKind }

// Duration returns the validated completion time, once a finish was accepted.
func (s *Session) Duration() (time.Duration, bool) { return s.duration, s.hasDuration }

// EventLog returns a copy of the accepted events in arrival order.
func (s *Session) EventLog() []Event {
	out := make([]Event, len(s.log))
	copy(out, s.log)
	return out
}

// LivenessExpired reports whether the session has gone silent for longer
// than the timeout, regardless of what the event log contains.
func (s *Session) LivenessExpired(now time.Time) bool {
	return now.Sub(s.lastLiveness) > SessionTimeout
}

// Terminate forces the session out of the running state. Used by the
// registry when a sweep reaps an abandoned session.
func (s *Session) Terminate() {
	s.running = false
	s.state = StateTerminated
}

// HandleEvent runs live validation for one incoming event. Two independent
// outcomes are computed: whether the event joins the log, and whether the
// violation is severe enough to end the session. Malformed-but-harmless
// input is dropped without penalty so a flaky client does not lose an
// honest run.
func (s *Session) HandleEvent(in Incoming) Decision {
	if !s.running {
		return Decision{}
	}
	if in.Kind == "" || in.Timestamp == nil {
		return Decision{}
	}

	valid, critical := true, false
	ts := *in.Timestamp
	now := s.now()

	if ts < s.serverStart.UnixMilli() {
		valid, critical = false, true
	}
	if now.Sub(s.lastLiveness) > SessionTimeout {
		valid, critical = false, true
	}
	if skew := absMillis(ts - now.UnixMilli()); skew > MaxClockSkew {
		valid, critical = false, true
	}

	event := Event{Kind: Kind(in.Kind), Timestamp: ts}

	switch Kind(in.Kind) {
	case KindStart:
		// Exactly one start, and it must be the first event.
		if len(s.log) > 0 || s.clientStarted {
			valid, critical = false, true
		}
		if absMillis(s.serverStart.UnixMilli()-ts) > MaxStartDelay {
			valid, critical = false, true
		}
		if valid && !critical {
			s.clientStart = ts
			s.clientStarted = true
			s.state = StateActive
		}

	case KindFinish:
		if len(s.log) == 0 || !s.clientStarted {
			valid, critical = false, true
			break
		}
		serverDuration := now.Sub(s.serverStart)
		clientDuration := absMillis(ts - s.clientStart)
		minDuration := serverDuration
		if clientDuration < minDuration {
			minDuration = clientDuration
		}
		if diff := serverDuration - clientDuration; diff > MaxClockSkew || -diff > MaxClockSkew {
			valid, critical = false, true
		}
		if minDuration <= MinCompletionTime {
			valid, critical = false, true
		}
		if valid && !critical {
			s.duration = minDuration
			s.hasDuration = true
			s.running = false
		}

	case KindAlive:
		if !s.clientStarted {
			valid, critical = false, true
			break
		}
		// A malformed ping drops the event but keeps the run alive.
		if in.X == nil || in.Y == nil || in.Angle == nil || in.Health == nil {
			valid = false
			break
		}
		event.X = *in.X
		event.Y = *in.Y
		event.Angle = *in.Angle
		event.Health = *in.Health

	case KindDead:
		if !s.clientStarted {
			valid, critical = false, true
			break
		}
		// A death cannot be gamed for advantage, so no further checks.
		s.running = false

	default:
		valid, critical = false, true
	}

	if valid && !critical {
		s.lastLiveness = now
		s.log = append(s.log, event)
		s.lastKind = event.Kind
	}
	if critical {
		s.running = false
	}
	if !s.running {
		s.state = StateTerminated
	}

	return Decision{Accepted: valid && !critical, Critical: critical}
}

// ValidateFinalLog runs the strict second pass over the whole event log at
// termination. Live validation stays cheap and permissive; this pass catches
// logs that are well-formed event by event yet logically impossible as a
// run, and any violation discards the result.
func (s *Session) ValidateFinalLog() bool {
	if len(s.log) < 4 {
		return false
	}
	last := len(s.log) - 1
	if s.log[0].Kind != KindStart {
		return false
	}
	if s.log[1].Kind != KindAlive {
		return false
	}
	if s.log[last-1].Kind != KindAlive {
		return false
	}
	if s.log[last].Kind != KindFinish {
		return false
	}
	elapsed := time.Duration(s.log[last-1].Timestamp-s.log[1].Timestamp) * time.Millisecond
	if elapsed <= MinCompletionTime {
		return false
	}
	if math.Abs(s.log[1].X) >= SpawnRadius || math.Abs(s.log[1].Y) >= SpawnRadius {
		return false
	}
	for _, event := range s.log {
		if event.Kind == KindAlive && event.Health <= 0 {
			return false
		}
	}
	return true
}

func absMillis(ms int64) time.Duration {
	if ms < 0 {
		ms = -ms
	}
	return time.Duration(ms) * time.Millisecond
}
