// Package httpapi exposes the game server's HTTP surface: login, session
// requests, telemetry submission, leaderboard reads, and operational
// endpoints.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"parallelport/server/internal/auth"
	"parallelport/server/internal/leaderboard"
	"parallelport/server/internal/logging"
	"parallelport/server/internal/registry"
	"parallelport/server/internal/store"
	"parallelport/server/internal/telemetry"
)

// Header names carried on authenticated requests.
const (
	HeaderUserID      = "X-User-ID"
	HeaderSessionTok  = "X-Session-Token"
	HeaderGameSession = "X-Game-Session"
	HeaderDigest      = "X-Telemetry-Digest"
)

// UserStore is the account persistence consumed by the handlers.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetUserByName(ctx context.Context, username string) (*store.User, error)
	CreateUser(ctx context.Context, user *store.User) error
}

// SessionRegistry is the live-session surface consumed by the handlers.
type SessionRegistry interface {
	CreateSession(userID, userToken, gameSessionID string, level int) (*telemetry.Session, error)
	Lookup(gameSessionID string) (*telemetry.Session, bool)
	HandleEvent(gameSessionID string, in telemetry.Incoming) (telemetry.Decision, error)
	Stats() registry.Stats
}

// Options configures the HandlerSet.
type Options struct {
	Logger       *logging.Logger
	Users        UserStore
	Sessions     *auth.Sessions
	Verifier     *auth.EventVerifier
	Registry     SessionRegistry
	Views        *leaderboard.Views
	LevelCount   int
	LoginLimiter *KeyedLimiter
	StartupError func() error
	TimeSource   func() time.Time
}

// HandlerSet bundles the game server HTTP handlers.
type HandlerSet struct {
	logger       *logging.Logger
	users        UserStore
	sessions     *auth.Sessions
	verifier     *auth.EventVerifier
	registry     SessionRegistry
	views        *leaderboard.Views
	levelCount   int
	loginLimiter *KeyedLimiter
	startupError func() error
	now          func() time.Time
	started      time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:       logger,
		users:        opts.Users,
		sessions:     opts.Sessions,
		verifier:     opts.Verifier,
		registry:     opts.Registry,
		views:        opts.Views,
		levelCount:   opts.LevelCount,
		loginLimiter: opts.LoginLimiter,
		startupError: opts.StartupError,
		now:          now,
		started:      now(),
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/api/login", h.LoginHandler())
	mux.HandleFunc("/api/session", h.SessionHandler())
	mux.HandleFunc("/api/telemetry", h.TelemetryHandler())
	mux.HandleFunc("/api/leaderboard/level/", h.LevelBoardHandler())
	mux.HandleFunc("/api/leaderboard/global", h.GlobalBoardHandler())
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
}

// LoginHandler authenticates a username/password pair and issues a session
// token. Unknown usernames register a fresh account; a login for an existing
// user revokes any previous token.
func (h *HandlerSet) LoginHandler() http.HandlerFunc {
	type request struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	type response struct {
		UserID       string `json:"user_id"`
		Token        string `json:"token"`
		CurrentLevel int    `json:"current_level"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		req.Username = strings.TrimSpace(req.Username)
		if req.Username == "" || req.Password == "" {
			http.Error(w, "username and password are required", http.StatusBadRequest)
			return
		}
		if !h.loginLimiter.Allow(req.Username) {
			h.logger.Warn("login rate limited", logging.String("username", req.Username))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}

		user, err := h.users.GetUserByName(r.Context(), req.Username)
		switch {
		case errors.Is(err, store.ErrNotFound):
			user = &store.User{
				ID:           uuid.NewString(),
				Username:     req.Username,
				Password:     req.Password,
				CurrentLevel: 1,
			}
			if err := h.users.CreateUser(r.Context(), user); err != nil {
				h.logger.Error("account creation failed",
					logging.String("username", req.Username), logging.Error(err))
				http.Error(w, "login failed", http.StatusInternalServerError)
				return
			}
			h.logger.Info("account created",
				logging.String("username", req.Username),
				logging.String("user_id", user.ID))
		case err != nil:
			h.logger.Error("account lookup failed",
				logging.String("username", req.Username), logging.Error(err))
			http.Error(w, "login failed", http.StatusInternalServerError)
			return
		default:
			if subtle.ConstantTimeCompare([]byte(user.Password), []byte(req.Password)) != 1 {
				h.logger.Warn("login rejected", logging.String("username", req.Username))
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
				return
			}
		}

		token := h.sessions.Issue(user.ID)
		writeJSON(w, http.StatusOK, response{
			UserID:       user.ID,
			Token:        token,
			CurrentLevel: user.CurrentLevel,
		})
	}
}

// SessionHandler starts a new telemetry session for a level the user has
// unlocked. Each login token owns at most one live run.
func (h *HandlerSet) SessionHandler() http.HandlerFunc {
	type request struct {
		Level int `json:"level"`
	}
	type response struct {
		GameSessionID string `json:"game_session_id"`
		Level         int    `json:"level"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		token := strings.TrimSpace(r.Header.Get(HeaderSessionTok))
		if userID == "" || token == "" || !h.sessions.Matches(userID, token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Level < 1 || req.Level > h.levelCount {
			http.Error(w, "unknown level", http.StatusBadRequest)
			return
		}
		user, err := h.users.GetUser(r.Context(), userID)
		if err != nil {
			h.logger.Error("user lookup failed",
				logging.String("user_id", userID), logging.Error(err))
			http.Error(w, "session request failed", http.StatusInternalServerError)
			return
		}
		if req.Level > user.CurrentLevel {
			http.Error(w, "level locked", http.StatusForbidden)
			return
		}

		gameSessionID := uuid.NewString()
		if _, err := h.registry.CreateSession(userID, token, gameSessionID, req.Level); err != nil {
			if errors.Is(err, registry.ErrSessionActive) {
				http.Error(w, "session already active", http.StatusConflict)
				return
			}
			h.logger.Error("session creation failed",
				logging.String("user_id", userID), logging.Error(err))
			http.Error(w, "session request failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, response{GameSessionID: gameSessionID, Level: req.Level})
	}
}

// TelemetryHandler accepts one telemetry event for a live session. The tamper
// digest is verified before the event reaches the session state machine, so a
// forged or replayed submission never influences validation state.
func (h *HandlerSet) TelemetryHandler() http.HandlerFunc {
	type response struct {
		Accepted bool `json:"accepted"`
		Critical bool `json:"critical,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		token := strings.TrimSpace(r.Header.Get(HeaderSessionTok))
		gameSessionID := strings.TrimSpace(r.Header.Get(HeaderGameSession))
		digest := strings.TrimSpace(r.Header.Get(HeaderDigest))
		if token == "" || gameSessionID == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		session, ok := h.registry.Lookup(gameSessionID)
		if !ok || session.UserToken != token {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		var in telemetry.Incoming
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		var timestamp int64
		if in.Timestamp != nil {
			timestamp = *in.Timestamp
		}
		if err := h.verifier.Verify(gameSessionID, in.Nonce, timestamp, token, digest); err != nil {
			h.logger.Warn("telemetry digest rejected",
				logging.String("game_session_id", gameSessionID),
				logging.String("user_id", session.UserID))
			http.Error(w, "digest mismatch", http.StatusUnauthorized)
			return
		}

		decision, err := h.registry.HandleEvent(gameSessionID, in)
		if err != nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, response{Accepted: decision.Accepted, Critical: decision.Critical})
	}
}

// LevelBoardHandler serves the cached view for one level.
func (h *HandlerSet) LevelBoardHandler() http.HandlerFunc {
	type response struct {
		Level   int                      `json:"level"`
		Entries []leaderboard.LevelEntry `json:"entries"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		raw := strings.TrimPrefix(r.URL.Path, "/api/leaderboard/level/")
		level, err := strconv.Atoi(raw)
		if err != nil || level < 1 || level > h.levelCount {
			http.Error(w, "unknown level", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, response{Level: level, Entries: h.views.Level(level)})
	}
}

// GlobalBoardHandler serves the cached cross-level ranking.
func (h *HandlerSet) GlobalBoardHandler() http.HandlerFunc {
	type response struct {
		Order []string `json:"order"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, response{Order: h.views.Global()})
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports server readiness, including session counts and
// startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status          string  `json:"status"`
		Message         string  `json:"message,omitempty"`
		UptimeSeconds   float64 `json:"uptime_seconds"`
		ActiveSessions  int     `json:"active_sessions"`
		PendingSessions int     `json:"pending_sessions"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok", UptimeSeconds: h.now().Sub(h.started).Seconds()}
		if h.registry != nil {
			stats := h.registry.Stats()
			resp.ActiveSessions = stats.ActiveSessions
			resp.PendingSessions = stats.PendingFinalization
		}
		if h.startupError != nil {
			if err := h.startupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var stats registry.Stats
		if h.registry != nil {
			stats = h.registry.Stats()
		}
		uptime := h.now().Sub(h.started).Seconds()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP gameserver_uptime_seconds Server uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE gameserver_uptime_seconds gauge\n")
		fmt.Fprintf(w, "gameserver_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP gameserver_active_sessions Live telemetry sessions.\n")
		fmt.Fprintf(w, "# TYPE gameserver_active_sessions gauge\n")
		fmt.Fprintf(w, "gameserver_active_sessions %d\n", stats.ActiveSessions)

		fmt.Fprintf(w, "# HELP gameserver_pending_finalizations Closed sessions awaiting finalization.\n")
		fmt.Fprintf(w, "# TYPE gameserver_pending_finalizations gauge\n")
		fmt.Fprintf(w, "gameserver_pending_finalizations %d\n", stats.PendingFinalization)

		fmt.Fprintf(w, "# HELP gameserver_events_accepted_total Telemetry events accepted into session logs.\n")
		fmt.Fprintf(w, "# TYPE gameserver_events_accepted_total counter\n")
		fmt.Fprintf(w, "gameserver_events_accepted_total %d\n", stats.EventsAccepted)

		fmt.Fprintf(w, "# HELP gameserver_events_rejected_total Telemetry events dropped by validation.\n")
		fmt.Fprintf(w, "# TYPE gameserver_events_rejected_total counter\n")
		fmt.Fprintf(w, "gameserver_events_rejected_total %d\n", stats.EventsRejected)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
