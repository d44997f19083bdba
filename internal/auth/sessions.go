package auth

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownToken indicates no login session matches the presented token.
var ErrUnknownToken = errors.New("unknown session token")

// SessionsOption configures optional Sessions behaviour at construction time.
type SessionsOption func(*Sessions)

// WithTokenSource overrides token generation, enabling deterministic tests.
func WithTokenSource(source func() string) SessionsOption {
	return func(s *Sessions) {
		if source != nil {
			s.newToken = source
		}
	}
}

// Sessions tracks login sessions: one live token per user. Issuing a new
// token revokes the previous one, so a stolen token dies on the next login.
type Sessions struct {
	mu       sync.RWMutex
	byToken  map[string]string
	byUser   map[string]string
	newToken func() string
}

// NewSessions returns an empty session table.
func NewSessions(opts ...SessionsOption) *Sessions {
	s := &Sessions{
		byToken:  make(map[string]string),
		byUser:   make(map[string]string),
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Issue mints a fresh token for the user, revoking any earlier one.
func (s *Sessions) Issue(userID string) string {
	token := s.newToken()
	s.mu.Lock()
	if previous, ok := s.byUser[userID]; ok {
		delete(s.byToken, previous)
	}
	s.byToken[token] = userID
	s.byUser[userID] = token
	s.mu.Unlock()
	return token
}

// UserID resolves a token to its user.
func (s *Sessions) UserID(token string) (string, error) {
	s.mu.RLock()
	userID, ok := s.byToken[token]
	s.mu.RUnlock()
	if !ok {
		return "", ErrUnknownToken
	}
	return userID, nil
}

// Matches reports whether the token is the user's current live token.
func (s *Sessions) Matches(userID, token string) bool {
	s.mu.RLock()
	current, ok := s.byUser[userID]
	s.mu.RUnlock()
	return ok && current == token
}

// Drop revokes a token if it is still live.
func (s *Sessions) Drop(token string) {
	s.mu.Lock()
	if userID, ok := s.byToken[token]; ok {
		delete(s.byToken, token)
		if s.byUser[userID] == token {
			delete(s.byUser, userID)
		}
	}
	s.mu.Unlock()
}
