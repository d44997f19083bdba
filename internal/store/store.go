// Package store manages SQLite persistence for the game server: user
// documents (progress, death counters) and leaderboard documents. WAL mode
// keeps reads cheap while the ranking cycles write.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"parallelport/server/internal/leaderboard"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("document not found")

const globalBoardKey = "global"

// User is the persisted per-user document.
type User struct {
	ID           string
	Username     string
	Password     string
	CurrentLevel int
	DeathCount   int
	Progress     map[int]int64 // level -> best completion in millis
}

// Store wraps the SQLite database and the in-memory username caches.
type Store struct {
	db *sql.DB

	cacheMu  sync.RWMutex
	idToName map[string]string
	nameToID map[string]string
}

// New opens (or creates) the SQLite database and initialises the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{
		db:       db,
		idToName: make(map[string]string),
		nameToID: make(map[string]string),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		password      TEXT NOT NULL,
		current_level INTEGER NOT NULL DEFAULT 1,
		death_count   INTEGER NOT NULL DEFAULT 0,
		progress      TEXT NOT NULL DEFAULT '{}',
		updated_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leaderboards (
		key        TEXT PRIMARY KEY,
		doc        TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// CreateUser inserts a new user document with default progress.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" || user.Username == "" {
		return errors.New("user id and username are required")
	}
	if user.CurrentLevel <= 0 {
		user.CurrentLevel = 1
	}
	progress, err := marshalProgress(user.Progress)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err = retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO users (id, username, password, current_level, death_count, progress, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			user.ID, user.Username, user.Password, user.CurrentLevel, user.DeathCount, progress, now,
		)
		return err
	})
	if err != nil {
		return err
	}
	s.cacheNames(user.ID, user.Username)
	return nil
}

// GetUser retrieves a user document by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password, current_level, death_count, progress FROM users WHERE id = ?`, id)
	return s.scanUser(row)
}

// GetUserByName retrieves a user document by username.
func (s *Store) GetUserByName(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password, current_level, death_count, progress FROM users WHERE username = ?`, username)
	return s.scanUser(row)
}

// PutUser overwrites a user document.
func (s *Store) PutUser(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" {
		return errors.New("user id is required")
	}
	progress, err := marshalProgress(user.Progress)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE users SET username = ?, password = ?, current_level = ?, death_count = ?, progress = ?, updated_at = ?
			 WHERE id = ?`,
			user.Username, user.Password, user.CurrentLevel, user.DeathCount, progress, now, user.ID,
		)
		return err
	})
}

// Username resolves a user ID to a display name, consulting the in-memory
// cache before the database. Implements leaderboard.UsernameResolver.
func (s *Store) Username(ctx context.Context, userID string) (string, error) {
	s.cacheMu.RLock()
	name, ok := s.idToName[userID]
	s.cacheMu.RUnlock()
	if ok {
		return name, nil
	}
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	s.cacheNames(user.ID, user.Username)
	return user.Username, nil
}

// UserIDByName resolves a username to the user ID, consulting the cache
// before the database.
func (s *Store) UserIDByName(ctx context.Context, username string) (string, error) {
	s.cacheMu.RLock()
	id, ok := s.nameToID[username]
	s.cacheMu.RUnlock()
	if ok {
		return id, nil
	}
	user, err := s.GetUserByName(ctx, username)
	if err != nil {
		return "", err
	}
	s.cacheNames(user.ID, user.Username)
	return user.ID, nil
}

func (s *Store) cacheNames(id, username string) {
	s.cacheMu.Lock()
	s.idToName[id] = username
	s.nameToID[username] = id
	s.cacheMu.Unlock()
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var user User
	var progress string
	err := row.Scan(&user.ID, &user.Username, &user.Password, &user.CurrentLevel, &user.DeathCount, &progress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	user.Progress, err = unmarshalProgress(progress)
	if err != nil {
		return nil, fmt.Errorf("parse progress for user %s: %w", user.ID, err)
	}
	return &user, nil
}

func marshalProgress(progress map[int]int64) (string, error) {
	if progress == nil {
		progress = map[int]int64{}
	}
	data, err := json.Marshal(progress)
	if err != nil {
		return "", fmt.Errorf("marshal progress: %w", err)
	}
	return string(data), nil
}

func unmarshalProgress(raw string) (map[int]int64, error) {
	progress := make(map[int]int64)
	if raw == "" {
		return progress, nil
	}
	if err := json.Unmarshal([]byte(raw), &progress); err != nil {
		return nil, err
	}
	return progress, nil
}

// ---------------------------------------------------------------------------
// Leaderboards
// ---------------------------------------------------------------------------

// LoadLevelBoard fetches one level's leaderboard document.
func (s *Store) LoadLevelBoard(ctx context.Context, level int) (leaderboard.Doc, bool, error) {
	raw, exists, err := s.loadBoardDoc(ctx, strconv.Itoa(level))
	if err != nil || !exists {
		return leaderboard.Doc{}, exists, err
	}
	var doc leaderboard.Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return leaderboard.Doc{}, true, fmt.Errorf("parse leaderboard %d: %w", level, err)
	}
	return doc, true, nil
}

// SaveLevelBoard overwrites one level's leaderboard document.
func (s *Store) SaveLevelBoard(ctx context.Context, level int, doc leaderboard.Doc) error {
	return s.saveBoardDoc(ctx, strconv.Itoa(level), doc)
}

// LoadGlobalBoard fetches the cross-level leaderboard document.
func (s *Store) LoadGlobalBoard(ctx context.Context) (leaderboard.GlobalDoc, bool, error) {
	raw, exists, err := s.loadBoardDoc(ctx, globalBoardKey)
	if err != nil || !exists {
		return leaderboard.GlobalDoc{}, exists, err
	}
	var doc leaderboard.GlobalDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return leaderboard.GlobalDoc{}, true, fmt.Errorf("parse global leaderboard: %w", err)
	}
	return doc, true, nil
}

// SaveGlobalBoard overwrites the cross-level leaderboard document.
func (s *Store) SaveGlobalBoard(ctx context.Context, doc leaderboard.GlobalDoc) error {
	return s.saveBoardDoc(ctx, globalBoardKey, doc)
}

func (s *Store) loadBoardDoc(ctx context.Context, key string) ([]byte, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM leaderboards WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(raw), true, nil
}

func (s *Store) saveBoardDoc(ctx context.Context, key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal leaderboard %s: %w", key, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO leaderboards (key, doc, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
			key, string(data), now,
		)
		return err
	})
}
