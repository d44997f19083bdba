// Package archive persists audit artefacts: every closed telemetry session as
// a compressed JSONL stream, and periodic leaderboard snapshots.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"parallelport/server/internal/leaderboard"
	"parallelport/server/internal/telemetry"
)

// sessionRecord is the persisted shape of one closed session.
type sessionRecord struct {
	GameSessionID string            `json:"game_session_id"`
	UserID        string            `json:"user_id"`
	Level         int               `json:"level"`
	Verdict       string            `json:"verdict"`
	DurationMs    int64             `json:"duration_ms,omitempty"`
	ClosedAt      string            `json:"closed_at"`
	Events        []telemetry.Event `json:"events"`
}

// viewSnapshot is the persisted shape of one leaderboard snapshot.
type viewSnapshot struct {
	CapturedAt string                           `json:"captured_at"`
	Levels     map[int][]leaderboard.LevelEntry `json:"levels"`
	Global     []string                         `json:"global"`
}

// Writer streams audit artefacts to a directory. Session records go to a
// snappy-framed JSONL stream; leaderboard snapshots are individual zstd files
// named by capture time.
type Writer struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	sessionFile *os.File
	sessions    *snappy.Writer
	encoder     *zstd.Encoder
}

// NewWriter prepares the archive directory and opens the session stream.
func NewWriter(root string, clock func() time.Time) (*Writer, error) {
	if root == "" {
		return nil, fmt.Errorf("archive root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("sessions-%s.jsonl.sz", clock().UTC().Format("20060102T150405Z"))
	sessionFile, err := os.Create(filepath.Join(root, name))
	if err != nil {
		return nil, err
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		sessionFile.Close()
		return nil, err
	}

	return &Writer{
		dir:         root,
		now:         clock,
		sessionFile: sessionFile,
		sessions:    snappy.NewBufferedWriter(sessionFile),
		encoder:     encoder,
	}, nil
}

// Directory exposes the directory backing the archive.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// ArchiveSession appends one closed session to the compressed stream.
func (w *Writer) ArchiveSession(session *telemetry.Session, verdict string) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	record := sessionRecord{
		GameSessionID: session.ID,
		UserID:        session.UserID,
		Level:         session.Level,
		Verdict:       verdict,
		ClosedAt:      w.now().UTC().Format(time.RFC3339Nano),
		Events:        session.EventLog(),
	}
	if duration, ok := session.Duration(); ok {
		record.DurationMs = duration.Milliseconds()
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.sessions.Write(line); err != nil {
		return err
	}
	if _, err := w.sessions.Write([]byte("\n")); err != nil {
		return err
	}
	return w.sessions.Flush()
}

// SnapshotViews writes one compressed leaderboard snapshot file.
func (w *Writer) SnapshotViews(levels map[int][]leaderboard.LevelEntry, global []string) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()
	snapshot := viewSnapshot{
		CapturedAt: captured.Format(time.RFC3339Nano),
		Levels:     levels,
		Global:     global,
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	compressed := w.encoder.EncodeAll(data, nil)
	name := fmt.Sprintf("views-%s.json.zst", captured.Format("20060102T150405.000Z"))
	return os.WriteFile(filepath.Join(w.dir, name), compressed, 0o644)
}

// Close flushes the session stream and releases file handles.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	if err := w.sessions.Close(); err != nil {
		firstErr = err
	}
	if err := w.sessionFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	w.encoder.Close()
	return firstErr
}
