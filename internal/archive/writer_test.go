package archive

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"parallelport/server/internal/leaderboard"
	"parallelport/server/internal/telemetry"
)

func fixedClock() time.Time { return time.Unix(1700000000, 0) }

func TestArchiveSessionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir, fixedClock)
	if err != nil {
		t.Fatalf("writer construction failed: %v", err)
	}

	session := telemetry.NewSession("u1", "tok", "g1", 1, telemetry.WithClock(fixedClock))
	if err := writer.ArchiveSession(session, "abandoned"); err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "sessions-*.jsonl.sz"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one session stream, got %v (%v)", matches, err)
	}
	file, err := os.Open(matches[0])
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	if !scanner.Scan() {
		t.Fatalf("expected one record, got none: %v", scanner.Err())
	}
	var record struct {
		GameSessionID string `json:"game_session_id"`
		UserID        string `json:"user_id"`
		Level         int    `json:"level"`
		Verdict       string `json:"verdict"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.GameSessionID != "g1" || record.UserID != "u1" || record.Level != 1 || record.Verdict != "abandoned" {
		t.Fatalf("unexpected record %+v", record)
	}
	if scanner.Scan() {
		t.Fatal("expected exactly one record")
	}
}

func TestSnapshotViewsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir, fixedClock)
	if err != nil {
		t.Fatalf("writer construction failed: %v", err)
	}
	defer writer.Close()

	levels := map[int][]leaderboard.LevelEntry{
		1: {{Username: "alice", Score: 9000}},
	}
	if err := writer.SnapshotViews(levels, []string{"alice"}); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "views-*.json.zst"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one snapshot, got %v (%v)", matches, err)
	}
	compressed, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("decoder construction failed: %v", err)
	}
	defer decoder.Close()
	raw, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		t.Fatalf("decompress snapshot: %v", err)
	}

	var snapshot struct {
		Levels map[int][]leaderboard.LevelEntry `json:"levels"`
		Global []string                         `json:"global"`
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot.Global) != 1 || snapshot.Global[0] != "alice" {
		t.Fatalf("unexpected global %v", snapshot.Global)
	}
	if got := snapshot.Levels[1]; len(got) != 1 || got[0].Score != 9000 {
		t.Fatalf("unexpected level view %+v", snapshot.Levels)
	}
}
