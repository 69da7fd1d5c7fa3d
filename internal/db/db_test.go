package db

import (
	"path/filepath"
	"testing"
)

func TestNew_CreatesDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	database, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer database.Close()

	tables := []string{"videos", "stage_results", "insights", "runs", "run_stages", "_migrations"}
	for _, table := range tables {
		var name string
		err := database.Conn().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestNew_WALEnabled(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	database, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer database.Close()

	var journalMode string
	err = database.Conn().QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	if err != nil {
		t.Fatalf("PRAGMA journal_mode error = %v", err)
	}

	if journalMode != "wal" {
		t.Errorf("journal_mode = %s, want wal", journalMode)
	}
}

func TestNew_MigrationsIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db1, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("first New() error = %v", err)
	}
	db1.Close()

	db2, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	defer db2.Close()

	var count int
	err = db2.Conn().QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count)
	if err != nil {
		t.Fatalf("count migrations error = %v", err)
	}

	if count != 2 {
		t.Errorf("migration count = %d, want 2", count)
	}
}

func TestMarkInterruptedRuns(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db1, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = db1.Conn().Exec(`
		INSERT INTO videos (id, source_location, status, created_at, updated_at) VALUES
			('v-busy', 's3://bucket/a.mp4', 'PROCESSING', datetime('now'), datetime('now')),
			('v-queued', 's3://bucket/b.mp4', 'PROCESSING', datetime('now'), datetime('now'));
		INSERT INTO runs (id, video_id, state, created_at, updated_at) VALUES
			('r-busy', 'v-busy', 'ANALYZING', datetime('now'), datetime('now')),
			('r-queued', 'v-queued', 'STARTED', datetime('now'), datetime('now'));
	`)
	if err != nil {
		t.Fatalf("insert rows error = %v", err)
	}
	db1.Close()

	db2, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	defer db2.Close()

	var state, errMsg string
	err = db2.Conn().QueryRow("SELECT state, error FROM runs WHERE id = 'r-busy'").Scan(&state, &errMsg)
	if err != nil {
		t.Fatalf("query run error = %v", err)
	}
	if state != "FAILED" {
		t.Errorf("run state = %s, want FAILED", state)
	}
	if errMsg != InterruptedReason {
		t.Errorf("run error = %s, want %q", errMsg, InterruptedReason)
	}

	var status string
	if err := db2.Conn().QueryRow("SELECT status FROM videos WHERE id = 'v-busy'").Scan(&status); err != nil {
		t.Fatalf("query video error = %v", err)
	}
	if status != "FAILED" {
		t.Errorf("video status = %s, want FAILED", status)
	}

	if err := db2.Conn().QueryRow("SELECT state FROM runs WHERE id = 'r-queued'").Scan(&state); err != nil {
		t.Fatalf("query queued run error = %v", err)
	}
	if state != "STARTED" {
		t.Errorf("queued run state = %s, want STARTED", state)
	}
}
