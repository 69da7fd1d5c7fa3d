package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// InterruptedReason is recorded on runs and videos that were mid-pipeline
// when the process stopped.
const InterruptedReason = "interrupted by restart"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB owns the SQLite connection shared by the catalog repository.
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

func New(dbPath string, logger *slog.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	db := &DB{conn: conn, logger: logger}

	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if n, err := db.markInterruptedRuns(context.Background()); err != nil {
		if logger != nil {
			logger.Warn("failed to mark interrupted runs", "error", err)
		}
	} else if n > 0 && logger != nil {
		logger.Warn("marked interrupted runs failed", "count", n)
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Conn() *sql.DB {
	return d.conn
}

func (d *DB) migrate() error {
	migrations, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, m := range migrations {
		if m.IsDir() {
			continue
		}

		name := m.Name()

		if d.isMigrationApplied(name) {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		if _, err := d.conn.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}

		if _, err := d.conn.Exec("INSERT INTO _migrations (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}

		if d.logger != nil {
			d.logger.Info("applied migration", "name", name)
		}
	}

	return nil
}

func (d *DB) isMigrationApplied(name string) bool {
	var exists int
	err := d.conn.QueryRow("SELECT 1 FROM sqlite_master WHERE type='table' AND name='_migrations'").Scan(&exists)
	if err != nil {
		return false
	}

	var applied int
	err = d.conn.QueryRow("SELECT 1 FROM _migrations WHERE name = ?", name).Scan(&applied)
	return err == nil && applied == 1
}

// markInterruptedRuns fails every run that was mid-pipeline, together with
// its still-processing video. Runs still in STARTED were never picked up and
// stay pending.
func (d *DB) markInterruptedRuns(ctx context.Context) (int64, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)

	if _, err := tx.ExecContext(ctx, `
		UPDATE videos SET status = 'FAILED', error = ?, updated_at = ?
		WHERE status = 'PROCESSING' AND id IN (
			SELECT video_id FROM runs WHERE state IN ('ANALYZING', 'SYNTHESIZING', 'CONSOLIDATING')
		)`, InterruptedReason, now); err != nil {
		return 0, fmt.Errorf("fail interrupted videos: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET state = 'FAILED', error = ?, updated_at = ?
		WHERE state IN ('ANALYZING', 'SYNTHESIZING', 'CONSOLIDATING')`, InterruptedReason, now)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted runs: %w", err)
	}
	n, _ := res.RowsAffected()

	return n, tx.Commit()
}
