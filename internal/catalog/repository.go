package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrStaleRun is returned when a write targets a run whose current state no
// longer permits it, typically because the run was abandoned or failed.
var ErrStaleRun = errors.New("stale run")

type Repository interface {
	CreateVideo(ctx context.Context, video *VideoRecord) error
	GetVideo(ctx context.Context, id string) (*VideoRecord, error)
	ListVideos(ctx context.Context, limit int) ([]*VideoRecord, error)
	CreateVideoRun(ctx context.Context, video *VideoRecord, run *Run) error
	ResubmitVideoRun(ctx context.Context, video *VideoRecord, run *Run) (bool, error)

	GetRun(ctx context.Context, id string) (*Run, error)
	ListPendingRuns(ctx context.Context, limit int) ([]*Run, error)
	TransitionRun(ctx context.Context, id string, from, to RunState) error
	FailRun(ctx context.Context, id, reason string) (bool, error)
	UpdateStageRun(ctx context.Context, stage *StageRun) error

	PutStageResult(ctx context.Context, videoID, runID string, kind StageKind, payload []byte) error
	GetStageResult(ctx context.Context, videoID string, kind StageKind) (*StageResult, error)
	PutInsights(ctx context.Context, videoID string, insights *Insights) error
	GetInsights(ctx context.Context, videoID string) (*Insights, error)

	CommitVideo(ctx context.Context, runID string, video *VideoRecord) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const videoColumns = `id, title, description, source_location, status, objects, face_count,
	transcript, summary, key_moments, error, created_at, updated_at`

func (r *SQLiteRepository) CreateVideo(ctx context.Context, v *VideoRecord) error {
	return insertVideo(ctx, r.db, v)
}

// CreateVideoRun inserts a new video together with its first run. Neither
// row is written if either insert fails.
func (r *SQLiteRepository) CreateVideoRun(ctx context.Context, v *VideoRecord, run *Run) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertVideo(ctx, tx, v); err != nil {
		return err
	}
	if err := insertRun(ctx, tx, run); err != nil {
		return err
	}
	return tx.Commit()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertVideo(ctx context.Context, ex execer, v *VideoRecord) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO videos (id, title, description, source_location, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.Title, v.Description, v.SourceLocation, v.Status,
		v.CreatedAt.UTC().Format(time.RFC3339), v.UpdatedAt.UTC().Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetVideo(ctx context.Context, id string) (*VideoRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = ?`, id)
	v, err := scanVideo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

func (r *SQLiteRepository) ListVideos(ctx context.Context, limit int) ([]*VideoRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+videoColumns+` FROM videos ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var videos []*VideoRecord
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

// ResubmitVideoRun puts a FAILED video back into PROCESSING with the
// submission's source, title and description, and inserts the new run in
// the same transaction. It reports false, writing nothing, when the video
// was not FAILED.
func (r *SQLiteRepository) ResubmitVideoRun(ctx context.Context, v *VideoRecord, run *Run) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE videos SET status = ?, source_location = ?, title = ?, description = ?, error = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`, VideoStatusProcessing, v.SourceLocation, v.Title, v.Description, now(), v.ID, VideoStatusFailed)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return false, nil
	}
	if err := insertRun(ctx, tx, run); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVideo(row scanner) (*VideoRecord, error) {
	var v VideoRecord
	var objects, transcript, summary, keyMoments, errMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&v.ID, &v.Title, &v.Description, &v.SourceLocation, &v.Status, &objects,
		&v.FaceCount, &transcript, &summary, &keyMoments, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if objects.Valid {
		if err := json.Unmarshal([]byte(objects.String), &v.Objects); err != nil {
			return nil, fmt.Errorf("decode objects for video %s: %w", v.ID, err)
		}
	}
	if keyMoments.Valid {
		if err := json.Unmarshal([]byte(keyMoments.String), &v.KeyMoments); err != nil {
			return nil, fmt.Errorf("decode key moments for video %s: %w", v.ID, err)
		}
	}
	v.Transcript = transcript.String
	v.Summary = summary.String
	v.Error = errMsg.String
	v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	v.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &v, nil
}

// insertRun writes the run row and one PENDING stage row per stage kind.
func insertRun(ctx context.Context, tx *sql.Tx, run *Run) error {
	now := run.CreatedAt.UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, video_id, state, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.VideoID, string(run.State), nullString(run.Error), now, run.UpdatedAt.UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	for _, kind := range StageKinds {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_stages (run_id, kind, status, updated_at) VALUES (?, ?, ?, ?)
		`, run.ID, string(kind), StageStatusPending, now); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLiteRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, video_id, state, error, created_at, updated_at FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, kind, status, job_id, polls, retries, error, updated_at
		FROM run_stages WHERE run_id = ? ORDER BY kind
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var s StageRun
		var kind, updatedAt string
		var jobID, errMsg sql.NullString
		if err := rows.Scan(&s.RunID, &kind, &s.Status, &jobID, &s.Polls, &s.Retries, &errMsg, &updatedAt); err != nil {
			return nil, err
		}
		s.Kind = StageKind(kind)
		s.JobID = jobID.String
		s.Error = errMsg.String
		s.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		run.Stages = append(run.Stages, &s)
	}
	return run, rows.Err()
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var state, createdAt, updatedAt string
	var errMsg sql.NullString
	if err := row.Scan(&run.ID, &run.VideoID, &state, &errMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	run.State = RunState(state)
	run.Error = errMsg.String
	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &run, nil
}

// ListPendingRuns returns STARTED runs, oldest first.
func (r *SQLiteRepository) ListPendingRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, video_id, state, error, created_at, updated_at
		FROM runs WHERE state = ? ORDER BY created_at ASC, rowid ASC LIMIT ?
	`, string(RunStarted), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// TransitionRun moves a run from one state to the next. It fails with
// ErrStaleRun when the run is no longer in the expected state.
func (r *SQLiteRepository) TransitionRun(ctx context.Context, id string, from, to RunState) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, updated_at = ? WHERE id = ? AND state = ?
	`, string(to), now(), id, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transition run %s %s -> %s: %w", id, from, to, ErrStaleRun)
	}
	return nil
}

// FailRun marks a non-terminal run FAILED and its processing video FAILED
// with the same reason. It reports false when the run was already terminal.
func (r *SQLiteRepository) FailRun(ctx context.Context, id, reason string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ts := now()
	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET state = ?, error = ?, updated_at = ?
		WHERE id = ? AND state NOT IN (?, ?)
	`, string(RunFailed), nullString(reason), ts, id, string(RunCompleted), string(RunFailed))
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE videos SET status = ?, error = ?, updated_at = ?
		WHERE id = (SELECT video_id FROM runs WHERE id = ?) AND status = ?
	`, VideoStatusFailed, nullString(reason), ts, id, VideoStatusProcessing); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

func (r *SQLiteRepository) UpdateStageRun(ctx context.Context, s *StageRun) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_stages (run_id, kind, status, job_id, polls, retries, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, kind) DO UPDATE SET
			status = excluded.status,
			job_id = COALESCE(excluded.job_id, run_stages.job_id),
			polls = excluded.polls,
			retries = excluded.retries,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, s.RunID, string(s.Kind), s.Status, nullString(s.JobID), s.Polls, s.Retries, nullString(s.Error), now())
	return err
}

// PutStageResult stores a stage output for (videoID, kind). The owning run
// must still be ANALYZING, otherwise the write is rejected as stale.
func (r *SQLiteRepository) PutStageResult(ctx context.Context, videoID, runID string, kind StageKind, payload []byte) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := requireRunState(ctx, tx, runID, videoID, RunAnalyzing); err != nil {
		return fmt.Errorf("put %s result: %w", kind, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stage_results (video_id, kind, run_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(video_id, kind) DO UPDATE SET
			run_id = excluded.run_id,
			payload = excluded.payload,
			created_at = excluded.created_at
	`, videoID, string(kind), runID, string(payload), now()); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLiteRepository) GetStageResult(ctx context.Context, videoID string, kind StageKind) (*StageResult, error) {
	var res StageResult
	var k, payload, createdAt string
	err := r.db.QueryRowContext(ctx, `
		SELECT video_id, kind, run_id, payload, created_at FROM stage_results
		WHERE video_id = ? AND kind = ?
	`, videoID, string(kind)).Scan(&res.VideoID, &k, &res.RunID, &payload, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res.Kind = StageKind(k)
	res.Payload = []byte(payload)
	res.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &res, nil
}

// PutInsights stores synthesized insights. The owning run must be
// SYNTHESIZING.
func (r *SQLiteRepository) PutInsights(ctx context.Context, videoID string, in *Insights) error {
	moments, err := json.Marshal(keyMomentsOrEmpty(in.KeyMoments))
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := requireRunState(ctx, tx, in.RunID, videoID, RunSynthesizing); err != nil {
		return fmt.Errorf("put insights: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO insights (video_id, run_id, summary, key_moments, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(video_id) DO UPDATE SET
			run_id = excluded.run_id,
			summary = excluded.summary,
			key_moments = excluded.key_moments,
			created_at = excluded.created_at
	`, videoID, in.RunID, in.Summary, string(moments), now()); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLiteRepository) GetInsights(ctx context.Context, videoID string) (*Insights, error) {
	var in Insights
	var moments string
	err := r.db.QueryRowContext(ctx, `
		SELECT run_id, summary, key_moments FROM insights WHERE video_id = ?
	`, videoID).Scan(&in.RunID, &in.Summary, &moments)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(moments), &in.KeyMoments); err != nil {
		return nil, fmt.Errorf("decode key moments for video %s: %w", videoID, err)
	}
	return &in, nil
}

// CommitVideo atomically completes the run and writes the full aggregate.
// The run must be CONSOLIDATING; otherwise nothing is written and
// ErrStaleRun is returned.
func (r *SQLiteRepository) CommitVideo(ctx context.Context, runID string, v *VideoRecord) error {
	objects, err := json.Marshal(stringsOrEmpty(v.Objects))
	if err != nil {
		return err
	}
	moments, err := json.Marshal(keyMomentsOrEmpty(v.KeyMoments))
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := requireRunState(ctx, tx, runID, v.ID, RunConsolidating); err != nil {
		return fmt.Errorf("commit video %s: %w", v.ID, err)
	}

	ts := now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET state = ?, error = NULL, updated_at = ? WHERE id = ?
	`, string(RunCompleted), ts, runID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE videos SET title = ?, description = ?, status = ?, objects = ?, face_count = ?,
			transcript = ?, summary = ?, key_moments = ?, error = NULL, created_at = ?, updated_at = ?
		WHERE id = ?
	`, v.Title, v.Description, VideoStatusCompleted, string(objects), v.FaceCount,
		v.Transcript, v.Summary, string(moments), v.CreatedAt.UTC().Format(time.RFC3339), ts, v.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("commit video %s: video not found", v.ID)
	}

	return tx.Commit()
}

func requireRunState(ctx context.Context, tx *sql.Tx, runID, videoID string, want RunState) error {
	var state, owner string
	err := tx.QueryRowContext(ctx, `SELECT state, video_id FROM runs WHERE id = ?`, runID).Scan(&state, &owner)
	if err == sql.ErrNoRows {
		return fmt.Errorf("run %s not found: %w", runID, ErrStaleRun)
	}
	if err != nil {
		return err
	}
	if owner != videoID {
		return fmt.Errorf("run %s belongs to video %s, not %s: %w", runID, owner, videoID, ErrStaleRun)
	}
	if RunState(state) != want {
		return fmt.Errorf("run %s is %s, want %s: %w", runID, state, want, ErrStaleRun)
	}
	return nil
}

func keyMomentsOrEmpty(m []KeyMoment) []KeyMoment {
	if m == nil {
		return []KeyMoment{}
	}
	return m
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
