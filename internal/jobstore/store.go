// SPDX-License-Identifier: MIT

// Package jobstore is the typed gateway to the shared job collection. It is
// the only place that mutates authoritative job state; every mutation is a
// single-row (or single-statement bulk) conditional update so concurrent
// dispatchers never need locks of their own.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vodway/aidgate/internal/job"
	"github.com/vodway/aidgate/internal/persistence/sqlite"
)

const schemaVersion = 1

// ErrUnavailable is returned by every operation while the store has not
// (yet) connected. Callers surface it as a retryable internal error.
var ErrUnavailable = errors.New("jobstore: store unavailable")

// Store wraps the shared SQLite job collection.
type Store struct {
	db        *sql.DB
	dsn       string
	cfg       sqlite.Config
	connected atomic.Bool
	ready     chan struct{}
	logger    zerolog.Logger
}

// New creates a disconnected store. Call Connect or ConnectBackground before use.
func New(dsn string, cfg sqlite.Config, logger zerolog.Logger) *Store {
	return &Store{
		dsn:    dsn,
		cfg:    cfg,
		ready:  make(chan struct{}),
		logger: logger.With().Str("component", "jobstore").Logger(),
	}
}

// Open creates and connects a store synchronously. Intended for tests and tools.
func Open(dsn string, cfg sqlite.Config, logger zerolog.Logger) (*Store, error) {
	s := New(dsn, cfg, logger)
	if err := s.Connect(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect opens the database and runs migrations. It is safe to call once.
func (s *Store) Connect(ctx context.Context) error {
	if s.dsn == "" {
		return fmt.Errorf("jobstore: empty DSN")
	}
	db, err := sqlite.Open(s.dsn, s.cfg)
	if err != nil {
		return fmt.Errorf("jobstore: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("jobstore: migration failed: %w", err)
	}
	s.db = db
	s.connected.Store(true)
	close(s.ready)
	s.logger.Info().Str("event", "jobstore.connected").Msg("job store connected")
	return nil
}

// ConnectBackground attempts to connect within the given budget without
// blocking the caller. On failure the process stays up and every store
// operation fails open with ErrUnavailable.
func (s *Store) ConnectBackground(ctx context.Context, budget time.Duration) {
	go func() {
		connectCtx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- s.Connect(connectCtx) }()

		select {
		case err := <-done:
			if err != nil {
				s.logger.Error().Err(err).Str("event", "jobstore.connect_failed").
					Msg("job store connection failed; operations will report unavailable")
			}
		case <-connectCtx.Done():
			s.logger.Error().Str("event", "jobstore.connect_timeout").
				Dur("budget", budget).
				Msg("job store connection timed out; operations will report unavailable")
		}
	}()
}

// Ready returns a channel closed once the store has connected.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Connected reports whether the store is reachable.
func (s *Store) Connected() bool {
	return s.connected.Load()
}

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	if !s.connected.Load() {
		return ErrUnavailable
	}
	return s.db.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.connected.Store(false)
	return s.db.Close()
}

func migrate(ctx context.Context, db *sql.DB) error {
	var current int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		assigned_date_ms INTEGER,
		last_pinged_ms INTEGER,
		completed_at_ms INTEGER,
		assigned_to TEXT NOT NULL DEFAULT '',
		video_owner TEXT NOT NULL DEFAULT '',
		video_permlink TEXT NOT NULL DEFAULT '',
		storage_metadata_json TEXT,
		input_uri TEXT NOT NULL DEFAULT '',
		input_size INTEGER NOT NULL DEFAULT 0,
		progress_json TEXT,
		result_cid TEXT NOT NULL DEFAULT '',
		result_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_assigned_to ON jobs(assigned_to);
	CREATE INDEX IF NOT EXISTS idx_jobs_last_pinged ON jobs(last_pinged_ms);
	CREATE INDEX IF NOT EXISTS idx_jobs_completed_at ON jobs(completed_at_ms);

	CREATE TABLE IF NOT EXISTS videos (
		owner TEXT NOT NULL,
		permlink TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		video_v2 TEXT NOT NULL DEFAULT '',
		created_ms INTEGER NOT NULL,
		PRIMARY KEY (owner, permlink)
	);

	CREATE INDEX IF NOT EXISTS idx_videos_created ON videos(created_ms);
	`
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- time helpers -----------------------------------------------------------

func toMS(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}

// --- row mapping ------------------------------------------------------------

const jobColumns = `id, status, created_at_ms, assigned_date_ms, last_pinged_ms, completed_at_ms,
	assigned_to, video_owner, video_permlink, storage_metadata_json,
	input_uri, input_size, progress_json, result_cid, result_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j            job.Job
		createdMS    int64
		assignedMS   sql.NullInt64
		pingedMS     sql.NullInt64
		completedMS  sql.NullInt64
		storageJSON  sql.NullString
		progressJSON sql.NullString
		resultCID    string
		resultJSON   sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.Status, &createdMS, &assignedMS, &pingedMS, &completedMS,
		&j.AssignedTo, &j.Metadata.VideoOwner, &j.Metadata.VideoPermlink, &storageJSON,
		&j.Input.URI, &j.Input.Size, &progressJSON, &resultCID, &resultJSON,
	)
	if err != nil {
		return nil, err
	}
	j.CreatedAt = time.UnixMilli(createdMS).UTC()
	j.AssignedDate = fromMS(assignedMS)
	j.LastPinged = fromMS(pingedMS)
	j.CompletedAt = fromMS(completedMS)
	if storageJSON.Valid && storageJSON.String != "" {
		j.StorageMetadata = json.RawMessage(storageJSON.String)
	}
	if progressJSON.Valid && progressJSON.String != "" {
		var p job.Progress
		if err := json.Unmarshal([]byte(progressJSON.String), &p); err == nil {
			j.Progress = &p
		}
	}
	if resultCID != "" {
		res := job.Result{CID: resultCID}
		if resultJSON.Valid && resultJSON.String != "" {
			res.Extra = json.RawMessage(resultJSON.String)
		}
		j.Result = &res
	}
	return &j, nil
}

// --- job operations ---------------------------------------------------------

// InsertJob creates a new job row. Jobs normally originate from the primary
// gateway; this entry point serves seeding and administrative tooling.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	if !s.connected.Load() {
		return ErrUnavailable
	}
	var progressJSON, resultJSON, storageJSON any
	if j.Progress != nil {
		b, _ := json.Marshal(j.Progress)
		progressJSON = string(b)
	}
	resultCID := ""
	if j.Result != nil {
		resultCID = j.Result.CID
		if len(j.Result.Extra) > 0 {
			resultJSON = string(j.Result.Extra)
		}
	}
	if len(j.StorageMetadata) > 0 {
		storageJSON = string(j.StorageMetadata)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Status, toMS(j.CreatedAt), msPtr(j.AssignedDate), msPtr(j.LastPinged), msPtr(j.CompletedAt),
		j.AssignedTo, j.Metadata.VideoOwner, j.Metadata.VideoPermlink, storageJSON,
		j.Input.URI, j.Input.Size, progressJSON, resultCID, resultJSON,
	)
	if err != nil {
		return fmt.Errorf("jobstore: insert job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob returns the job with the given id, or nil if it does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	if !s.connected.Load() {
		return nil, ErrUnavailable
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get job %s: %w", id, err)
	}
	return j, nil
}

// ListUnassigned returns up to limit unassigned jobs, newest first.
func (s *Store) ListUnassigned(ctx context.Context, limit int) ([]*job.Job, error) {
	if !s.connected.Load() {
		return nil, ErrUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ?
		ORDER BY created_at_ms DESC
		LIMIT ?`, job.StatusUnassigned, limit)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list unassigned: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobstore: scan unassigned job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimAtomic transitions a single job from unassigned to assigned and stamps
// the owner in the same statement. It returns the post-image, or nil when the
// job was not in unassigned state (including when it does not exist). Exactly
// one of two concurrent claims can win: the predicate re-evaluates under the
// store's row lock.
func (s *Store) ClaimAtomic(ctx context.Context, jobID, did string, now time.Time) (*job.Job, error) {
	if !s.connected.Load() {
		return nil, ErrUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("jobstore: claim begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, assigned_to = ?, assigned_date_ms = ?, last_pinged_ms = ?
		WHERE id = ? AND status = ?`,
		job.StatusAssigned, did, toMS(now), toMS(now),
		jobID, job.StatusUnassigned)
	if err != nil {
		return nil, fmt.Errorf("jobstore: claim %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("jobstore: claim %s rows: %w", jobID, err)
	}
	if n == 0 {
		return nil, nil
	}

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("jobstore: claim %s post-image: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("jobstore: claim %s commit: %w", jobID, err)
	}
	return j, nil
}

// UpdateProgress stamps a ping and replaces status and progress, conditional
// on ownership. Terminal jobs are never touched so a completed job can not be
// moved backwards. Returns false when no row matched.
func (s *Store) UpdateProgress(ctx context.Context, jobID, did string, status job.Status, progress job.Progress, now time.Time) (bool, error) {
	if !s.connected.Load() {
		return false, ErrUnavailable
	}
	progressJSON, _ := json.Marshal(progress)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, last_pinged_ms = ?, progress_json = ?
		WHERE id = ? AND assigned_to = ? AND status NOT IN (?, ?)`,
		status, toMS(now), string(progressJSON),
		jobID, did, job.StatusComplete, job.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("jobstore: update %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("jobstore: update %s rows: %w", jobID, err)
	}
	return n > 0, nil
}

// CompleteJob transitions the job to complete, conditional on ownership.
// The operation is idempotent: completed_at and the result survive repeats,
// so re-completing an already-complete job by its owner succeeds with the
// same observable outcome.
func (s *Store) CompleteJob(ctx context.Context, jobID, did string, result job.Result, now time.Time) (bool, error) {
	if !s.connected.Load() {
		return false, ErrUnavailable
	}
	var resultJSON any
	if len(result.Extra) > 0 {
		resultJSON = string(result.Extra)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
		    completed_at_ms = COALESCE(completed_at_ms, ?),
		    result_cid = CASE WHEN result_cid = '' THEN ? ELSE result_cid END,
		    result_json = CASE WHEN result_cid = '' THEN ? ELSE result_json END
		WHERE id = ? AND assigned_to = ?`,
		job.StatusComplete, toMS(now), result.CID, resultJSON,
		jobID, did)
	if err != nil {
		return false, fmt.Errorf("jobstore: complete %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("jobstore: complete %s rows: %w", jobID, err)
	}
	return n > 0, nil
}

// ReleaseTimedOut reclaims every assigned or running job whose last ping is
// older than cutoff. A single bulk statement; reports how many rows changed.
func (s *Store) ReleaseTimedOut(ctx context.Context, cutoff time.Time) (int64, error) {
	if !s.connected.Load() {
		return 0, ErrUnavailable
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, assigned_to = '', assigned_date_ms = NULL, last_pinged_ms = NULL
		WHERE status IN (?, ?) AND last_pinged_ms < ?`,
		job.StatusUnassigned, job.StatusAssigned, job.StatusRunning, toMS(cutoff))
	if err != nil {
		return 0, fmt.Errorf("jobstore: release timed out: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("jobstore: release timed out rows: %w", err)
	}
	return n, nil
}

// RecentlyCompleted returns jobs completed within the given window, newest first.
func (s *Store) RecentlyCompleted(ctx context.Context, window time.Duration) ([]*job.Job, error) {
	if !s.connected.Load() {
		return nil, ErrUnavailable
	}
	cutoff := time.Now().Add(-window)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND completed_at_ms >= ?
		ORDER BY completed_at_ms DESC`, job.StatusComplete, toMS(cutoff))
	if err != nil {
		return nil, fmt.Errorf("jobstore: recently completed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobstore: scan completed job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// HealStuckJobs promotes jobs that carry a result CID but were never marked
// complete, limited to jobs active within the window. Returns the repaired
// post-images. Running the same window twice repairs nothing the second time.
func (s *Store) HealStuckJobs(ctx context.Context, window time.Duration) ([]*job.Job, error) {
	if !s.connected.Load() {
		return nil, ErrUnavailable
	}
	cutoff := toMS(time.Now().Add(-window))
	now := toMS(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("jobstore: heal begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE result_cid != '' AND status != ?
		  AND COALESCE(last_pinged_ms, created_at_ms) >= ?`,
		job.StatusComplete, cutoff)
	if err != nil {
		return nil, fmt.Errorf("jobstore: heal select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("jobstore: heal scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("jobstore: heal rows: %w", err)
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	healed := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, completed_at_ms = COALESCE(completed_at_ms, ?)
			WHERE id = ? AND status != ?`,
			job.StatusComplete, now, id, job.StatusComplete); err != nil {
			return nil, fmt.Errorf("jobstore: heal promote %s: %w", id, err)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
		j, err := scanJob(row)
		if err != nil {
			return nil, fmt.Errorf("jobstore: heal post-image %s: %w", id, err)
		}
		healed = append(healed, j)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("jobstore: heal commit: %w", err)
	}
	return healed, nil
}

// IsFirstAidServiced reports whether exactly one aid-claimed job has been
// completed. The alerting gate uses this as a latch trigger: the predicate is
// true only in the window right after the first fallback completion.
func (s *Store) IsFirstAidServiced(ctx context.Context) (bool, error) {
	if !s.connected.Load() {
		return false, ErrUnavailable
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = ? AND assigned_to != ''`,
		job.StatusComplete).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("jobstore: first aid serviced: %w", err)
	}
	return count == 1, nil
}
