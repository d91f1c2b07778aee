package db

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/tgvault/tgvault/pkg/errors"
)

// RetryPolicy controls the exponential backoff schedule for retryable
// job failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Cap         time.Duration
}

// DefaultRetryPolicy matches the reference schedule:
// 30s, 1m, 2m, 4m, ... capped at 6 hours, 8 attempts total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   30 * time.Second,
		Cap:         6 * time.Hour,
	}
}

// Backoff returns min(BaseDelay * 2^attempt, Cap). Attempt counting
// starts at 0 on first enqueue.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Outcome is the result of executing a job, handed to Complete.
type Outcome struct {
	Success      bool
	LocalPath    string
	LocalSize    int64
	SHA256       string
	ErrorKind    string
	ErrorMessage string
	// Fatal marks failures that must not be retried, e.g. content no
	// longer retrievable by either transport.
	Fatal bool
}

// Succeeded builds a success outcome.
func Succeeded(localPath string, localSize int64, sha256 string) Outcome {
	return Outcome{Success: true, LocalPath: localPath, LocalSize: localSize, SHA256: sha256}
}

// RetryableFailure builds a failure outcome eligible for backoff retry.
func RetryableFailure(kind, message string) Outcome {
	return Outcome{ErrorKind: kind, ErrorMessage: message}
}

// FatalFailure builds a failure outcome that terminates the job
// immediately regardless of attempt count.
func FatalFailure(kind, message string) Outcome {
	return Outcome{ErrorKind: kind, ErrorMessage: message, Fatal: true}
}

const jobColumns = `id, file_id, message_id, status, attempt, next_eligible_at, last_error_kind, last_error, owner, created_at, claimed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var nextEligible, lastErrorKind, lastError, owner, claimedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&j.ID, &j.FileID, &j.MessageID, &j.Status, &j.Attempt,
		&nextEligible, &lastErrorKind, &lastError, &owner, &createdAt, &claimedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan job")
	}
	j.NextEligibleAt = timeFromNull(nextEligible)
	j.LastErrorKind = lastErrorKind.String
	j.LastError = lastError.String
	j.Owner = owner.String
	j.CreatedAt = parseTime(createdAt)
	j.ClaimedAt = timeFromNull(claimedAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

// GetJobByID retrieves a job by row id. Returns nil when not found.
func (s *Store) GetJobByID(id int64) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ActiveJobForFile returns the single active (QUEUED/RUNNING/RETRY) job
// for a file, or nil.
func (s *Store) ActiveJobForFile(fileID int64) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE file_id = ? AND status IN ('QUEUED', 'RUNNING', 'RETRY')`
	row := s.db.QueryRow(query, fileID)
	return scanJob(row)
}

// Enqueue inserts a QUEUED job for a file. When an active job already
// exists the partial unique index rejects the insert and the existing
// job is returned instead; enqueue is idempotent under concurrent or
// repeated calls for the same file.
func (s *Store) Enqueue(fileID, messageID int64) (*Job, bool, error) {
	now := time.Now()
	query := `
		INSERT INTO jobs (file_id, message_id, status, attempt, next_eligible_at, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)
	`
	ts := formatTime(now)
	result, err := s.db.Exec(query, fileID, messageID, JobStatusQueued, ts, ts, ts)
	if isUniqueViolation(err) {
		existing, err := s.ActiveJobForFile(fileID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			slog.Info("queue_enqueue_already_active", "file_id", fileID, "job_id", existing.ID, "status", existing.Status)
			return existing, false, nil
		}
		// The active job vanished between insert and lookup (completed
		// by a racing worker); treat as already handled.
		return nil, false, nil
	}
	if err != nil {
		slog.Error("queue_enqueue_failed", "file_id", fileID, "error", err)
		return nil, false, errors.Wrap(err, "failed to enqueue job")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to get last insert id")
	}
	job, err := s.GetJobByID(id)
	if err != nil {
		return nil, false, err
	}
	slog.Info("queue_enqueued", "file_id", fileID, "job_id", id)
	return job, true, nil
}

// ClaimNext atomically claims the oldest eligible job for owner and
// marks it RUNNING. Eligible means QUEUED, or RETRY with
// next_eligible_at <= now. Returns nil when the queue is empty.
//
// The transaction takes the SQLite write lock up front, so no two
// claimants can observe and claim the same row even though ingestion
// and recovery run concurrently with the worker.
func (s *Store) ClaimNext(ctx context.Context, owner string, now time.Time) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim transaction")
	}
	defer tx.Rollback()

	query := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'QUEUED'
		   OR (status = 'RETRY' AND next_eligible_at <= ?)
		ORDER BY created_at, id
		LIMIT 1
	`
	job, err := scanJob(tx.QueryRowContext(ctx, query, formatTime(now)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to select eligible job")
	}
	if job == nil {
		return nil, nil
	}

	update := `
		UPDATE jobs
		SET status = ?, owner = ?, claimed_at = ?, updated_at = ?
		WHERE id = ?
	`
	ts := formatTime(now)
	if _, err := tx.ExecContext(ctx, update, JobStatusRunning, owner, ts, ts, job.ID); err != nil {
		return nil, errors.Wrap(err, "failed to mark job running")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim")
	}

	job.Status = JobStatusRunning
	job.Owner = owner
	job.ClaimedAt = now
	job.UpdatedAt = now
	slog.Info("queue_claimed", "job_id", job.ID, "file_id", job.FileID, "owner", owner, "attempt", job.Attempt)
	return job, nil
}

// Complete applies a job outcome in a single transaction. On success
// the job becomes DONE and the file DOWNLOADED with its path and digest
// recorded together. Retryable failures schedule a RETRY with backoff
// until the policy's attempt ceiling, after which the job and file are
// FAILED and a failure record is written. Fatal failures skip straight
// to FAILED.
func (s *Store) Complete(ctx context.Context, job *Job, outcome Outcome, policy RetryPolicy, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin complete transaction")
	}
	defer tx.Rollback()

	ts := formatTime(now)

	switch {
	case outcome.Success:
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, next_eligible_at = NULL, last_error_kind = NULL, last_error = NULL, updated_at = ?
			WHERE id = ?`,
			JobStatusDone, ts, job.ID)
		if err != nil {
			return errors.Wrap(err, "failed to mark job done")
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE files SET status = ?, local_path = ?, local_size = ?, sha256 = ?, updated_at = ?
			WHERE id = ?`,
			FileStatusDownloaded, outcome.LocalPath, outcome.LocalSize, outcome.SHA256, ts, job.FileID)
		if err != nil {
			return errors.Wrap(err, "failed to mark file downloaded")
		}
		job.Status = JobStatusDone

	case !outcome.Fatal && job.Attempt+1 < policy.MaxAttempts:
		delay := policy.Backoff(job.Attempt)
		eligible := now.Add(delay)
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, attempt = attempt + 1, next_eligible_at = ?,
			       last_error_kind = ?, last_error = ?, owner = NULL, updated_at = ?
			WHERE id = ?`,
			JobStatusRetry, formatTime(eligible), outcome.ErrorKind, outcome.ErrorMessage, ts, job.ID)
		if err != nil {
			return errors.Wrap(err, "failed to schedule retry")
		}
		job.Status = JobStatusRetry
		job.Attempt++
		job.NextEligibleAt = eligible
		job.LastErrorKind = outcome.ErrorKind
		job.LastError = outcome.ErrorMessage
		slog.Warn("queue_job_retry_scheduled",
			"job_id", job.ID, "file_id", job.FileID,
			"attempt", job.Attempt, "delay", delay, "error_kind", outcome.ErrorKind)

	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, next_eligible_at = NULL,
			       last_error_kind = ?, last_error = ?, updated_at = ?
			WHERE id = ?`,
			JobStatusFailed, outcome.ErrorKind, outcome.ErrorMessage, ts, job.ID)
		if err != nil {
			return errors.Wrap(err, "failed to mark job failed")
		}
		_, err = tx.ExecContext(ctx, `UPDATE files SET status = ?, updated_at = ? WHERE id = ?`,
			FileStatusFailed, ts, job.FileID)
		if err != nil {
			return errors.Wrap(err, "failed to mark file failed")
		}
		if err := insertFailureRecordTx(ctx, tx, job, outcome, ts); err != nil {
			return err
		}
		job.Status = JobStatusFailed
		job.LastErrorKind = outcome.ErrorKind
		job.LastError = outcome.ErrorMessage
		slog.Error("queue_job_failed",
			"job_id", job.ID, "file_id", job.FileID,
			"attempt", job.Attempt, "error_kind", outcome.ErrorKind, "fatal", outcome.Fatal)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit complete")
	}
	job.UpdatedAt = now
	return nil
}

// insertFailureRecordTx writes a download_failures row for a
// terminally failed job, joining in file and source provenance.
func insertFailureRecordTx(ctx context.Context, tx *sql.Tx, job *Job, outcome Outcome, ts string) error {
	query := `
		INSERT INTO download_failures (file_id, content_id, source_kind, source_chat_id, original_name, error_kind, error_message, created_at)
		SELECT f.id, f.content_id, s.kind, s.chat_id, f.original_name, ?, ?, ?
		FROM files f
		LEFT JOIN messages m ON m.id = ?
		LEFT JOIN sources s ON s.id = m.source_id
		WHERE f.id = ?
	`
	_, err := tx.ExecContext(ctx, query,
		outcome.ErrorKind, outcome.ErrorMessage, ts, job.MessageID, job.FileID)
	return errors.Wrap(err, "failed to insert failure record")
}

// RecoverStale requeues RUNNING jobs whose claim is older than
// threshold, on the assumption that their worker died without calling
// Complete. Each transition increments the attempt count exactly as a
// failed attempt would; jobs already at the ceiling go straight to
// FAILED. Returns the number of jobs made eligible again.
func (s *Store) RecoverStale(ctx context.Context, threshold time.Duration, now time.Time, policy RetryPolicy) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin recovery transaction")
	}
	defer tx.Rollback()

	cutoff := formatTime(now.Add(-threshold))
	ts := formatTime(now)

	// Exhausted jobs first, so the requeue below never resurrects them.
	// They go through the same terminal path as Complete: FAILED job,
	// FAILED file, failure record.
	rows, err := tx.QueryContext(ctx, `
		SELECT id, file_id, message_id FROM jobs
		WHERE status = 'RUNNING' AND claimed_at < ? AND attempt + 1 >= ?`,
		cutoff, policy.MaxAttempts)
	if err != nil {
		return 0, errors.Wrap(err, "failed to select exhausted stale jobs")
	}
	var exhausted []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.FileID, &j.MessageID); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "failed to scan exhausted stale job")
		}
		exhausted = append(exhausted, j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, errors.Wrap(err, "failed to read exhausted stale jobs")
	}
	rows.Close()

	staleOutcome := FatalFailure("STALE", "abandoned by crashed worker")
	for i := range exhausted {
		j := &exhausted[i]
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, next_eligible_at = NULL,
			       last_error_kind = ?, last_error = ?, updated_at = ?
			WHERE id = ?`,
			JobStatusFailed, staleOutcome.ErrorKind, staleOutcome.ErrorMessage, ts, j.ID)
		if err != nil {
			return 0, errors.Wrap(err, "failed to fail exhausted stale job")
		}
		_, err = tx.ExecContext(ctx, `UPDATE files SET status = ?, updated_at = ? WHERE id = ?`,
			FileStatusFailed, ts, j.FileID)
		if err != nil {
			return 0, errors.Wrap(err, "failed to mark file for exhausted stale job")
		}
		if err := insertFailureRecordTx(ctx, tx, j, staleOutcome, ts); err != nil {
			return 0, err
		}
	}
	failedCount := len(exhausted)

	requeued, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempt = attempt + 1, next_eligible_at = ?,
		       last_error_kind = 'STALE', last_error = 'abandoned by crashed worker', owner = NULL, updated_at = ?
		WHERE status = 'RUNNING' AND claimed_at < ?`,
		JobStatusRetry, ts, ts, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue stale jobs")
	}
	count, _ := requeued.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit recovery")
	}

	if count > 0 || failedCount > 0 {
		slog.Info("queue_recovered_stale", "requeued", count, "exhausted", failedCount, "threshold", threshold)
	}
	return int(count), nil
}

// FailureStats returns terminal failure counts grouped by error kind.
// month filters to a single 'YYYY-MM' when non-empty.
func (s *Store) FailureStats(month string) (map[string]int, error) {
	var rows *sql.Rows
	var err error
	if month != "" {
		rows, err = s.db.Query(`
			SELECT error_kind, COUNT(*) FROM download_failures
			WHERE strftime('%Y-%m', created_at) = ?
			GROUP BY error_kind`, month)
	} else {
		rows, err = s.db.Query(`
			SELECT error_kind, COUNT(*) FROM download_failures
			GROUP BY error_kind`)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query failure stats")
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan failure stats")
		}
		stats[kind] = count
	}
	return stats, rows.Err()
}
