package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"trademark-lead-pipeline/internal/models"
)

// ErrNotFound is returned for queries against unknown job IDs.
var ErrNotFound = errors.New("job not found")

// ErrInvalidTransition is returned when an operation is not valid for the
// job's current status, e.g. cancelling a completed job.
var ErrInvalidTransition = errors.New("invalid job state transition")

// Store is the durable record of jobs and their per-serial results, the only
// stateful entity in the pipeline. All count mutation happens here under a
// row lock so concurrent workers never lose updates.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ItemRef names one item row without its result payload.
type ItemRef struct {
	Position     int
	SerialNumber string
}

// CreateJob inserts a pending job and one item row per submitted serial,
// preserving submission order (and duplicates) via the ordinal column.
func (s *Store) CreateJob(ctx context.Context, serials []string) (models.Job, error) {
	if len(serials) == 0 {
		return models.Job{}, errors.New("empty serial number list")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, status, total, processed, succeeded, failed, created_at)
		VALUES ($1, $2, $3, 0, 0, 0, $4)
	`, id, models.JobPending, len(serials), now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	rows := make([][]interface{}, 0, len(serials))
	for pos, sn := range serials {
		rows = append(rows, []interface{}{id, pos, sn, models.ResultPending, now})
	}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"job_items"},
		[]string{"job_id", "ordinal", "serial_number", "status", "updated_at"}, pgx.CopyFromRows(rows))
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:        id,
		Status:    models.JobPending,
		Total:     len(serials),
		CreatedAt: now,
	}, nil
}

// GetJob fetches a job's status and counts.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, status, total, processed, succeeded, failed, error_message, created_at, completed_at
		FROM jobs WHERE id = $1
	`, id)
	return scanJob(row)
}

// MarkProcessing flips a pending job to processing; it is a no-op once the
// job has left pending.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2 WHERE id = $1 AND status = $3
	`, id, models.JobProcessing, models.JobPending)
	return err
}

// FailJob aborts a whole job, e.g. when the source rejects our credentials.
// Per-item failures never take this path.
func (s *Store) FailJob(ctx context.Context, id, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, error_message = $3, completed_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.JobFailed, msg, models.JobPending, models.JobProcessing)
	return err
}

// CommitOutcome reports what a CommitResult call did to the job.
type CommitOutcome struct {
	// Discarded is set when the job was cancelled (or failed) while the
	// item was in flight; the result was dropped.
	Discarded bool
	// JustCompleted is set on the commit that processed the final item.
	JustCompleted bool
	Job           models.Job
}

// CommitResult writes one item's terminal result and atomically refreshes the
// job's counts, transitioning the job to completed when the final item lands.
// Counts are recomputed from item rows inside the same transaction, so
// processed = succeeded + failed holds under any interleaving, including an
// at-least-once duplicate commit overwriting an earlier result.
func (s *Store) CommitResult(ctx context.Context, jobID string, res models.ExtractionResult, attempts int) (CommitOutcome, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return CommitOutcome{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var prevStatus string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&prevStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return CommitOutcome{}, ErrNotFound
	}
	if err != nil {
		return CommitOutcome{}, fmt.Errorf("lock job: %w", err)
	}
	if prevStatus == models.JobCancelled || prevStatus == models.JobFailed {
		return CommitOutcome{Discarded: true}, nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE job_items SET
			status = $3, owner_name = $4, mark_text = $5, owner_phone = $6,
			owner_email = $7, filing_date = $8, abandon_date = $9,
			abandon_reason = $10, attorney_name = $11, error_message = $12,
			attempts = $13, updated_at = NOW()
		WHERE job_id = $1 AND ordinal = $2
	`, jobID, res.Position, res.Status, res.OwnerName, res.MarkText, res.OwnerPhone,
		res.OwnerEmail, res.FilingDate, res.AbandonDate, res.AbandonReason,
		res.AttorneyName, res.ErrorMessage, attempts)
	if err != nil {
		return CommitOutcome{}, fmt.Errorf("update item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return CommitOutcome{}, fmt.Errorf("job %s has no item at position %d", jobID, res.Position)
	}

	row := tx.QueryRow(ctx, `
		UPDATE jobs SET
			processed = s.processed,
			succeeded = s.succeeded,
			failed = s.failed,
			status = CASE WHEN s.processed = total AND status IN ($2, $3) THEN $4 ELSE status END,
			completed_at = CASE WHEN s.processed = total AND status IN ($2, $3) THEN NOW() ELSE completed_at END
		FROM (
			SELECT
				count(*) FILTER (WHERE status <> 'pending') AS processed,
				count(*) FILTER (WHERE status IN ('success', 'not_found', 'has_attorney')) AS succeeded,
				count(*) FILTER (WHERE status = 'error') AS failed
			FROM job_items WHERE job_id = $1
		) s
		WHERE id = $1
		RETURNING jobs.id, jobs.status, jobs.total, jobs.processed, jobs.succeeded,
			jobs.failed, jobs.error_message, jobs.created_at, jobs.completed_at
	`, jobID, models.JobPending, models.JobProcessing, models.JobCompleted)
	job, err := scanJob(row)
	if err != nil {
		return CommitOutcome{}, fmt.Errorf("refresh counts: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return CommitOutcome{}, fmt.Errorf("commit: %w", err)
	}

	return CommitOutcome{
		JustCompleted: prevStatus != models.JobCompleted && job.Status == models.JobCompleted,
		Job:           job,
	}, nil
}

// CancelJob moves a pending/processing job to cancelled. Cancelling an
// already-cancelled job is an idempotent success; a completed or failed job
// returns ErrInvalidTransition.
func (s *Store) CancelJob(ctx context.Context, id string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("lock job: %w", err)
	}

	switch status {
	case models.JobCompleted, models.JobFailed:
		return models.Job{}, fmt.Errorf("cannot cancel %s job: %w", status, ErrInvalidTransition)
	case models.JobCancelled:
		// Idempotent.
	default:
		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET status = $2, completed_at = NOW() WHERE id = $1
		`, id, models.JobCancelled); err != nil {
			return models.Job{}, fmt.Errorf("cancel job: %w", err)
		}
	}

	row := tx.QueryRow(ctx, `
		SELECT id, status, total, processed, succeeded, failed, error_message, created_at, completed_at
		FROM jobs WHERE id = $1
	`, id)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// ResetFailedItems flips every error item of a processing or completed job
// back to pending with attempts cleared, reopens the job, and returns the
// reset items for re-enqueueing.
func (s *Store) ResetFailedItems(ctx context.Context, id string) ([]ItemRef, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	if status != models.JobProcessing && status != models.JobCompleted {
		return nil, fmt.Errorf("cannot retry %s job: %w", status, ErrInvalidTransition)
	}

	rows, err := tx.Query(ctx, `
		UPDATE job_items SET
			status = $2, attempts = 0, error_message = NULL, updated_at = NOW()
		WHERE job_id = $1 AND status = $3
		RETURNING ordinal, serial_number
	`, id, models.ResultPending, models.ResultError)
	if err != nil {
		return nil, fmt.Errorf("reset items: %w", err)
	}
	var refs []ItemRef
	for rows.Next() {
		var r ItemRef
		if err := rows.Scan(&r.Position, &r.SerialNumber); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan item ref: %w", err)
		}
		refs = append(refs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read item refs: %w", err)
	}

	if len(refs) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET
				status = $2,
				completed_at = NULL,
				processed = processed - $3,
				failed = failed - $3
			WHERE id = $1
		`, id, models.JobProcessing, len(refs))
		if err != nil {
			return nil, fmt.Errorf("reopen job: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return refs, nil
}

// ListResults returns the accumulated results in submission order. Items not
// yet attempted come back with status pending and empty fields, so a partial
// export while the job is processing keeps its positions.
func (s *Store) ListResults(ctx context.Context, id string) ([]models.ExtractionResult, error) {
	if _, err := s.GetJob(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ordinal, serial_number, status, owner_name, mark_text, owner_phone,
		       owner_email, filing_date, abandon_date, abandon_reason, attorney_name, error_message
		FROM job_items WHERE job_id = $1 ORDER BY ordinal
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var out []models.ExtractionResult
	for rows.Next() {
		var r models.ExtractionResult
		var owner, mark, phone, email, filing, abandon, reason, attorney, errMsg pgtype.Text
		if err := rows.Scan(&r.Position, &r.SerialNumber, &r.Status, &owner, &mark,
			&phone, &email, &filing, &abandon, &reason, &attorney, &errMsg); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		r.OwnerName = textPtr(owner)
		r.MarkText = textPtr(mark)
		r.OwnerPhone = textPtr(phone)
		r.OwnerEmail = textPtr(email)
		r.FilingDate = textPtr(filing)
		r.AbandonDate = textPtr(abandon)
		r.AbandonReason = textPtr(reason)
		r.AttorneyName = textPtr(attorney)
		r.ErrorMessage = textPtr(errMsg)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var errMsg pgtype.Text
	var completed pgtype.Timestamptz
	err := row.Scan(&job.ID, &job.Status, &job.Total, &job.Processed, &job.Succeeded,
		&job.Failed, &errMsg, &job.CreatedAt, &completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.ErrorMessage = textPtr(errMsg)
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
