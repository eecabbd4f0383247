package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateJob creates a new job record in not_started state and returns it.
func (db *DB) CreateJob(ctx context.Context, input *JobInput) (*Job, error) {
	var job Job
	err := db.pool.QueryRow(ctx,
		`INSERT INTO jobs (owner, name, status, priority, fail_fast, instructions, documents)
		 VALUES ($1, $2, 'not_started', $3, $4, $5, $6)
		 RETURNING id, owner, name, status, total_rows, processed_rows, priority,
		           fail_fast, instructions, documents, created_at, updated_at`,
		input.Owner, input.Name, input.Priority, input.FailFast, input.Instructions, input.Documents,
	).Scan(&job.ID, &job.Owner, &job.Name, &job.Status, &job.TotalRows, &job.ProcessedRows,
		&job.Priority, &job.FailFast, &job.Instructions, &job.Documents, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return &job, nil
}

// GetJob retrieves a job by ID. Returns nil, nil when not found.
func (db *DB) GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	var job Job
	err := db.pool.QueryRow(ctx,
		`SELECT id, owner, name, status, total_rows, processed_rows, priority,
		        fail_fast, instructions, documents, created_at, updated_at
		 FROM jobs WHERE id = $1`,
		jobID,
	).Scan(&job.ID, &job.Owner, &job.Name, &job.Status, &job.TotalRows, &job.ProcessedRows,
		&job.Priority, &job.FailFast, &job.Instructions, &job.Documents, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ListJobs retrieves jobs for an owner, newest first.
func (db *DB) ListJobs(ctx context.Context, owner string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, owner, name, status, total_rows, processed_rows, priority,
		        fail_fast, instructions, documents, created_at, updated_at
		 FROM jobs WHERE owner = $1
		 ORDER BY priority DESC, created_at DESC LIMIT $2`,
		owner, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		if err := rows.Scan(&job.ID, &job.Owner, &job.Name, &job.Status, &job.TotalRows,
			&job.ProcessedRows, &job.Priority, &job.FailFast, &job.Instructions,
			&job.Documents, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// UpdateJobStatus sets a job's status.
func (db *DB) UpdateJobStatus(ctx context.Context, jobID uuid.UUID, status JobStatus) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// IncrementProcessedRows bumps the processed-row counter and returns the new
// count. The counter is monotonically non-decreasing until reset.
func (db *DB) IncrementProcessedRows(ctx context.Context, jobID uuid.UUID) (int, error) {
	var processed int
	err := db.pool.QueryRow(ctx,
		`UPDATE jobs SET processed_rows = processed_rows + 1, updated_at = NOW()
		 WHERE id = $1 RETURNING processed_rows`,
		jobID,
	).Scan(&processed)
	if err != nil {
		return 0, fmt.Errorf("failed to increment processed rows: %w", err)
	}
	return processed, nil
}

// ResetJobProgress clears all generated progress for a job while keeping the
// ingested rows: step records are deleted, row outputs and statuses are
// cleared, the processed counter returns to zero, and the job moves to the
// given status (not_started for reset, in_progress for reprocess).
func (db *DB) ResetJobProgress(ctx context.Context, jobID uuid.UUID, status JobStatus) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM step_records WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete step records: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE job_rows
		 SET status = 'pending', resolved_question = '', answer = '',
		     error_message = '', updated_at = NOW()
		 WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to reset rows: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET status = $1, processed_rows = 0, updated_at = NOW()
		 WHERE id = $2`, status, jobID); err != nil {
		return fmt.Errorf("failed to reset job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}

// DeleteJob deletes a job, its rows, and its step records (via cascade).
func (db *DB) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	result, err := db.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job not found: %s", jobID)
	}
	return nil
}
