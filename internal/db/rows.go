package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// InsertRows appends rows for a job, assigning stable zero-based indices
// after any existing rows, and updates the job's total row count.
func (db *DB) InsertRows(ctx context.Context, jobID uuid.UUID, questions []string) error {
	if len(questions) == 0 {
		return nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var next int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM job_rows WHERE job_id = $1`, jobID).Scan(&next); err != nil {
		return fmt.Errorf("failed to count rows: %w", err)
	}

	batch := &pgx.Batch{}
	for i, q := range questions {
		batch.Queue(
			`INSERT INTO job_rows (job_id, row_index, question, status)
			 VALUES ($1, $2, $3, 'pending')`,
			jobID, next+i, q,
		)
	}
	batch.Queue(
		`UPDATE jobs SET total_rows = $1, updated_at = NOW() WHERE id = $2`,
		next+len(questions), jobID,
	)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit rows: %w", err)
	}
	return nil
}

// ListRows retrieves all rows for a job ordered by index.
func (db *DB) ListRows(ctx context.Context, jobID uuid.UUID) ([]Row, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT job_id, row_index, question, status, resolved_question, answer,
		        error_message, updated_at
		 FROM job_rows WHERE job_id = $1 ORDER BY row_index`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.JobID, &r.Index, &r.Question, &r.Status, &r.ResolvedQuestion,
			&r.Answer, &r.ErrorMessage, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// GetRow retrieves one row by job and index. Returns nil, nil when not found.
func (db *DB) GetRow(ctx context.Context, jobID uuid.UUID, index int) (*Row, error) {
	var r Row
	err := db.pool.QueryRow(ctx,
		`SELECT job_id, row_index, question, status, resolved_question, answer,
		        error_message, updated_at
		 FROM job_rows WHERE job_id = $1 AND row_index = $2`,
		jobID, index,
	).Scan(&r.JobID, &r.Index, &r.Question, &r.Status, &r.ResolvedQuestion,
		&r.Answer, &r.ErrorMessage, &r.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get row: %w", err)
	}
	return &r, nil
}

// UpdateRowStatus sets a row's status and optional error message.
func (db *DB) UpdateRowStatus(ctx context.Context, jobID uuid.UUID, index int, status RowStatus, errorMsg string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE job_rows SET status = $1, error_message = $2, updated_at = NOW()
		 WHERE job_id = $3 AND row_index = $4`,
		status, errorMsg, jobID, index,
	)
	if err != nil {
		return fmt.Errorf("failed to update row status: %w", err)
	}
	return nil
}

// SaveResolvedQuestion stores the context-expanded question for a row.
func (db *DB) SaveResolvedQuestion(ctx context.Context, jobID uuid.UUID, index int, resolved string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE job_rows SET resolved_question = $1, updated_at = NOW()
		 WHERE job_id = $2 AND row_index = $3`,
		resolved, jobID, index,
	)
	if err != nil {
		return fmt.Errorf("failed to save resolved question: %w", err)
	}
	return nil
}

// SaveRowAnswer stores the final tailored output for a row.
func (db *DB) SaveRowAnswer(ctx context.Context, jobID uuid.UUID, index int, answer string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE job_rows SET answer = $1, updated_at = NOW()
		 WHERE job_id = $2 AND row_index = $3`,
		answer, jobID, index,
	)
	if err != nil {
		return fmt.Errorf("failed to save row answer: %w", err)
	}
	return nil
}
