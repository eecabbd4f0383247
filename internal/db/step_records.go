package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateStepRecord inserts a step record at stage start (status running)
// and returns its ID.
func (db *DB) CreateStepRecord(ctx context.Context, rec *StepRecord) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.pool.QueryRow(ctx,
		`INSERT INTO step_records (job_id, row_index, stage_index, stage_name,
		                           input, prompt, model, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		rec.JobID, rec.RowIndex, rec.StageIndex, rec.StageName,
		rec.Input, rec.Prompt, rec.Model, rec.Status,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create step record: %w", err)
	}
	return id, nil
}

// StepOutcome holds the result fields written when a step finishes. Prompt
// and model are set here because the executor resolves them during the run.
type StepOutcome struct {
	Status       string
	Output       string
	Prompt       string
	Model        string
	ErrorMessage string
	LatencyMs    int
}

// FinishStepRecord finalizes a step record. Completed records are immutable
// afterwards.
func (db *DB) FinishStepRecord(ctx context.Context, id uuid.UUID, outcome *StepOutcome) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE step_records
		 SET status = $1, output = $2, prompt = $3, model = $4,
		     error_message = $5, latency_ms = $6
		 WHERE id = $7`,
		outcome.Status, outcome.Output, outcome.Prompt, outcome.Model,
		outcome.ErrorMessage, outcome.LatencyMs, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish step record: %w", err)
	}
	return nil
}

// ListStepRecords retrieves the step records for one row in creation order.
func (db *DB) ListStepRecords(ctx context.Context, jobID uuid.UUID, rowIndex int) ([]StepRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, job_id, row_index, stage_index, stage_name, input, output,
		        prompt, model, latency_ms, status, error_message, created_at
		 FROM step_records
		 WHERE job_id = $1 AND row_index = $2
		 ORDER BY created_at`,
		jobID, rowIndex,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list step records: %w", err)
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var rec StepRecord
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.RowIndex, &rec.StageIndex, &rec.StageName,
			&rec.Input, &rec.Output, &rec.Prompt, &rec.Model, &rec.LatencyMs,
			&rec.Status, &rec.ErrorMessage, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// CompletedStages returns the latest completed step record per stage index
// for one row. Used to resume a row at its next incomplete stage.
func (db *DB) CompletedStages(ctx context.Context, jobID uuid.UUID, rowIndex int) (map[int]StepRecord, error) {
	records, err := db.ListStepRecords(ctx, jobID, rowIndex)
	if err != nil {
		return nil, err
	}
	completed := make(map[int]StepRecord)
	for _, rec := range records {
		if rec.Status == StepStatusCompleted {
			completed[rec.StageIndex] = rec
		}
	}
	return completed, nil
}
