package db

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job statuses.
const (
	JobStatusNotStarted JobStatus = "not_started"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusPaused     JobStatus = "paused"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusError      JobStatus = "error"
	JobStatusCancelled  JobStatus = "cancelled"
)

// RowStatus mirrors job-level states, scoped to one row.
type RowStatus string

// Row statuses.
const (
	RowStatusPending    RowStatus = "pending"
	RowStatusInProgress RowStatus = "in_progress"
	RowStatusCompleted  RowStatus = "completed"
	RowStatusError      RowStatus = "error"
)

// StepStatus constants for step records.
const (
	StepStatusPending   = "pending"
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusError     = "error"
)

// Job identifies one uploaded row set.
type Job struct {
	ID            uuid.UUID `json:"id"`
	Owner         string    `json:"owner"`
	Name          string    `json:"name"`
	Status        JobStatus `json:"status"`
	TotalRows     int       `json:"total_rows"`
	ProcessedRows int       `json:"processed_rows"`
	Priority      int       `json:"priority"`
	FailFast      bool      `json:"fail_fast"`
	Instructions  string    `json:"instructions,omitempty"`
	Documents     string    `json:"documents,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// JobInput holds the fields for creating a job.
type JobInput struct {
	Owner        string
	Name         string
	Priority     int
	FailFast     bool
	Instructions string
	Documents    string
}

// Row is one unit of work within a job. Index is a stable zero-based
// ordinal; rows are never reordered.
type Row struct {
	JobID            uuid.UUID `json:"job_id"`
	Index            int       `json:"index"`
	Question         string    `json:"question"`
	Status           RowStatus `json:"status"`
	ResolvedQuestion string    `json:"resolved_question,omitempty"`
	Answer           string    `json:"answer,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// StepRecord is the audit record of one stage execution for one row.
// Immutable once completed; never consulted for control flow beyond resume.
type StepRecord struct {
	ID           uuid.UUID `json:"id"`
	JobID        uuid.UUID `json:"job_id"`
	RowIndex     int       `json:"row_index"`
	StageIndex   int       `json:"stage_index"`
	StageName    string    `json:"stage_name"`
	Input        string    `json:"input,omitempty"`
	Output       string    `json:"output,omitempty"`
	Prompt       string    `json:"prompt,omitempty"`
	Model        string    `json:"model,omitempty"`
	LatencyMs    int       `json:"latency_ms"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CacheEntry is a content-addressed stage output shared across jobs.
// Append-only per fingerprint, aside from explicit invalidation.
type CacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	StageName   string    `json:"stage_name"`
	Output      string    `json:"output"`
	Model       string    `json:"model,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReferenceChunk is a bounded slice of cached reference material.
type ReferenceChunk struct {
	SourceID  string    `json:"source_id"`
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	Tokens    int       `json:"tokens"`
	Start     int       `json:"start"`
	End       int       `json:"end"`
	CreatedAt time.Time `json:"created_at"`
}
