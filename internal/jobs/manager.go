package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/adrian/answerforge/internal/db"
	"github.com/adrian/answerforge/internal/events"
	"github.com/adrian/answerforge/internal/llm"
	"github.com/adrian/answerforge/internal/pipeline"
	"github.com/adrian/answerforge/internal/resolver"
)

// ErrJobNotFound is returned when a lifecycle action names an unknown job.
var ErrJobNotFound = errors.New("job not found")

// errPersistence marks a database write that failed twice. It always fails
// the whole job, regardless of the fail-fast setting.
var errPersistence = errors.New("persistence failure")

// Boundary interruptions. The loop has already persisted the new job status
// and emitted the event by the time these surface.
var (
	errPauseRequested  = errors.New("pause requested")
	errCancelRequested = errors.New("cancel requested")
)

// Store is the persistence surface the manager needs.
type Store interface {
	GetJob(ctx context.Context, jobID uuid.UUID) (*db.Job, error)
	UpdateJobStatus(ctx context.Context, jobID uuid.UUID, status db.JobStatus) error
	IncrementProcessedRows(ctx context.Context, jobID uuid.UUID) (int, error)
	ResetJobProgress(ctx context.Context, jobID uuid.UUID, status db.JobStatus) error
	ListRows(ctx context.Context, jobID uuid.UUID) ([]db.Row, error)
	UpdateRowStatus(ctx context.Context, jobID uuid.UUID, index int, status db.RowStatus, errorMsg string) error
	SaveResolvedQuestion(ctx context.Context, jobID uuid.UUID, index int, resolved string) error
	SaveRowAnswer(ctx context.Context, jobID uuid.UUID, index int, answer string) error
	CreateStepRecord(ctx context.Context, rec *db.StepRecord) (uuid.UUID, error)
	FinishStepRecord(ctx context.Context, id uuid.UUID, outcome *db.StepOutcome) error
	CompletedStages(ctx context.Context, jobID uuid.UUID, rowIndex int) (map[int]db.StepRecord, error)
}

// StageRunner executes one pipeline stage.
type StageRunner interface {
	RunStage(ctx context.Context, stage pipeline.Stage, in pipeline.Inputs) (*pipeline.StageResult, error)
}

// QuestionResolver rewrites row questions into self-contained form.
type QuestionResolver interface {
	Resolve(ctx context.Context, questions []string, rowIndex int) *resolver.Resolution
}

// Options tunes the manager's retry behavior.
type Options struct {
	// RetryAttempts is the number of additional tries after a transient
	// backend failure. Zero means one attempt total.
	RetryAttempts int
	// RetryBaseDelay is the first backoff interval; it doubles per attempt.
	RetryBaseDelay time.Duration
}

// DefaultOptions returns the production retry settings.
func DefaultOptions() *Options {
	return &Options{
		RetryAttempts:  2,
		RetryBaseDelay: 500 * time.Millisecond,
	}
}

// run tracks one in-flight processing loop. Pause and cancel are requests;
// the loop honors them at the next stage boundary.
type run struct {
	cancelCtx context.CancelFunc
	pause     atomic.Bool
	cancel    atomic.Bool
	done      chan struct{}
}

// Manager drives jobs through the pipeline, one row at a time in row order.
// At most one processing loop runs per job.
type Manager struct {
	store      Store
	executor   StageRunner
	resolver   QuestionResolver
	hub        *events.Hub
	retries    int
	retryDelay time.Duration

	mu   sync.Mutex
	runs map[uuid.UUID]*run
	wg   sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(store Store, executor StageRunner, questionResolver QuestionResolver, hub *events.Hub, opts *Options) *Manager {
	if opts == nil {
		opts = DefaultOptions()
	}
	if hub == nil {
		hub = events.NewHub()
	}
	return &Manager{
		store:      store,
		executor:   executor,
		resolver:   questionResolver,
		hub:        hub,
		retries:    opts.RetryAttempts,
		retryDelay: opts.RetryBaseDelay,
		runs:       make(map[uuid.UUID]*run),
	}
}

// Start begins processing a job that has not started yet.
func (m *Manager) Start(ctx context.Context, jobID uuid.UUID) error {
	next, err := m.applyAction(ctx, jobID, ActionStart)
	if err != nil {
		return err
	}
	if err := m.store.UpdateJobStatus(ctx, jobID, next); err != nil {
		return err
	}
	m.launch(jobID)
	return nil
}

// Resume continues a paused job. Completed rows and completed stages of a
// partially processed row are not re-executed.
func (m *Manager) Resume(ctx context.Context, jobID uuid.UUID) error {
	next, err := m.applyAction(ctx, jobID, ActionResume)
	if err != nil {
		return err
	}
	if err := m.store.UpdateJobStatus(ctx, jobID, next); err != nil {
		return err
	}
	m.emit(events.TypeJobResumed, jobID, -1, "", "", nil)
	m.launch(jobID)
	return nil
}

// Pause requests that an in-progress job stop at the next stage boundary.
// The stage currently in flight always runs to completion.
func (m *Manager) Pause(ctx context.Context, jobID uuid.UUID) error {
	next, err := m.applyAction(ctx, jobID, ActionPause)
	if err != nil {
		return err
	}
	if r := m.activeRun(jobID); r != nil {
		r.pause.Store(true)
		return nil
	}
	// No live loop (for example after a restart): move the status directly.
	if err := m.store.UpdateJobStatus(ctx, jobID, next); err != nil {
		return err
	}
	m.emit(events.TypeJobPaused, jobID, -1, "", "", nil)
	return nil
}

// Cancel terminates a job. An in-flight stage completes first; nothing that
// already ran is rolled back.
func (m *Manager) Cancel(ctx context.Context, jobID uuid.UUID) error {
	next, err := m.applyAction(ctx, jobID, ActionCancel)
	if err != nil {
		return err
	}
	if r := m.activeRun(jobID); r != nil {
		r.cancel.Store(true)
		return nil
	}
	if err := m.store.UpdateJobStatus(ctx, jobID, next); err != nil {
		return err
	}
	m.emit(events.TypeJobCancelled, jobID, -1, "", "", nil)
	return nil
}

// Reset returns a job to not_started from any status: step records and row
// outputs are cleared, the rows themselves are kept. A live processing loop
// is stopped first; its in-flight stage completes before progress is
// cleared, same as cancel.
func (m *Manager) Reset(ctx context.Context, jobID uuid.UUID) error {
	if _, err := m.applyAction(ctx, jobID, ActionReset); err != nil {
		return err
	}
	if r := m.activeRun(jobID); r != nil {
		r.cancel.Store(true)
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := m.store.ResetJobProgress(ctx, jobID, db.JobStatusNotStarted); err != nil {
		return err
	}
	m.emit(events.TypeJobReset, jobID, -1, "", "", nil)
	return nil
}

// Reprocess clears a finished job's outputs and immediately runs it again.
// The shared stage cache is untouched, so unchanged cacheable stages are
// served from cache.
func (m *Manager) Reprocess(ctx context.Context, jobID uuid.UUID) error {
	if _, err := m.applyAction(ctx, jobID, ActionReprocess); err != nil {
		return err
	}
	if err := m.store.ResetJobProgress(ctx, jobID, db.JobStatusInProgress); err != nil {
		return err
	}
	m.launch(jobID)
	return nil
}

// Wait blocks until the job's processing loop exits. It returns immediately
// when no loop is running.
func (m *Manager) Wait(jobID uuid.UUID) {
	if r := m.activeRun(jobID); r != nil {
		<-r.done
	}
}

// Close aborts all processing loops and waits for them to exit. Jobs caught
// mid-stage keep their in_progress status and can be resumed later.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, r := range m.runs {
		r.cancelCtx()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// applyAction loads the job and validates the lifecycle action against it.
func (m *Manager) applyAction(ctx context.Context, jobID uuid.UUID, action Action) (db.JobStatus, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", ErrJobNotFound
	}
	return Transition(job.Status, action)
}

func (m *Manager) activeRun(jobID uuid.UUID) *run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[jobID]
}

// launch spawns the processing loop for a job. A job that already has a live
// loop is left alone.
func (m *Manager) launch(jobID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[jobID]; exists {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancelCtx: cancel, done: make(chan struct{})}
	m.runs[jobID] = r

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.runs, jobID)
			m.mu.Unlock()
			close(r.done)
			cancel()
		}()
		m.process(ctx, jobID, r)
	}()
}

// process is the per-job loop: rows strictly in index order, each row's
// stages strictly in sequence.
func (m *Manager) process(ctx context.Context, jobID uuid.UUID, r *run) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		m.failJob(jobID, fmt.Sprintf("failed to load job: %v", err))
		return
	}
	rows, err := m.store.ListRows(ctx, jobID)
	if err != nil {
		m.failJob(jobID, fmt.Sprintf("failed to load rows: %v", err))
		return
	}

	questions := make([]string, len(rows))
	for i, row := range rows {
		questions[i] = row.Question
	}

	m.emit(events.TypeJobStarted, jobID, -1, "", job.Name, nil)

	for _, row := range rows {
		// Terminal rows are skipped on resume; an errored row only runs
		// again through reprocess.
		if row.Status == db.RowStatusCompleted || row.Status == db.RowStatusError {
			continue
		}
		err := m.processRow(ctx, job, questions, row, r)
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, errPauseRequested), errors.Is(err, errCancelRequested):
			return
		case ctx.Err() != nil:
			// Shutdown: leave the job in_progress for a later resume.
			return
		case errors.Is(err, errPersistence):
			m.failJob(jobID, err.Error())
			return
		}

		// Row-level failure.
		_ = m.store.UpdateRowStatus(context.Background(), jobID, row.Index, db.RowStatusError, err.Error())
		_, _ = m.store.IncrementProcessedRows(context.Background(), jobID)
		m.emit(events.TypeRowError, jobID, row.Index, "", err.Error(), nil)
		if job.FailFast {
			m.failJob(jobID, fmt.Sprintf("row %d failed: %v", row.Index, err))
			return
		}
	}

	if err := m.persist(func() error {
		return m.store.UpdateJobStatus(context.Background(), jobID, db.JobStatusCompleted)
	}); err != nil {
		m.failJob(jobID, err.Error())
		return
	}
	m.emit(events.TypeJobCompleted, jobID, -1, "", "", nil)
}

// processRow runs one row through resolution and all three stages.
func (m *Manager) processRow(ctx context.Context, job *db.Job, questions []string, row db.Row, r *run) error {
	jobID := job.ID
	m.emit(events.TypeRowStarted, jobID, row.Index, "", row.Question, nil)

	if err := m.persist(func() error {
		return m.store.UpdateRowStatus(ctx, jobID, row.Index, db.RowStatusInProgress, "")
	}); err != nil {
		return err
	}

	completed, err := m.completedStages(ctx, jobID, row.Index)
	if err != nil {
		return err
	}

	resolved := row.ResolvedQuestion
	if resolved == "" {
		res := m.resolver.Resolve(ctx, questions, row.Index)
		resolved = res.ResolvedQuestion
		if res.HasReferences {
			m.emit(events.TypeProcessingLog, jobID, row.Index, "",
				fmt.Sprintf("resolved references to rows %v", res.ReferencedRowIndices), res)
		}
		if err := m.persist(func() error {
			return m.store.SaveResolvedQuestion(ctx, jobID, row.Index, resolved)
		}); err != nil {
			return err
		}
	}

	in := pipeline.Inputs{
		Question:     resolved,
		Instructions: job.Instructions,
		Documents:    job.Documents,
	}

	var answer string
	for idx := 0; idx < pipeline.StageCount; idx++ {
		if err := m.checkBoundary(ctx, jobID, r); err != nil {
			return err
		}
		stage, _ := pipeline.StageByIndex(idx)

		if rec, ok := completed[idx]; ok && rec.Output != "" {
			applyStageOutput(&in, idx, rec.Output)
			if idx == pipeline.StageTailor {
				answer = rec.Output
			}
			m.emit(events.TypeProcessingLog, jobID, row.Index, stage.Name, "reusing completed stage output", nil)
			continue
		}

		output, err := m.runStage(ctx, jobID, row.Index, stage, in)
		if err != nil {
			return err
		}
		applyStageOutput(&in, idx, output)
		if idx == pipeline.StageTailor {
			answer = output
		}
	}

	if err := m.persist(func() error {
		return m.store.SaveRowAnswer(ctx, jobID, row.Index, answer)
	}); err != nil {
		return err
	}
	if err := m.persist(func() error {
		return m.store.UpdateRowStatus(ctx, jobID, row.Index, db.RowStatusCompleted, "")
	}); err != nil {
		return err
	}

	var processedCount int
	if err := m.persist(func() error {
		var err error
		processedCount, err = m.store.IncrementProcessedRows(ctx, jobID)
		return err
	}); err != nil {
		return err
	}

	m.emit(events.TypeRowProcessed, jobID, row.Index, "",
		fmt.Sprintf("%d of %d rows processed", processedCount, job.TotalRows), nil)
	return nil
}

// runStage executes one stage with retries and records the audit step.
func (m *Manager) runStage(ctx context.Context, jobID uuid.UUID, rowIndex int, stage pipeline.Stage, in pipeline.Inputs) (string, error) {
	m.emit(events.TypeStageStarted, jobID, rowIndex, stage.Name, "", nil)

	var recID uuid.UUID
	if err := m.persist(func() error {
		var err error
		recID, err = m.store.CreateStepRecord(ctx, &db.StepRecord{
			JobID:      jobID,
			RowIndex:   rowIndex,
			StageIndex: stage.Index,
			StageName:  stage.Name,
			Input:      stageInput(stage.Index, in),
			Status:     db.StepStatusRunning,
		})
		return err
	}); err != nil {
		return "", err
	}

	start := time.Now()
	var result *pipeline.StageResult
	var lastErr error
	for attempt := 0; attempt <= m.retries; attempt++ {
		if attempt > 0 {
			m.emit(events.TypeProcessingLog, jobID, rowIndex, stage.Name,
				fmt.Sprintf("transient backend error, retry %d of %d: %v", attempt, m.retries, lastErr), nil)
			delay := m.retryDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		result, lastErr = m.executor.RunStage(ctx, stage, in)
		if lastErr == nil || !llm.IsTransient(lastErr) {
			break
		}
	}
	latency := int(time.Since(start).Milliseconds())

	if lastErr != nil {
		_ = m.store.FinishStepRecord(ctx, recID, &db.StepOutcome{
			Status:       db.StepStatusError,
			ErrorMessage: lastErr.Error(),
			LatencyMs:    latency,
		})
		return "", lastErr
	}

	if err := m.persist(func() error {
		return m.store.FinishStepRecord(ctx, recID, &db.StepOutcome{
			Status:    db.StepStatusCompleted,
			Output:    result.Output,
			Prompt:    result.Prompt,
			Model:     result.Model,
			LatencyMs: latency,
		})
	}); err != nil {
		return "", err
	}

	if result.CacheHit {
		m.emit(events.TypeProcessingLog, jobID, rowIndex, stage.Name, "served from stage cache", nil)
	}
	if len(result.Links) > 0 {
		m.emit(events.TypeProcessingLog, jobID, rowIndex, stage.Name,
			fmt.Sprintf("validated %d references", len(result.Links)), result.Links)
	}
	m.emit(events.TypeStageComplete, jobID, rowIndex, stage.Name, "", nil)
	return result.Output, nil
}

// checkBoundary honors pause and cancel requests between stages.
func (m *Manager) checkBoundary(ctx context.Context, jobID uuid.UUID, r *run) error {
	if r.cancel.Load() {
		if err := m.persist(func() error {
			return m.store.UpdateJobStatus(context.Background(), jobID, db.JobStatusCancelled)
		}); err != nil {
			return err
		}
		m.emit(events.TypeJobCancelled, jobID, -1, "", "", nil)
		return errCancelRequested
	}
	if r.pause.Load() {
		if err := m.persist(func() error {
			return m.store.UpdateJobStatus(context.Background(), jobID, db.JobStatusPaused)
		}); err != nil {
			return err
		}
		m.emit(events.TypeJobPaused, jobID, -1, "", "", nil)
		return errPauseRequested
	}
	return ctx.Err()
}

// completedStages loads the resume map for a row, retrying once.
func (m *Manager) completedStages(ctx context.Context, jobID uuid.UUID, rowIndex int) (map[int]db.StepRecord, error) {
	var completed map[int]db.StepRecord
	err := m.persist(func() error {
		var err error
		completed, err = m.store.CompletedStages(ctx, jobID, rowIndex)
		return err
	})
	return completed, err
}

// persist runs a database write, retrying once. A second failure is fatal
// for the whole job.
func (m *Manager) persist(fn func() error) error {
	if err := fn(); err == nil {
		return nil
	}
	if err := fn(); err != nil {
		return fmt.Errorf("%w: %v", errPersistence, err)
	}
	return nil
}

// failJob moves a job to error status, best effort.
func (m *Manager) failJob(jobID uuid.UUID, message string) {
	_ = m.store.UpdateJobStatus(context.Background(), jobID, db.JobStatusError)
	m.emit(events.TypeJobError, jobID, -1, "", message, nil)
}

func (m *Manager) emit(t events.Type, jobID uuid.UUID, rowIndex int, stage, message string, payload any) {
	m.hub.Publish(events.Event{
		Type:     t,
		JobID:    jobID,
		RowIndex: rowIndex,
		Stage:    stage,
		Message:  message,
		Payload:  payload,
	})
}

// applyStageOutput feeds one stage's output into the next stage's inputs.
func applyStageOutput(in *pipeline.Inputs, stageIndex int, output string) {
	switch stageIndex {
	case pipeline.StageResearch:
		in.Research = output
	case pipeline.StageDraft:
		in.Draft = output
	}
}

// stageInput names the primary input recorded on a step's audit record.
func stageInput(stageIndex int, in pipeline.Inputs) string {
	switch stageIndex {
	case pipeline.StageResearch:
		return in.Question
	case pipeline.StageDraft:
		return in.Research
	default:
		return in.Draft
	}
}
