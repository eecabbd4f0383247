package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrian/answerforge/internal/db"
	"github.com/adrian/answerforge/internal/events"
	"github.com/adrian/answerforge/internal/jobs"
	"github.com/adrian/answerforge/internal/pipeline"
	"github.com/adrian/answerforge/internal/resolver"
)

// fakeStore is an in-memory Store for API tests.
type fakeStore struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*db.Job
	rows  map[uuid.UUID][]db.Row
	steps []db.StepRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs: map[uuid.UUID]*db.Job{},
		rows: map[uuid.UUID][]db.Row{},
	}
}

func (s *fakeStore) CreateJob(_ context.Context, input *db.JobInput) (*db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := &db.Job{
		ID:           uuid.New(),
		Owner:        input.Owner,
		Name:         input.Name,
		Status:       db.JobStatusNotStarted,
		Priority:     input.Priority,
		FailFast:     input.FailFast,
		Instructions: input.Instructions,
		Documents:    input.Documents,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	s.jobs[job.ID] = job
	return job, nil
}

func (s *fakeStore) GetJob(_ context.Context, jobID uuid.UUID) (*db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		cp := *job
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) ListJobs(_ context.Context, owner string, _ int) ([]db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Job
	for _, job := range s.jobs {
		if job.Owner == owner {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateJobStatus(_ context.Context, jobID uuid.UUID, status db.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID].Status = status
	return nil
}

func (s *fakeStore) IncrementProcessedRows(_ context.Context, jobID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID].ProcessedRows++
	return s.jobs[jobID].ProcessedRows, nil
}

func (s *fakeStore) ResetJobProgress(_ context.Context, jobID uuid.UUID, status db.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []db.StepRecord
	for _, rec := range s.steps {
		if rec.JobID != jobID {
			kept = append(kept, rec)
		}
	}
	s.steps = kept
	for i := range s.rows[jobID] {
		row := &s.rows[jobID][i]
		row.Status = db.RowStatusPending
		row.ResolvedQuestion = ""
		row.Answer = ""
		row.ErrorMessage = ""
	}
	s.jobs[jobID].Status = status
	s.jobs[jobID].ProcessedRows = 0
	return nil
}

func (s *fakeStore) InsertRows(_ context.Context, jobID uuid.UUID, questions []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := len(s.rows[jobID])
	for i, q := range questions {
		s.rows[jobID] = append(s.rows[jobID], db.Row{
			JobID: jobID, Index: base + i, Question: q, Status: db.RowStatusPending,
		})
	}
	s.jobs[jobID].TotalRows = len(s.rows[jobID])
	return nil
}

func (s *fakeStore) ListRows(_ context.Context, jobID uuid.UUID) ([]db.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.Row(nil), s.rows[jobID]...), nil
}

func (s *fakeStore) UpdateRowStatus(_ context.Context, jobID uuid.UUID, index int, status db.RowStatus, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[jobID][index].Status = status
	s.rows[jobID][index].ErrorMessage = errorMsg
	return nil
}

func (s *fakeStore) SaveResolvedQuestion(_ context.Context, jobID uuid.UUID, index int, resolved string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[jobID][index].ResolvedQuestion = resolved
	return nil
}

func (s *fakeStore) SaveRowAnswer(_ context.Context, jobID uuid.UUID, index int, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[jobID][index].Answer = answer
	return nil
}

func (s *fakeStore) CreateStepRecord(_ context.Context, rec *db.StepRecord) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.ID = uuid.New()
	s.steps = append(s.steps, cp)
	return cp.ID, nil
}

func (s *fakeStore) FinishStepRecord(_ context.Context, id uuid.UUID, outcome *db.StepOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.steps {
		if s.steps[i].ID == id {
			s.steps[i].Status = outcome.Status
			s.steps[i].Output = outcome.Output
			s.steps[i].Prompt = outcome.Prompt
			s.steps[i].Model = outcome.Model
			s.steps[i].ErrorMessage = outcome.ErrorMessage
			s.steps[i].LatencyMs = outcome.LatencyMs
			return nil
		}
	}
	return fmt.Errorf("step record not found")
}

func (s *fakeStore) ListStepRecords(_ context.Context, jobID uuid.UUID, rowIndex int) ([]db.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.StepRecord
	for _, rec := range s.steps {
		if rec.JobID == jobID && rec.RowIndex == rowIndex {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeStore) CompletedStages(_ context.Context, jobID uuid.UUID, rowIndex int) (map[int]db.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	completed := map[int]db.StepRecord{}
	for _, rec := range s.steps {
		if rec.JobID == jobID && rec.RowIndex == rowIndex && rec.Status == db.StepStatusCompleted {
			completed[rec.StageIndex] = rec
		}
	}
	return completed, nil
}

func (s *fakeStore) DeleteJob(_ context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	delete(s.rows, jobID)
	return nil
}

// instantRunner completes every stage immediately.
type instantRunner struct{}

func (instantRunner) RunStage(_ context.Context, stage pipeline.Stage, in pipeline.Inputs) (*pipeline.StageResult, error) {
	return &pipeline.StageResult{
		Output: stage.Name + ": " + in.Question,
		Model:  "test-model",
		Prompt: "p",
	}, nil
}

type echoResolver struct{}

func (echoResolver) Resolve(_ context.Context, questions []string, rowIndex int) *resolver.Resolution {
	return &resolver.Resolution{ResolvedQuestion: questions[rowIndex]}
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	hub := events.NewHub()
	manager := jobs.NewManager(store, instantRunner{}, echoResolver{}, hub,
		&jobs.Options{RetryAttempts: 1, RetryBaseDelay: time.Millisecond})
	srv := NewWithDeps(store, manager, hub, Config{Port: 0})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		manager.Close()
		srv.rateLimiter.Stop()
	})
	return ts, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func createJob(t *testing.T, ts *httptest.Server, questions []string) db.Job {
	t.Helper()
	resp := postJSON(t, ts.URL+"/jobs", CreateJobRequest{
		Name:      "security questionnaire",
		Owner:     "acme",
		Questions: questions,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[db.Job](t, resp)
}

func awaitStatus(t *testing.T, store *fakeStore, jobID uuid.UUID, want db.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, _ := store.GetJob(context.Background(), jobID)
		return job != nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond)
}

func TestCreateJob(t *testing.T) {
	ts, store := newTestServer(t)

	job := createJob(t, ts, []string{"What is your SLA?", "Do you hold SOC2?"})
	assert.Equal(t, db.JobStatusNotStarted, job.Status)
	assert.Equal(t, 2, job.TotalRows)

	rows, err := store.ListRows(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "What is your SLA?", rows[0].Question)
}

func TestCreateJob_ValidationFailure(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/jobs", CreateJobRequest{Owner: "acme"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decode[map[string]string](t, resp)
	assert.Contains(t, body["error"], "Name")
}

func TestGetJob_NotFoundAndBadID(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/jobs/" + uuid.NewString())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/jobs/not-a-uuid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartProcessesJob(t *testing.T) {
	ts, store := newTestServer(t)
	job := createJob(t, ts, []string{"q1", "q2"})

	resp := postJSON(t, ts.URL+"/jobs/"+job.ID.String()+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	started := decode[db.Job](t, resp)
	assert.Contains(t, []db.JobStatus{db.JobStatusInProgress, db.JobStatusCompleted}, started.Status)

	awaitStatus(t, store, job.ID, db.JobStatusCompleted)

	rows, _ := store.ListRows(context.Background(), job.ID)
	for _, row := range rows {
		assert.Equal(t, db.RowStatusCompleted, row.Status)
		assert.Contains(t, row.Answer, "Tailored Response")
	}
}

func TestStart_ConflictWhenAlreadyDone(t *testing.T) {
	ts, store := newTestServer(t)
	job := createJob(t, ts, []string{"q"})

	resp := postJSON(t, ts.URL+"/jobs/"+job.ID.String()+"/start", nil)
	resp.Body.Close()
	awaitStatus(t, store, job.ID, db.JobStatusCompleted)

	resp = postJSON(t, ts.URL+"/jobs/"+job.ID.String()+"/start", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAddRows_ConflictAfterStart(t *testing.T) {
	ts, store := newTestServer(t)
	job := createJob(t, ts, []string{"q"})

	resp := postJSON(t, ts.URL+"/jobs/"+job.ID.String()+"/start", nil)
	resp.Body.Close()
	awaitStatus(t, store, job.ID, db.JobStatusCompleted)

	resp = postJSON(t, ts.URL+"/jobs/"+job.ID.String()+"/rows", AddRowsRequest{Questions: []string{"late"}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRowStepsEndpoint(t *testing.T) {
	ts, store := newTestServer(t)
	job := createJob(t, ts, []string{"q"})

	resp := postJSON(t, ts.URL+"/jobs/"+job.ID.String()+"/start", nil)
	resp.Body.Close()
	awaitStatus(t, store, job.ID, db.JobStatusCompleted)

	resp, err := http.Get(ts.URL + "/jobs/" + job.ID.String() + "/rows/0/steps")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string][]db.StepRecord](t, resp)
	steps := body["steps"]
	require.Len(t, steps, 3)
	assert.Equal(t, "Reference Research", steps[0].StageName)
	assert.Equal(t, "Tailored Response", steps[2].StageName)
	for _, step := range steps {
		assert.Equal(t, db.StepStatusCompleted, step.Status)
	}
}

func TestResetEndpoint(t *testing.T) {
	ts, store := newTestServer(t)
	job := createJob(t, ts, []string{"q"})

	resp := postJSON(t, ts.URL+"/jobs/"+job.ID.String()+"/start", nil)
	resp.Body.Close()
	awaitStatus(t, store, job.ID, db.JobStatusCompleted)

	resp = postJSON(t, ts.URL+"/jobs/"+job.ID.String()+"/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	after := decode[db.Job](t, resp)
	assert.Equal(t, db.JobStatusNotStarted, after.Status)
	assert.Zero(t, after.ProcessedRows)

	rows, _ := store.ListRows(context.Background(), job.ID)
	assert.Equal(t, db.RowStatusPending, rows[0].Status)
	assert.Empty(t, rows[0].Answer)
}

func TestDeleteJob_InProgressConflict(t *testing.T) {
	ts, store := newTestServer(t)
	job := createJob(t, ts, []string{"q"})
	_ = store.UpdateJobStatus(context.Background(), job.ID, db.JobStatusInProgress)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/jobs/"+job.ID.String(), nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListJobs(t *testing.T) {
	ts, _ := newTestServer(t)
	createJob(t, ts, nil)

	resp, err := http.Get(ts.URL + "/jobs?owner=acme")
	require.NoError(t, err)
	body := decode[map[string][]db.Job](t, resp)
	assert.Len(t, body["jobs"], 1)

	resp, err = http.Get(ts.URL + "/jobs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "owner is required")
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestJobEvents_SnapshotStreamed(t *testing.T) {
	ts, _ := newTestServer(t)
	job := createJob(t, ts, []string{"q"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/jobs/"+job.ID.String()+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var sawSnapshot bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: snapshot" {
			sawSnapshot = true
		}
		if sawSnapshot && strings.HasPrefix(line, "data: ") {
			assert.Contains(t, line, job.ID.String())
			break
		}
	}
	assert.True(t, sawSnapshot)
}
