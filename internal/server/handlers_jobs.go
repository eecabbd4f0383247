package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/adrian/answerforge/internal/db"
	"github.com/adrian/answerforge/internal/jobs"
)

var validate = validator.New()

// CreateJobRequest is the payload for POST /jobs.
type CreateJobRequest struct {
	Name         string   `json:"name" validate:"required,max=200"`
	Owner        string   `json:"owner" validate:"required,max=200"`
	Priority     int      `json:"priority" validate:"gte=0,lte=100"`
	FailFast     bool     `json:"fail_fast"`
	Instructions string   `json:"instructions"`
	Documents    string   `json:"documents"`
	Questions    []string `json:"questions" validate:"omitempty,dive,required"`
}

// AddRowsRequest is the payload for POST /jobs/{id}/rows.
type AddRowsRequest struct {
	Questions []string `json:"questions" validate:"required,min=1,dive,required"`
}

// handleCreateJob creates a job and optionally its initial rows.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	job, err := s.store.CreateJob(r.Context(), &db.JobInput{
		Owner:        req.Owner,
		Name:         req.Name,
		Priority:     req.Priority,
		FailFast:     req.FailFast,
		Instructions: req.Instructions,
		Documents:    req.Documents,
	})
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	if len(req.Questions) > 0 {
		if err := s.store.InsertRows(r.Context(), job.ID, req.Questions); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		job.TotalRows = len(req.Questions)
	}

	s.jsonResponse(w, http.StatusCreated, job)
}

// handleListJobs lists an owner's jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		s.errorResponse(w, http.StatusBadRequest, "owner query parameter is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := s.store.ListJobs(r.Context(), owner, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []db.Job{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"jobs": list})
}

// handleGetJob returns one job with its progress counters.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, http.StatusOK, job)
}

// handleDeleteJob removes a job and everything under it.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status == db.JobStatusInProgress {
		s.errorResponse(w, http.StatusConflict, "cannot delete a job while it is in progress")
		return
	}
	if err := s.store.DeleteJob(r.Context(), job.ID); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleAddRows appends rows to a job that has not started processing.
func (s *Server) handleAddRows(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != db.JobStatusNotStarted {
		s.errorResponse(w, http.StatusConflict, "rows can only be added before processing starts")
		return
	}

	var req AddRowsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	if err := s.store.InsertRows(r.Context(), job.ID, req.Questions); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusCreated, map[string]any{
		"added":      len(req.Questions),
		"total_rows": job.TotalRows + len(req.Questions),
	})
}

// handleListRows returns a job's rows in order.
func (s *Server) handleListRows(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	rows, err := s.store.ListRows(r.Context(), job.ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []db.Row{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"rows": rows})
}

// handleListRowSteps returns the step audit trail for one row.
func (s *Server) handleListRowSteps(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		s.errorResponse(w, http.StatusBadRequest, "invalid row index")
		return
	}

	steps, err := s.store.ListStepRecords(r.Context(), job.ID, index)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if steps == nil {
		steps = []db.StepRecord{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"steps": steps})
}

// lifecycleHandler adapts a manager action into an HTTP handler. The job's
// refreshed state is returned so clients see the effect immediately.
func (s *Server) lifecycleHandler(action func(ctx context.Context, jobID uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid job id")
			return
		}
		if err := action(r.Context(), jobID); err != nil {
			s.errorResponse(w, httpStatus(err), err.Error())
			return
		}
		job, err := s.store.GetJob(r.Context(), jobID)
		if err != nil || job == nil {
			s.errorResponse(w, http.StatusInternalServerError, "failed to reload job")
			return
		}
		s.jsonResponse(w, http.StatusOK, job)
	}
}

// handleJobEvents streams a job's progress events over SSE until the client
// disconnects. Events are best effort; polling the job endpoints always
// reflects true state.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	ch, cancel := s.hub.Subscribe()
	defer cancel()

	// Opening snapshot so clients render current progress immediately.
	_ = sse.WriteEvent("snapshot", job)

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.JobID != job.ID {
				continue
			}
			if err := sse.WriteEvent(string(ev.Type), ev); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// loadJob parses the id path value and fetches the job, writing the error
// response itself when that fails.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*db.Job, bool) {
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid job id")
		return nil, false
	}
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if job == nil {
		s.errorResponse(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return job, true
}

// httpStatus maps manager errors onto HTTP status codes.
func httpStatus(err error) int {
	var ite *jobs.InvalidTransitionError
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.As(err, &ite):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// validationMessage flattens a validator error into one readable line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return "invalid field " + fe.Field() + ": failed " + fe.Tag() + " validation"
	}
	return err.Error()
}
