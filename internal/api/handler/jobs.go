// Package handler implements the operator control plane over the job ledger:
// inspecting jobs, dispatching pending ones, cancelling, and listing outputs.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/celljobs/internal/api/response"
	"github.com/kiranshivaraju/celljobs/internal/cache"
	"github.com/kiranshivaraju/celljobs/internal/extract"
	"github.com/kiranshivaraju/celljobs/internal/ledger"
	"github.com/kiranshivaraju/celljobs/pkg/models"
)

// JobLoader reads jobs from the ledger.
type JobLoader interface {
	Load(ctx context.Context, id int64) (*models.Job, error)
}

// StatusReader reads the status mirror.
type StatusReader interface {
	GetJobStatus(ctx context.Context, jobID int64) (cache.JobSnapshot, bool, error)
}

// Enqueuer hands a job id to the workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID int64) error
}

// Canceller cancels a job wherever it runs.
type Canceller interface {
	Cancel(ctx context.Context, id int64) (*models.Job, error)
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(jobs JobLoader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadJob(w, r, jobs)
		if !ok {
			return
		}
		response.JSON(w, job)
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{jobID}/status. A terminal mirror entry answers alone. A
// non-terminal one is checked against the ledger, which wins when its row
// is newer, since a lost or late mirror write must not hide a cancellation.
func NewJobStatusHandler(jobs JobLoader, mirror StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}

		snap, found, err := mirror.GetJobStatus(r.Context(), id)
		if err != nil {
			slog.Warn("reading status mirror", "job_id", id, "error", err)
			found = false
		}
		if found && models.IsTerminalStatus(snap.Status) {
			response.JSON(w, statusResponse{ID: id, JobSnapshot: snap, Source: "cache"})
			return
		}

		if found {
			job, err := jobs.Load(r.Context(), id)
			if err != nil {
				slog.Warn("checking status mirror against ledger", "job_id", id, "error", err)
				response.JSON(w, statusResponse{ID: id, JobSnapshot: snap, Source: "cache"})
				return
			}
			if job.IsTerminal() || job.UpdatedAt.After(snap.UpdatedAt) {
				response.JSON(w, statusResponse{ID: id, JobSnapshot: cache.SnapshotOf(job), Source: "ledger"})
				return
			}
			response.JSON(w, statusResponse{ID: id, JobSnapshot: snap, Source: "cache"})
			return
		}

		job, ok := loadJob(w, r, jobs)
		if !ok {
			return
		}
		response.JSON(w, statusResponse{ID: id, JobSnapshot: cache.SnapshotOf(job), Source: "ledger"})
	}
}

type statusResponse struct {
	ID int64 `json:"id"`
	cache.JobSnapshot
	Source string `json:"source"`
}

// NewDispatchHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/dispatch. Only pending jobs are enqueued.
func NewDispatchHandler(jobs JobLoader, q Enqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadJob(w, r, jobs)
		if !ok {
			return
		}
		if job.Status != models.JobStatusPending {
			response.Error(w, http.StatusConflict, "JOB_NOT_PENDING",
				"Only pending jobs can be dispatched", map[string]string{"status": job.Status})
			return
		}

		if err := q.Enqueue(r.Context(), job.ID); err != nil {
			slog.Error("enqueue job", "job_id", job.ID, "error", err)
			response.Error(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE",
				"The job queue is not available", nil)
			return
		}

		slog.Info("job dispatched", "job_id", job.ID, "kind", job.Kind)
		response.Accepted(w, map[string]any{
			"id":     job.ID,
			"status": job.Status,
		})
	}
}

// NewCancelHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/cancel.
func NewCancelHandler(c Canceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}

		job, err := c.Cancel(r.Context(), id)
		switch {
		case err == nil:
			response.JSON(w, job)
		case errors.Is(err, ledger.ErrNotFound):
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
		case errors.Is(err, ledger.ErrTerminal):
			response.Error(w, http.StatusConflict, "JOB_TERMINAL",
				"Job has already finished", nil)
		default:
			slog.Error("cancel job", "job_id", id, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
		}
	}
}

// NewOutputsHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{jobID}/outputs listing the files in the job's output
// directory.
func NewOutputsHandler(jobs JobLoader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadJob(w, r, jobs)
		if !ok {
			return
		}
		if job.OutputLocation == "" {
			response.Error(w, http.StatusNotFound, "NO_OUTPUTS",
				"Job has no output directory yet", nil)
			return
		}

		files, err := extract.ListOutputs(job.OutputLocation)
		if err != nil {
			slog.Warn("listing job outputs", "job_id", job.ID, "error", err)
			response.Error(w, http.StatusNotFound, "NO_OUTPUTS",
				"Job output directory is not readable", nil)
			return
		}
		if files == nil {
			files = []extract.OutputFile{}
		}

		response.JSON(w, map[string]any{
			"id":           job.ID,
			"output_dir":   job.OutputLocation,
			"artifact_uri": job.ArtifactURI,
			"files":        files,
		})
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
			"jobID must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

func loadJob(w http.ResponseWriter, r *http.Request, jobs JobLoader) (*models.Job, bool) {
	id, ok := jobID(w, r)
	if !ok {
		return nil, false
	}
	job, err := jobs.Load(r.Context(), id)
	switch {
	case err == nil:
		return job, true
	case errors.Is(err, ledger.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	default:
		slog.Error("load job", "job_id", id, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
	return nil, false
}
