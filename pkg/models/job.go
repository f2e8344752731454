package models

import (
	"encoding/json"
	"time"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Built-in analysis kinds. Additional kinds may be registered from the
// script catalog at startup.
const (
	KindClustering             = "clustering"
	KindAnnotation             = "annotation"
	KindDifferentialExpression = "differential_expression"
)

// IsTerminalStatus reports whether no further transition is possible from status.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is one analysis request. Rows are created as pending by the submission
// layer; the worker owns every transition after that.
type Job struct {
	ID              int64           `db:"id"               json:"id"`
	Name            string          `db:"name"             json:"name,omitempty"`
	Kind            string          `db:"kind"             json:"kind"`
	Status          string          `db:"status"           json:"status"`
	ProgressPercent int             `db:"progress_percent" json:"progress_percent"`
	CurrentStep     string          `db:"current_step"     json:"current_step,omitempty"`
	InputPath       string          `db:"input_path"       json:"input_path"`
	OutputLocation  string          `db:"output_location"  json:"output_location,omitempty"`
	Parameters      json.RawMessage `db:"parameters"       json:"parameters,omitempty"`
	ResultSummary   map[string]any  `db:"result_summary"   json:"result_summary,omitempty"`
	ErrorKind       string          `db:"error_kind"       json:"error_kind,omitempty"`
	ErrorDetail     string          `db:"error_detail"     json:"error_detail,omitempty"`
	ArtifactURI     string          `db:"artifact_uri"     json:"artifact_uri,omitempty"`
	Usage           ResourceUsage   `json:"usage"`
	SubmittedAt     time.Time       `db:"submitted_at"     json:"submitted_at"`
	StartedAt       *time.Time      `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at"     json:"completed_at,omitempty"`
	UpdatedAt       time.Time       `db:"updated_at"       json:"updated_at"`
}

// IsTerminal reports whether the job has reached completed, failed or cancelled.
func (j *Job) IsTerminal() bool {
	return IsTerminalStatus(j.Status)
}

// Clone returns a deep copy so callers can mutate it without touching ledger state.
func (j *Job) Clone() *Job {
	c := *j
	if j.Parameters != nil {
		c.Parameters = append(json.RawMessage(nil), j.Parameters...)
	}
	if j.ResultSummary != nil {
		c.ResultSummary = make(map[string]any, len(j.ResultSummary))
		for k, v := range j.ResultSummary {
			c.ResultSummary[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// ResourceUsage is recorded when a job completes.
type ResourceUsage struct {
	ElapsedSeconds float64 `db:"elapsed_seconds" json:"elapsed_seconds"`
	CPUSeconds     float64 `db:"cpu_seconds"     json:"cpu_seconds"`
	PeakMemoryMB   float64 `db:"peak_memory_mb"  json:"peak_memory_mb"`
}

// CPUHours is the billing unit used by the quota layer.
func (u ResourceUsage) CPUHours() float64 {
	return u.CPUSeconds / 3600
}
