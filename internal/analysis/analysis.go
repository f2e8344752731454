// Package analysis maps job kinds to the handlers that run them. Built-in
// kinds wrap the clustering, annotation and differential expression
// scripts; further kinds are loaded from a YAML catalog.
package analysis

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kiranshivaraju/celljobs/pkg/models"
)

var (
	ErrUnknownKind  = errors.New("unknown job kind")
	ErrInvalidParam = errors.New("invalid parameters")
)

// ProgressFunc records a checkpoint on the job being executed. An error
// means the job can no longer be advanced and the handler must stop.
type ProgressFunc func(ctx context.Context, percent int, step string) error

// Request is everything a handler needs for one attempt.
type Request struct {
	Job *models.Job
	// Params is the value returned by the handler's Params method.
	Params    any
	OutputDir string
	Progress  ProgressFunc
}

// Result is what a successful handler hands back for the completed commit.
type Result struct {
	Summary map[string]any
	Usage   models.ResourceUsage
	// ArtifactURI is filled in when the outputs were published.
	ArtifactURI string
}

// Handler runs one kind of analysis. Handlers report progress through the
// request but never decide a job's terminal state.
type Handler interface {
	Kind() string
	// Params decodes and validates raw job parameters, applying defaults.
	Params(raw json.RawMessage) (any, error)
	Execute(ctx context.Context, req Request) (*Result, error)
}
