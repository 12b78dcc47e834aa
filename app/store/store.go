// Package store provides durable persistence for AMR prediction jobs.
// It is the single source of truth consulted by the HTTP layer and by
// background workers, and absorbs transient connection failures internally
// so callers never see a stale or closed database handle as a fault.
package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// typed failures surfaced by store operations. Callers match with errors.Is
// and translate to user-facing responses (404, 409, 500) at the boundary.
var (
	// ErrNotFound indicates no job row for the given id. It is a valid empty
	// result for reads, not a storage fault.
	ErrNotFound = errors.New("job not found")

	// ErrConstraint indicates a duplicate id or a field constraint violation.
	// It is fatal to the single operation and never retried.
	ErrConstraint = errors.New("constraint violation")

	// ErrInvalidTransition indicates an attempt to move a job along an edge
	// outside the defined lifecycle, including any mutation of a terminal job
	// and progress regression while running.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStorageUnavailable indicates the backing store can't be reached even
	// with a fresh connection.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// DefaultJobName is used when submission parameters carry no input file reference
const DefaultJobName = "AMR analysis"

// Job is one tracked unit of asynchronous prediction work
type Job struct {
	ID                   string
	Name                 string // human-readable label, never empty
	Status               JobStatus
	Progress             float64
	CreatedAt            time.Time
	StartTime            time.Time // set on transition to running
	EndTime              time.Time // set on terminal transition
	ResultFile           string    // set only on completion
	AggregatedResultFile string    // set only on completion, optional
	Error                string    // set only on error status
	Params               map[string]string
}

// Terminal reports whether the job reached a final state
func (j *Job) Terminal() bool { return j.Status.Terminal() }

// jobName derives the human-readable label from submission parameters.
// The underlying schema rejects empty names, so this always returns something.
func jobName(params map[string]string) string {
	if f := params["input_file"]; f != "" {
		return "Analysis of " + filepath.Base(f)
	}
	return DefaultJobName
}

// updateReq collects optional fields for UpdateStatus
type updateReq struct {
	progress       *float64
	errorMsg       *string
	resultFile     *string
	aggregatedFile *string
}

// UpdateOption sets an optional field on a status update
type UpdateOption func(*updateReq)

// WithProgress sets the job progress. Regressions while running are rejected.
func WithProgress(p float64) UpdateOption {
	return func(r *updateReq) { r.progress = &p }
}

// WithError sets the failure message, valid only with StatusError
func WithError(msg string) UpdateOption {
	return func(r *updateReq) { r.errorMsg = &msg }
}

// WithResultFile sets the primary result artifact path, valid only with StatusCompleted
func WithResultFile(path string) UpdateOption {
	return func(r *updateReq) { r.resultFile = &path }
}

// WithAggregatedResultFile sets the aggregated artifact path, valid only with StatusCompleted
func WithAggregatedResultFile(path string) UpdateOption {
	return func(r *updateReq) { r.aggregatedFile = &path }
}

// validate checks option/status consistency before any write happens
func (r *updateReq) validate(status JobStatus) error {
	if (r.resultFile != nil || r.aggregatedFile != nil) && status != StatusCompleted {
		return fmt.Errorf("result files allowed only with %s status: %w", StatusCompleted, ErrConstraint)
	}
	if r.errorMsg != nil && status != StatusError {
		return fmt.Errorf("error text allowed only with %s status: %w", StatusError, ErrConstraint)
	}
	return nil
}
