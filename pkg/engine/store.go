package engine

import (
	"context"
	"time"
)

// RunRecord is the persisted history entry for one run.
type RunRecord struct {
	// RunID is the root execution id.
	RunID string `json:"runId"`

	// FlowID is the flow definition that ran.
	FlowID string `json:"flowId"`

	// Status is the last recorded run status.
	Status RunStatus `json:"status"`

	// StartedAt is when the run entered the engine.
	StartedAt time.Time `json:"startedAt"`

	// CompletedAt is when the run reached a terminal status, zero while it
	// is running or suspended.
	CompletedAt time.Time `json:"completedAt,omitempty"`

	// Errors lists the failures recorded against the run.
	Errors []ExecutionError `json:"errors,omitempty"`
}

// StateStore persists run history and suspension records. The engine
// treats the store as opaque: implementations range from in-memory maps
// to sqlite. Every method must be safe for concurrent use.
//
// Store failures never change a run's outcome; the engine logs them and
// carries on. The one exception is SaveSuspension: a suspension that
// cannot be persisted cannot be resumed, so the run fails.
type StateStore interface {
	// SaveRun inserts or replaces the run's history record.
	SaveRun(ctx context.Context, rec RunRecord) error

	// UpdateRunStatus records a status transition for the run.
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error

	// SaveSuspension persists a suspension record keyed by its resume
	// token.
	SaveSuspension(ctx context.Context, s Suspension) error

	// GetSuspension loads the record for a resume token.
	GetSuspension(ctx context.Context, token string) (Suspension, error)

	// DeleteSuspension removes a consumed or expired record.
	DeleteSuspension(ctx context.Context, token string) error
}
