package usecase

import (
	"context"

	"github.com/sylvestre/lando-api/internal/domain/landing"
)

// StackData is the raw snapshot the review tool reports for a stack:
// every revision reachable from the requested one, the repositories they
// touch, and the parent/child relation.
type StackData struct {
	Revisions    []landing.Revision
	Repositories []landing.Repository
	Edges        []landing.StackEdge
}

type RevisionSource interface {
	FetchStack(ctx context.Context, revisionID int64) (StackData, error)
}

type JobRepository interface {
	// Create persists a new job in SUBMITTED. The overlap check and the
	// insert are atomic: if any revision of the job already has a
	// non-terminal job, Create fails with ErrAlreadyLanding.
	Create(ctx context.Context, job landing.LandingJob) (landing.LandingJob, error)
	RecordRequestID(ctx context.Context, jobID, requestID string) error
	GetByID(ctx context.Context, jobID string) (landing.LandingJob, error)
	ListByRevisions(ctx context.Context, revisionIDs []int64) ([]landing.LandingJob, error)
	// Cancel moves a SUBMITTED job to CANCELLED under a row lock and
	// fails with ErrNotCancellable for any other state.
	Cancel(ctx context.Context, jobID string) (landing.LandingJob, error)
	// Transition* apply a worker-reported state under a row lock. The
	// returned bool reports whether the update was applied; terminal
	// jobs and invalid progressions are a no-op, not an error.
	TransitionByID(ctx context.Context, jobID string, next landing.JobStatus, landedCommit, errorMsg string) (landing.LandingJob, bool, error)
	TransitionByRequestID(ctx context.Context, requestID string, next landing.JobStatus, landedCommit, errorMsg string) (landing.LandingJob, bool, error)
}

// EnqueueRequest is the payload handed to the external transplant
// worker when a validated landing path is submitted.
type EnqueueRequest struct {
	JobID          string
	Tree           string
	RepositoryURL  string
	RequesterEmail string
	LandingPath    []landing.LandingPathItem
	Flags          []string
}

type TransplantClient interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (requestID string, err error)
	Abandon(ctx context.Context, requestID string) error
}

type Notifier interface {
	LandingFailed(ctx context.Context, recipient, revisionID, errorMsg string) error
}
