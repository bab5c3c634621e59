package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sylvestre/lando-api/internal/domain/landing"
	"github.com/sylvestre/lando-api/internal/metrics"
)

const (
	defaultAbandonTimeout = 5 * time.Second
	defaultNotifyTimeout  = 10 * time.Second
)

// LandingService owns the landing job lifecycle: dryrun assessment,
// validated submission to the transplant worker, worker status
// reconciliation and user cancellation. It is stateless between
// requests; the stack is rebuilt from the review tool on every call.
type LandingService struct {
	Source   RevisionSource
	Jobs     JobRepository
	Worker   TransplantClient
	Notifier Notifier
	Clock    func() time.Time

	AbandonTimeout time.Duration
	NotifyTimeout  time.Duration
}

func NewLandingService(source RevisionSource, jobs JobRepository, worker TransplantClient, notifier Notifier) *LandingService {
	return &LandingService{
		Source:         source,
		Jobs:           jobs,
		Worker:         worker,
		Notifier:       notifier,
		Clock:          time.Now,
		AbandonTimeout: defaultAbandonTimeout,
		NotifyTimeout:  defaultNotifyTimeout,
	}
}

type SubmitInput struct {
	LandingPath       []landing.LandingPathItem
	ConfirmationToken string
	Requester         landing.Principal
	Flags             []string
}

// WorkerUpdate is one inbound status report from the transplant worker.
type WorkerUpdate struct {
	RequestID   string
	Landed      bool
	Started     bool
	Tree        string
	Rev         string
	Destination string
	TrySyntax   string
	ErrorMsg    string
	Result      string
}

// Outcome maps a worker report to the job state it drives: a started
// acknowledgment means IN_PROGRESS; landed with a result means LANDED;
// a per-revision error means FAILED; a report with neither means the
// worker gave up, ABORTED.
func (u WorkerUpdate) Outcome() landing.JobStatus {
	switch {
	case u.Started && !u.Landed:
		return landing.JobInProgress
	case u.Landed:
		return landing.JobLanded
	case strings.TrimSpace(u.ErrorMsg) != "":
		return landing.JobFailed
	default:
		return landing.JobAborted
	}
}

// BuildStack fetches the current review graph for a revision and builds
// the request-scoped stack. Fetch failures fail closed: no partial data
// ever reaches the graph builder.
func (s *LandingService) BuildStack(ctx context.Context, revisionID int64) (*landing.Stack, error) {
	data, err := s.Source.FetchStack(ctx, revisionID)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching stack of D%d: %v", landing.ErrUpstreamUnavailable, revisionID, err)
	}
	return landing.BuildStack(data.Revisions, data.Repositories, data.Edges)
}

// Dryrun assesses a declared landing path against the live stack. Pure
// and read-only; safe to call concurrently and repeatedly.
func (s *LandingService) Dryrun(ctx context.Context, path []landing.LandingPathItem) (landing.Assessment, error) {
	if len(path) == 0 {
		return landing.Assessment{}, fmt.Errorf("%w: landing path is required", landing.ErrInvalidArgument)
	}
	stack, err := s.BuildStack(ctx, path[0].RevisionID)
	if err != nil {
		return landing.Assessment{}, err
	}
	metrics.DryrunTotal.Inc()
	return landing.Assess(stack, path), nil
}

// Submit re-validates the declared path against a fresh stack, matches
// the caller's confirmation token, then atomically creates the job and
// hands the path to the transplant worker. Any validation failure
// happens before persisted state changes.
func (s *LandingService) Submit(ctx context.Context, input SubmitInput) (landing.LandingJob, error) {
	if len(input.LandingPath) == 0 {
		return landing.LandingJob{}, fmt.Errorf("%w: landing path is required", landing.ErrInvalidArgument)
	}
	if strings.TrimSpace(input.ConfirmationToken) == "" {
		return landing.LandingJob{}, fmt.Errorf("%w: confirmation token is required", landing.ErrInvalidArgument)
	}
	if strings.TrimSpace(input.Requester.Email) == "" {
		return landing.LandingJob{}, fmt.Errorf("%w: requester email is required", landing.ErrInvalidArgument)
	}

	stack, err := s.BuildStack(ctx, input.LandingPath[0].RevisionID)
	if err != nil {
		return landing.LandingJob{}, err
	}
	assessment := landing.Assess(stack, input.LandingPath)
	if assessment.Blocker != nil {
		metrics.SubmissionTotal.WithLabelValues("blocked").Inc()
		return landing.LandingJob{}, fmt.Errorf("%w: %s", landing.ErrLandingBlocked, *assessment.Blocker)
	}
	if *assessment.ConfirmationToken != input.ConfirmationToken {
		metrics.SubmissionTotal.WithLabelValues("stale_confirmation").Inc()
		return landing.LandingJob{}, fmt.Errorf("%w: warnings changed since the landing was acknowledged", landing.ErrStaleConfirmation)
	}

	head, _ := stack.RevisionByID(input.LandingPath[0].RevisionID)
	repo, _ := stack.Repository(head.RepositoryPHID)
	now := s.Clock().UTC()
	revisionIDs := make([]int64, 0, len(input.LandingPath))
	for _, item := range input.LandingPath {
		revisionIDs = append(revisionIDs, item.RevisionID)
	}
	job := landing.LandingJob{
		ID:             uuid.NewString(),
		Status:         landing.JobSubmitted,
		LandingPath:    append([]landing.LandingPathItem(nil), input.LandingPath...),
		RevisionIDs:    revisionIDs,
		RequesterEmail: input.Requester.Email,
		Tree:           repo.ShortName,
		RepositoryURL:  repo.URL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := s.Jobs.Create(ctx, job)
	if err != nil {
		if errors.Is(err, landing.ErrAlreadyLanding) {
			metrics.SubmissionTotal.WithLabelValues("already_landing").Inc()
		}
		return landing.LandingJob{}, err
	}

	requestID, err := s.Worker.Enqueue(ctx, EnqueueRequest{
		JobID:          created.ID,
		Tree:           created.Tree,
		RepositoryURL:  created.RepositoryURL,
		RequesterEmail: created.RequesterEmail,
		LandingPath:    created.LandingPath,
		Flags:          input.Flags,
	})
	if err != nil {
		// The job must not keep blocking the stack if the worker never
		// heard about it.
		if _, _, failErr := s.Jobs.TransitionByID(ctx, created.ID, landing.JobFailed, "", "transplant worker rejected the request"); failErr != nil {
			slog.Error("failed to mark unenqueued job as failed", "job_id", created.ID, "error", failErr)
		}
		metrics.SubmissionTotal.WithLabelValues("enqueue_failed").Inc()
		return landing.LandingJob{}, fmt.Errorf("%w: transplant worker unavailable: %v", landing.ErrUpstreamUnavailable, err)
	}
	if err := s.Jobs.RecordRequestID(ctx, created.ID, requestID); err != nil {
		return landing.LandingJob{}, fmt.Errorf("%w: recording worker request id: %v", landing.ErrInternal, err)
	}
	created.RequestID = requestID

	metrics.SubmissionTotal.WithLabelValues("submitted").Inc()
	slog.Info("landing job submitted",
		"job_id", created.ID,
		"request_id", requestID,
		"tree", created.Tree,
		"revisions", len(created.RevisionIDs))
	return created, nil
}

// Cancel honors a user cancellation while the job is still queued. Only
// the requester may cancel. The local transition commits first; the
// worker abandon notice is best effort under a bounded timeout and a
// missed notice is reconciled by the worker's next status update.
func (s *LandingService) Cancel(ctx context.Context, jobID string, requester landing.Principal) (landing.LandingJob, error) {
	job, err := s.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return landing.LandingJob{}, err
	}
	if job.RequesterEmail != requester.Email {
		return landing.LandingJob{}, fmt.Errorf("%w: only the requester may cancel a landing job", landing.ErrForbidden)
	}
	cancelled, err := s.Jobs.Cancel(ctx, jobID)
	if err != nil {
		return landing.LandingJob{}, err
	}
	metrics.JobTransitionTotal.WithLabelValues(string(landing.JobCancelled)).Inc()

	if cancelled.RequestID != "" {
		abandonCtx, cancelFn := context.WithTimeout(context.WithoutCancel(ctx), s.abandonTimeout())
		defer cancelFn()
		if err := s.Worker.Abandon(abandonCtx, cancelled.RequestID); err != nil {
			slog.Warn("failed to notify worker of cancellation",
				"job_id", cancelled.ID,
				"request_id", cancelled.RequestID,
				"error", err)
		}
	}
	return cancelled, nil
}

// HandleWorkerUpdate reconciles one asynchronous status report from the
// transplant worker. Redelivered terminal reports are a no-op.
func (s *LandingService) HandleWorkerUpdate(ctx context.Context, update WorkerUpdate) (landing.LandingJob, error) {
	if strings.TrimSpace(update.RequestID) == "" {
		return landing.LandingJob{}, fmt.Errorf("%w: request_id is required", landing.ErrInvalidArgument)
	}
	next := update.Outcome()
	job, applied, err := s.Jobs.TransitionByRequestID(ctx, update.RequestID, next, update.Result, update.ErrorMsg)
	if err != nil {
		return landing.LandingJob{}, err
	}
	if !applied {
		return job, nil
	}
	metrics.JobTransitionTotal.WithLabelValues(string(next)).Inc()
	slog.Info("landing job updated by worker",
		"job_id", job.ID,
		"request_id", job.RequestID,
		"status", string(job.Status))

	if next == landing.JobFailed && s.Notifier != nil {
		notifyCtx, cancelFn := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout())
		defer cancelFn()
		revision := ""
		if len(job.LandingPath) > 0 {
			revision = fmt.Sprintf("D%d", job.LandingPath[0].RevisionID)
		}
		if err := s.Notifier.LandingFailed(notifyCtx, job.RequesterEmail, revision, job.ErrorMessage); err != nil {
			slog.Warn("failed to send landing failure notification",
				"job_id", job.ID,
				"recipient", job.RequesterEmail,
				"error", err)
		}
	}
	return job, nil
}

// ListTransplants returns every landing job touching any revision of
// the stack containing the given revision.
func (s *LandingService) ListTransplants(ctx context.Context, stackRevisionID int64) ([]landing.LandingJob, error) {
	stack, err := s.BuildStack(ctx, stackRevisionID)
	if err != nil {
		return nil, err
	}
	return s.Jobs.ListByRevisions(ctx, stack.RevisionIDs())
}

func (s *LandingService) abandonTimeout() time.Duration {
	if s.AbandonTimeout > 0 {
		return s.AbandonTimeout
	}
	return defaultAbandonTimeout
}

func (s *LandingService) notifyTimeout() time.Duration {
	if s.NotifyTimeout > 0 {
		return s.NotifyTimeout
	}
	return defaultNotifyTimeout
}
