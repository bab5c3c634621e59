package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sylvestre/lando-api/internal/domain/landing"
)

var nonTerminalStatuses = []string{
	string(landing.JobSubmitted),
	string(landing.JobInProgress),
}

type JobRepo struct {
	Pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{Pool: pool}
}

const jobColumns = `id, request_id, status, landing_path, revision_ids, requester_email, tree, repository_url, landed_commit_id, error_message, created_at, updated_at`

// Create inserts a new SUBMITTED job. The overlap check and the insert
// run in one transaction under per-revision advisory locks, so two
// concurrent submissions naming any common revision serialize and the
// loser fails with ErrAlreadyLanding.
func (r *JobRepo) Create(ctx context.Context, job landing.LandingJob) (landing.LandingJob, error) {
	if r == nil || r.Pool == nil {
		return landing.LandingJob{}, fmt.Errorf("db not configured")
	}
	pathJSON, err := json.Marshal(job.LandingPath)
	if err != nil {
		return landing.LandingJob{}, err
	}

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return landing.LandingJob{}, err
	}
	defer tx.Rollback(ctx)

	// Locks are taken in sorted order to avoid deadlock between
	// submissions sharing several revisions.
	locked := append([]int64(nil), job.RevisionIDs...)
	sort.Slice(locked, func(i, j int) bool { return locked[i] < locked[j] })
	for _, revisionID := range locked {
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtext('landing:' || $1::text))`, revisionID); err != nil {
			return landing.LandingJob{}, err
		}
	}

	var overlapping bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM landing_jobs
			WHERE status = ANY($1) AND revision_ids && $2
		)`, nonTerminalStatuses, job.RevisionIDs).Scan(&overlapping); err != nil {
		return landing.LandingJob{}, err
	}
	if overlapping {
		return landing.LandingJob{}, fmt.Errorf("%w: a revision of this path is part of an in-flight job", landing.ErrAlreadyLanding)
	}

	row := tx.QueryRow(ctx, `
INSERT INTO landing_jobs (id, request_id, status, landing_path, revision_ids, requester_email, tree, repository_url, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
RETURNING created_at, updated_at`,
		job.ID,
		job.RequestID,
		string(job.Status),
		pathJSON,
		job.RevisionIDs,
		job.RequesterEmail,
		job.Tree,
		job.RepositoryURL,
		job.CreatedAt.UTC(),
	)
	if err := row.Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		return landing.LandingJob{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return landing.LandingJob{}, err
	}
	return job, nil
}

func (r *JobRepo) RecordRequestID(ctx context.Context, jobID, requestID string) error {
	if r == nil || r.Pool == nil {
		return fmt.Errorf("db not configured")
	}
	tag, err := r.Pool.Exec(ctx,
		`UPDATE landing_jobs SET request_id = $2, updated_at = now() WHERE id = $1`,
		jobID, requestID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return landing.ErrNotFound
	}
	return nil
}

func (r *JobRepo) GetByID(ctx context.Context, jobID string) (landing.LandingJob, error) {
	if r == nil || r.Pool == nil {
		return landing.LandingJob{}, fmt.Errorf("db not configured")
	}
	row := r.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM landing_jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

func (r *JobRepo) ListByRevisions(ctx context.Context, revisionIDs []int64) ([]landing.LandingJob, error) {
	if r == nil || r.Pool == nil {
		return nil, fmt.Errorf("db not configured")
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM landing_jobs WHERE revision_ids && $1 ORDER BY created_at DESC`,
		revisionIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []landing.LandingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// Cancel moves a SUBMITTED job to CANCELLED. The row lock makes a
// cancellation racing a worker update resolve deterministically: a
// terminal update that commits first wins; cancellation wins while the
// job is still SUBMITTED at lock time.
func (r *JobRepo) Cancel(ctx context.Context, jobID string) (landing.LandingJob, error) {
	if r == nil || r.Pool == nil {
		return landing.LandingJob{}, fmt.Errorf("db not configured")
	}
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return landing.LandingJob{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM landing_jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return landing.LandingJob{}, err
	}
	if job.Status != landing.JobSubmitted {
		return landing.LandingJob{}, fmt.Errorf("%w: job is %s", landing.ErrNotCancellable, job.Status)
	}
	if err := tx.QueryRow(ctx,
		`UPDATE landing_jobs SET status = $2, updated_at = now() WHERE id = $1 RETURNING updated_at`,
		jobID, string(landing.JobCancelled)).Scan(&job.UpdatedAt); err != nil {
		return landing.LandingJob{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return landing.LandingJob{}, err
	}
	job.Status = landing.JobCancelled
	return job, nil
}

func (r *JobRepo) TransitionByID(ctx context.Context, jobID string, next landing.JobStatus, landedCommit, errorMsg string) (landing.LandingJob, bool, error) {
	return r.transition(ctx, `id = $1`, jobID, next, landedCommit, errorMsg)
}

func (r *JobRepo) TransitionByRequestID(ctx context.Context, requestID string, next landing.JobStatus, landedCommit, errorMsg string) (landing.LandingJob, bool, error) {
	return r.transition(ctx, `request_id = $1 AND request_id <> ''`, requestID, next, landedCommit, errorMsg)
}

func (r *JobRepo) transition(ctx context.Context, where, key string, next landing.JobStatus, landedCommit, errorMsg string) (landing.LandingJob, bool, error) {
	if r == nil || r.Pool == nil {
		return landing.LandingJob{}, false, fmt.Errorf("db not configured")
	}
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return landing.LandingJob{}, false, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM landing_jobs WHERE `+where+` FOR UPDATE`, key)
	job, err := scanJob(row)
	if err != nil {
		return landing.LandingJob{}, false, err
	}
	if job.Status.Terminal() {
		return job, false, nil
	}
	if next == landing.JobInProgress && job.Status != landing.JobSubmitted {
		return job, false, nil
	}
	if err := tx.QueryRow(ctx, `
UPDATE landing_jobs
SET status = $2, landed_commit_id = $3, error_message = $4, updated_at = now()
WHERE id = $1
RETURNING updated_at`,
		job.ID, string(next), landedCommit, errorMsg).Scan(&job.UpdatedAt); err != nil {
		return landing.LandingJob{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return landing.LandingJob{}, false, err
	}
	job.Status = next
	job.LandedCommitID = landedCommit
	job.ErrorMessage = errorMsg
	return job, true, nil
}

func scanJob(row pgx.Row) (landing.LandingJob, error) {
	var job landing.LandingJob
	var status string
	var pathJSON []byte
	var createdAt, updatedAt time.Time
	if err := row.Scan(
		&job.ID,
		&job.RequestID,
		&status,
		&pathJSON,
		&job.RevisionIDs,
		&job.RequesterEmail,
		&job.Tree,
		&job.RepositoryURL,
		&job.LandedCommitID,
		&job.ErrorMessage,
		&createdAt,
		&updatedAt,
	); err != nil {
		if err == pgx.ErrNoRows {
			return landing.LandingJob{}, landing.ErrNotFound
		}
		return landing.LandingJob{}, err
	}
	job.Status = landing.JobStatus(status)
	job.CreatedAt = createdAt
	job.UpdatedAt = updatedAt
	if len(pathJSON) > 0 {
		if err := json.Unmarshal(pathJSON, &job.LandingPath); err != nil {
			return landing.LandingJob{}, err
		}
	}
	return job, nil
}
