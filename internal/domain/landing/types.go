package landing

import (
	"errors"
	"fmt"
	"time"
)

type ReviewerStatus string

const (
	ReviewerAdded    ReviewerStatus = "added"
	ReviewerAccepted ReviewerStatus = "accepted"
	ReviewerBlocking ReviewerStatus = "blocking"
	ReviewerRejected ReviewerStatus = "rejected"
	ReviewerResigned ReviewerStatus = "resigned"
)

type Reviewer struct {
	PHID            string
	Status          ReviewerStatus
	Identifier      string
	FullName        string
	ForOtherDiff    bool
	BlockingLanding bool
}

type Diff struct {
	ID           int64
	PHID         string
	DateCreated  time.Time
	DateModified time.Time
	BaseRevision string
	AuthorName   string
	AuthorEmail  string
}

type RevisionStatus struct {
	Value   string
	Display string
	Closed  bool
}

type Revision struct {
	ID                         int64
	PHID                       string
	Status                     RevisionStatus
	BlockedReason              string
	BugID                      string
	Title                      string
	Summary                    string
	CommitMessageTitle         string
	CommitMessage              string
	RepositoryPHID             string
	Diff                       Diff
	AuthorPHID                 string
	Reviewers                  []Reviewer
	IsSecure                   bool
	IsUsingSecureCommitMessage bool
}

// Monogram returns the user-facing revision identifier, e.g. "D12345".
func (r Revision) Monogram() string {
	return fmt.Sprintf("D%d", r.ID)
}

type Repository struct {
	PHID             string
	ShortName        string
	URL              string
	LandingSupported bool
	ApprovalRequired bool
}

// StackEdge is an ordered (child, parent) pair of revision PHIDs.
type StackEdge struct {
	Child  string
	Parent string
}

// LandablePath is an ordered sequence of revision PHIDs, root to tip.
type LandablePath []string

// Stack is the request-scoped aggregate built fresh for every request.
// It is never cached across requests; the upstream review graph can
// mutate at any time.
type Stack struct {
	Edges              []StackEdge
	Revisions          []Revision
	Repositories       []Repository
	LandablePaths      []LandablePath
	UpliftRepositories []string

	byPHID     map[string]int
	repoByPHID map[string]int
	children   map[string][]string
	parents    map[string][]string
}

func (s *Stack) Revision(phid string) (Revision, bool) {
	idx, ok := s.byPHID[phid]
	if !ok {
		return Revision{}, false
	}
	return s.Revisions[idx], true
}

func (s *Stack) RevisionByID(id int64) (Revision, bool) {
	for _, rev := range s.Revisions {
		if rev.ID == id {
			return rev, true
		}
	}
	return Revision{}, false
}

func (s *Stack) Repository(phid string) (Repository, bool) {
	idx, ok := s.repoByPHID[phid]
	if !ok {
		return Repository{}, false
	}
	return s.Repositories[idx], true
}

// RevisionIDs returns the numeric ids of every revision in the stack.
func (s *Stack) RevisionIDs() []int64 {
	ids := make([]int64, 0, len(s.Revisions))
	for _, rev := range s.Revisions {
		ids = append(ids, rev.ID)
	}
	return ids
}

type JobStatus string

const (
	JobSubmitted  JobStatus = "SUBMITTED"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobLanded     JobStatus = "LANDED"
	JobFailed     JobStatus = "FAILED"
	JobAborted    JobStatus = "ABORTED"
	JobCancelled  JobStatus = "CANCELLED"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobLanded, JobFailed, JobAborted, JobCancelled:
		return true
	}
	return false
}

// LandingPathItem is one (revision, diff) pair of a caller-declared
// landing path. The diff id pins the exact diff the caller inspected.
type LandingPathItem struct {
	RevisionID int64 `json:"revision_id"`
	DiffID     int64 `json:"diff_id"`
}

// LandingJob tracks one submission to the transplant worker through to a
// terminal outcome. It is the only entity with a persisted, mutable
// lifecycle; every transition is individually atomic.
type LandingJob struct {
	ID             string
	RequestID      string
	Status         JobStatus
	LandingPath    []LandingPathItem
	RevisionIDs    []int64
	RequesterEmail string
	Tree           string
	RepositoryURL  string
	LandedCommitID string
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type WarningInstance struct {
	RevisionID int64  `json:"revision_id"`
	Details    string `json:"details"`
}

type Warning struct {
	ID        int               `json:"id"`
	Display   string            `json:"display"`
	Instances []WarningInstance `json:"instances"`
}

// Assessment is the outcome of evaluating a declared landing path.
// A non-nil Blocker means landing is impossible and cannot be
// acknowledged; the token is present only when no blocker was found.
type Assessment struct {
	ConfirmationToken *string   `json:"confirmation_token"`
	Blocker           *string   `json:"blocker"`
	Warnings          []Warning `json:"warnings"`
}

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInternal            = errors.New("internal error")
	ErrGraph               = errors.New("malformed stack graph")
	ErrLandingBlocked      = errors.New("landing blocked")
	ErrStaleConfirmation   = errors.New("stale confirmation token")
	ErrAlreadyLanding      = errors.New("revision already has a landing in flight")
	ErrNotCancellable      = errors.New("landing job is not cancellable")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
