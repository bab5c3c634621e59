package common

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sylvestre/lando-api/internal/domain/landing"
)

const principalKey = "principal"

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Authenticator interface {
	Authenticate(*gin.Context) (landing.Principal, error)
}

func AuthMiddleware(authenticator Authenticator, authorizer landing.Authorizer, permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authenticator == nil || authorizer == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Code: "INTERNAL", Message: "auth misconfigured"})
			return
		}
		principal, err := authenticator.Authenticate(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Code: "UNAUTHORIZED", Message: "authentication failed"})
			return
		}
		if err := authorizer.Require(principal, permission); err != nil {
			WriteError(c, err)
			c.Abort()
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func PrincipalFromContext(c *gin.Context) (landing.Principal, bool) {
	value, ok := c.Get(principalKey)
	if !ok {
		WriteErrorCode(c, http.StatusInternalServerError, "INTERNAL", "principal missing")
		return landing.Principal{}, false
	}
	principal, ok := value.(landing.Principal)
	if !ok {
		WriteErrorCode(c, http.StatusInternalServerError, "INTERNAL", "principal invalid")
		return landing.Principal{}, false
	}
	return principal, true
}

type RevisionResponse struct {
	RevisionID    string             `json:"revision_id"`
	PHID          string             `json:"phid"`
	Status        StatusResponse     `json:"status"`
	BlockedReason string             `json:"blocked_reason,omitempty"`
	BugID         string             `json:"bug_id,omitempty"`
	Title         string             `json:"title"`
	AuthorPHID    string             `json:"author_phid,omitempty"`
	Diff          DiffResponse       `json:"diff"`
	Reviewers     []ReviewerResponse `json:"reviewers"`
	IsSecure      bool               `json:"is_secure"`
}

type StatusResponse struct {
	Value   string `json:"value"`
	Display string `json:"display"`
	Closed  bool   `json:"closed"`
}

type DiffResponse struct {
	ID          int64  `json:"id"`
	AuthorName  string `json:"author_name,omitempty"`
	AuthorEmail string `json:"author_email,omitempty"`
}

type ReviewerResponse struct {
	PHID            string `json:"phid"`
	Status          string `json:"status"`
	Identifier      string `json:"identifier,omitempty"`
	FullName        string `json:"full_name,omitempty"`
	ForOtherDiff    bool   `json:"for_other_diff"`
	BlockingLanding bool   `json:"blocking_landing"`
}

type RepositoryResponse struct {
	PHID             string `json:"phid"`
	ShortName        string `json:"short_name"`
	URL              string `json:"url,omitempty"`
	LandingSupported bool   `json:"landing_supported"`
	ApprovalRequired bool   `json:"approval_required"`
}

type StackResponse struct {
	Edges              [][2]string          `json:"edges"`
	LandablePaths      [][]string           `json:"landable_paths"`
	Revisions          []RevisionResponse   `json:"revisions"`
	Repositories       []RepositoryResponse `json:"repositories"`
	UpliftRepositories []string             `json:"uplift_repositories"`
}

type JobResponse struct {
	ID             string                    `json:"id"`
	RequestID      string                    `json:"request_id,omitempty"`
	Status         string                    `json:"status"`
	LandingPath    []landing.LandingPathItem `json:"landing_path"`
	RequesterEmail string                    `json:"requester_email"`
	Tree           string                    `json:"tree"`
	LandedCommitID string                    `json:"landed_commit_id,omitempty"`
	ErrorMessage   string                    `json:"error_message,omitempty"`
	CreatedAt      string                    `json:"created_at"`
	UpdatedAt      string                    `json:"updated_at"`
}

func ToStackResponse(stack *landing.Stack) StackResponse {
	resp := StackResponse{
		Edges:              make([][2]string, 0, len(stack.Edges)),
		LandablePaths:      make([][]string, 0, len(stack.LandablePaths)),
		Revisions:          make([]RevisionResponse, 0, len(stack.Revisions)),
		Repositories:       make([]RepositoryResponse, 0, len(stack.Repositories)),
		UpliftRepositories: stack.UpliftRepositories,
	}
	if resp.UpliftRepositories == nil {
		resp.UpliftRepositories = []string{}
	}
	for _, edge := range stack.Edges {
		resp.Edges = append(resp.Edges, [2]string{edge.Child, edge.Parent})
	}
	for _, path := range stack.LandablePaths {
		resp.LandablePaths = append(resp.LandablePaths, append([]string(nil), path...))
	}
	for _, rev := range stack.Revisions {
		resp.Revisions = append(resp.Revisions, toRevisionResponse(rev))
	}
	for _, repo := range stack.Repositories {
		resp.Repositories = append(resp.Repositories, RepositoryResponse{
			PHID:             repo.PHID,
			ShortName:        repo.ShortName,
			URL:              repo.URL,
			LandingSupported: repo.LandingSupported,
			ApprovalRequired: repo.ApprovalRequired,
		})
	}
	return resp
}

func toRevisionResponse(rev landing.Revision) RevisionResponse {
	out := RevisionResponse{
		RevisionID:    rev.Monogram(),
		PHID:          rev.PHID,
		BlockedReason: rev.BlockedReason,
		BugID:         rev.BugID,
		Title:         rev.Title,
		AuthorPHID:    rev.AuthorPHID,
		IsSecure:      rev.IsSecure,
		Status: StatusResponse{
			Value:   rev.Status.Value,
			Display: rev.Status.Display,
			Closed:  rev.Status.Closed,
		},
		Diff: DiffResponse{
			ID:          rev.Diff.ID,
			AuthorName:  rev.Diff.AuthorName,
			AuthorEmail: rev.Diff.AuthorEmail,
		},
		Reviewers: make([]ReviewerResponse, 0, len(rev.Reviewers)),
	}
	for _, reviewer := range rev.Reviewers {
		out.Reviewers = append(out.Reviewers, ReviewerResponse{
			PHID:            reviewer.PHID,
			Status:          string(reviewer.Status),
			Identifier:      reviewer.Identifier,
			FullName:        reviewer.FullName,
			ForOtherDiff:    reviewer.ForOtherDiff,
			BlockingLanding: reviewer.BlockingLanding,
		})
	}
	return out
}

func ToJobResponse(job landing.LandingJob) JobResponse {
	return JobResponse{
		ID:             job.ID,
		RequestID:      job.RequestID,
		Status:         string(job.Status),
		LandingPath:    job.LandingPath,
		RequesterEmail: job.RequesterEmail,
		Tree:           job.Tree,
		LandedCommitID: job.LandedCommitID,
		ErrorMessage:   job.ErrorMessage,
		CreatedAt:      job.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:      job.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func WriteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, landing.ErrUnauthorized):
		WriteErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
	case errors.Is(err, landing.ErrForbidden):
		WriteErrorCode(c, http.StatusForbidden, "FORBIDDEN", "forbidden")
	case errors.Is(err, landing.ErrNotFound):
		WriteErrorCode(c, http.StatusNotFound, "NOT_FOUND", "not found")
	case errors.Is(err, landing.ErrLandingBlocked):
		// The blocker text is user-facing; it tells the caller what to
		// fix before retrying.
		WriteErrorCode(c, http.StatusBadRequest, "LANDING_BLOCKED", err.Error())
	case errors.Is(err, landing.ErrStaleConfirmation):
		WriteErrorCode(c, http.StatusConflict, "STALE_CONFIRMATION", "warnings changed since the landing was acknowledged")
	case errors.Is(err, landing.ErrAlreadyLanding):
		WriteErrorCode(c, http.StatusConflict, "ALREADY_LANDING", "a revision of this path is already being landed")
	case errors.Is(err, landing.ErrNotCancellable):
		WriteErrorCode(c, http.StatusBadRequest, "NOT_CANCELLABLE", "landing job can no longer be cancelled")
	case errors.Is(err, landing.ErrInvalidArgument):
		WriteErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	case errors.Is(err, landing.ErrUpstreamUnavailable):
		WriteErrorCode(c, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "upstream service unavailable")
	case errors.Is(err, landing.ErrGraph):
		WriteErrorCode(c, http.StatusInternalServerError, "GRAPH_ERROR", "review graph is malformed")
	default:
		WriteErrorCode(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func WriteErrorCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Code: code, Message: message})
}
