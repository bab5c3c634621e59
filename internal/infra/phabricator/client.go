// Package phabricator fetches revision stacks over the Conduit API.
package phabricator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sylvestre/lando-api/internal/domain/landing"
	"github.com/sylvestre/lando-api/internal/usecase"
)

// RepositoryPolicy is local landing configuration for one repository,
// keyed by short name. Conduit does not know which trees this service
// may land to.
type RepositoryPolicy struct {
	ApprovalRequired bool
}

type Client struct {
	BaseURL           string
	APIToken          string
	HTTPClient        *http.Client
	SecureProjectPHID string
	Policies          map[string]RepositoryPolicy
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.HTTPClient = client
	}
}

func WithSecureProjectPHID(phid string) Option {
	return func(c *Client) {
		c.SecureProjectPHID = phid
	}
}

func WithRepositoryPolicies(policies map[string]RepositoryPolicy) Option {
	return func(c *Client) {
		c.Policies = policies
	}
}

func NewClient(baseURL, apiToken string, opts ...Option) *Client {
	client := &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		APIToken: apiToken,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// FetchStack walks the parent/child edges out from revisionID until the
// connected component is closed over, then loads revisions, current
// diffs and repositories for every node found.
func (c *Client) FetchStack(ctx context.Context, revisionID int64) (usecase.StackData, error) {
	if c == nil || c.BaseURL == "" {
		return usecase.StackData{}, fmt.Errorf("phabricator base URL is required")
	}

	seed, err := c.searchRevisions(ctx, map[string]any{"ids": []int64{revisionID}})
	if err != nil {
		return usecase.StackData{}, err
	}
	if len(seed) == 0 {
		return usecase.StackData{}, fmt.Errorf("%w: revision D%d", landing.ErrNotFound, revisionID)
	}

	phids, edges, err := c.discoverStack(ctx, seed[0].PHID)
	if err != nil {
		return usecase.StackData{}, err
	}

	raw, err := c.searchRevisions(ctx, map[string]any{"phids": phids})
	if err != nil {
		return usecase.StackData{}, err
	}
	diffs, err := c.searchDiffs(ctx, phids)
	if err != nil {
		return usecase.StackData{}, err
	}
	users, err := c.searchUsers(ctx, reviewerPHIDs(raw))
	if err != nil {
		return usecase.StackData{}, err
	}

	revisions := make([]landing.Revision, 0, len(raw))
	repoPHIDs := make(map[string]bool)
	for _, r := range raw {
		revisions = append(revisions, c.toRevision(r, diffs[r.PHID], users))
		if r.Fields.RepositoryPHID != "" {
			repoPHIDs[r.Fields.RepositoryPHID] = true
		}
	}

	repositories, err := c.searchRepositories(ctx, repoPHIDs)
	if err != nil {
		return usecase.StackData{}, err
	}

	return usecase.StackData{
		Revisions:    revisions,
		Repositories: repositories,
		Edges:        edges,
	}, nil
}

// discoverStack runs edge.search rounds until no new PHIDs turn up.
func (c *Client) discoverStack(ctx context.Context, seedPHID string) ([]string, []landing.StackEdge, error) {
	seen := map[string]bool{seedPHID: true}
	frontier := []string{seedPHID}
	var edges []landing.StackEdge
	edgeSeen := make(map[landing.StackEdge]bool)

	for len(frontier) > 0 {
		var result struct {
			Data []struct {
				SourcePHID      string `json:"sourcePHID"`
				EdgeType        string `json:"edgeType"`
				DestinationPHID string `json:"destinationPHID"`
			} `json:"data"`
		}
		params := map[string]any{
			"sourcePHIDs": frontier,
			"types":       []string{"revision.parent", "revision.child"},
		}
		if err := c.call(ctx, "edge.search", params, &result); err != nil {
			return nil, nil, err
		}

		frontier = frontier[:0]
		for _, e := range result.Data {
			var edge landing.StackEdge
			switch e.EdgeType {
			case "revision.parent":
				edge = landing.StackEdge{Child: e.SourcePHID, Parent: e.DestinationPHID}
			case "revision.child":
				edge = landing.StackEdge{Child: e.DestinationPHID, Parent: e.SourcePHID}
			default:
				continue
			}
			if !edgeSeen[edge] {
				edgeSeen[edge] = true
				edges = append(edges, edge)
			}
			if !seen[e.DestinationPHID] {
				seen[e.DestinationPHID] = true
				frontier = append(frontier, e.DestinationPHID)
			}
		}
	}

	phids := make([]string, 0, len(seen))
	for phid := range seen {
		phids = append(phids, phid)
	}
	sort.Strings(phids)
	return phids, edges, nil
}

type conduitRevision struct {
	ID     int64  `json:"id"`
	PHID   string `json:"phid"`
	Fields struct {
		Title      string `json:"title"`
		Summary    string `json:"summary"`
		AuthorPHID string `json:"authorPHID"`
		Status     struct {
			Value  string `json:"value"`
			Name   string `json:"name"`
			Closed bool   `json:"closed"`
		} `json:"status"`
		RepositoryPHID string `json:"repositoryPHID"`
		DiffPHID       string `json:"diffPHID"`
		IsDraft        bool   `json:"isDraft"`
		BugID          string `json:"bugzilla.bug-id"`
	} `json:"fields"`
	Attachments struct {
		Reviewers struct {
			Reviewers []struct {
				ReviewerPHID string `json:"reviewerPHID"`
				Status       string `json:"status"`
				IsBlocking   bool   `json:"isBlocking"`
			} `json:"reviewers"`
		} `json:"reviewers"`
		ReviewersExtra struct {
			ReviewersExtra []struct {
				ReviewerPHID string `json:"reviewerPHID"`
				VoidedPHID   string `json:"voidedPHID"`
				DiffPHID     string `json:"diffPHID"`
			} `json:"reviewers-extra"`
		} `json:"reviewers-extra"`
		Projects struct {
			ProjectPHIDs []string `json:"projectPHIDs"`
		} `json:"projects"`
	} `json:"attachments"`
}

func (c *Client) searchRevisions(ctx context.Context, constraints map[string]any) ([]conduitRevision, error) {
	var result struct {
		Data []conduitRevision `json:"data"`
	}
	params := map[string]any{
		"constraints": constraints,
		"attachments": map[string]bool{
			"reviewers":       true,
			"reviewers-extra": true,
			"projects":        true,
		},
	}
	if err := c.call(ctx, "differential.revision.search", params, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

type conduitDiff struct {
	ID     int64 `json:"id"`
	Fields struct {
		RevisionPHID string `json:"revisionPHID"`
		DateCreated  int64  `json:"dateCreated"`
		DateModified int64  `json:"dateModified"`
	} `json:"fields"`
	Attachments struct {
		Commits struct {
			Commits []struct {
				Author struct {
					Name  string `json:"name"`
					Email string `json:"email"`
				} `json:"author"`
			} `json:"commits"`
		} `json:"commits"`
	} `json:"attachments"`
}

// searchDiffs returns the newest diff per revision PHID.
func (c *Client) searchDiffs(ctx context.Context, revisionPHIDs []string) (map[string]conduitDiff, error) {
	var result struct {
		Data []conduitDiff `json:"data"`
	}
	params := map[string]any{
		"constraints": map[string]any{"revisionPHIDs": revisionPHIDs},
		"attachments": map[string]bool{"commits": true},
	}
	if err := c.call(ctx, "differential.diff.search", params, &result); err != nil {
		return nil, err
	}
	out := make(map[string]conduitDiff, len(result.Data))
	for _, d := range result.Data {
		if current, ok := out[d.Fields.RevisionPHID]; !ok || d.ID > current.ID {
			out[d.Fields.RevisionPHID] = d
		}
	}
	return out, nil
}

type conduitUser struct {
	PHID   string `json:"phid"`
	Fields struct {
		Username string `json:"username"`
		RealName string `json:"realName"`
	} `json:"fields"`
}

func (c *Client) searchUsers(ctx context.Context, phids []string) (map[string]conduitUser, error) {
	if len(phids) == 0 {
		return map[string]conduitUser{}, nil
	}
	var result struct {
		Data []conduitUser `json:"data"`
	}
	params := map[string]any{
		"constraints": map[string]any{"phids": phids},
	}
	if err := c.call(ctx, "user.search", params, &result); err != nil {
		return nil, err
	}
	out := make(map[string]conduitUser, len(result.Data))
	for _, u := range result.Data {
		out[u.PHID] = u
	}
	return out, nil
}

func (c *Client) searchRepositories(ctx context.Context, phids map[string]bool) ([]landing.Repository, error) {
	if len(phids) == 0 {
		return nil, nil
	}
	list := make([]string, 0, len(phids))
	for phid := range phids {
		list = append(list, phid)
	}
	sort.Strings(list)

	var result struct {
		Data []struct {
			PHID   string `json:"phid"`
			Fields struct {
				ShortName string `json:"shortName"`
			} `json:"fields"`
			Attachments struct {
				URIs struct {
					URIs []struct {
						Fields struct {
							URI struct {
								Effective string `json:"effective"`
							} `json:"uri"`
						} `json:"fields"`
					} `json:"uris"`
				} `json:"uris"`
			} `json:"attachments"`
		} `json:"data"`
	}
	params := map[string]any{
		"constraints": map[string]any{"phids": list},
		"attachments": map[string]bool{"uris": true},
	}
	if err := c.call(ctx, "diffusion.repository.search", params, &result); err != nil {
		return nil, err
	}

	out := make([]landing.Repository, 0, len(result.Data))
	for _, r := range result.Data {
		policy, supported := c.Policies[r.Fields.ShortName]
		repo := landing.Repository{
			PHID:             r.PHID,
			ShortName:        r.Fields.ShortName,
			LandingSupported: supported,
			ApprovalRequired: policy.ApprovalRequired,
		}
		if uris := r.Attachments.URIs.URIs; len(uris) > 0 {
			repo.URL = uris[0].Fields.URI.Effective
		}
		out = append(out, repo)
	}
	return out, nil
}

func (c *Client) toRevision(r conduitRevision, diff conduitDiff, users map[string]conduitUser) landing.Revision {
	rev := landing.Revision{
		ID:             r.ID,
		PHID:           r.PHID,
		Title:          r.Fields.Title,
		Summary:        r.Fields.Summary,
		AuthorPHID:     r.Fields.AuthorPHID,
		RepositoryPHID: r.Fields.RepositoryPHID,
		BugID:          r.Fields.BugID,
		Status: landing.RevisionStatus{
			Value:   r.Fields.Status.Value,
			Display: r.Fields.Status.Name,
			Closed:  r.Fields.Status.Closed,
		},
	}
	if r.Fields.IsDraft {
		rev.BlockedReason = "revision is a draft"
	}
	if c.SecureProjectPHID != "" {
		for _, phid := range r.Attachments.Projects.ProjectPHIDs {
			if phid == c.SecureProjectPHID {
				rev.IsSecure = true
				break
			}
		}
	}

	rev.Diff = landing.Diff{
		ID:           diff.ID,
		PHID:         r.Fields.DiffPHID,
		DateCreated:  time.Unix(diff.Fields.DateCreated, 0).UTC(),
		DateModified: time.Unix(diff.Fields.DateModified, 0).UTC(),
	}
	if commits := diff.Attachments.Commits.Commits; len(commits) > 0 {
		rev.Diff.AuthorName = commits[0].Author.Name
		rev.Diff.AuthorEmail = commits[0].Author.Email
	}

	voided := make(map[string]bool)
	otherDiff := make(map[string]bool)
	for _, extra := range r.Attachments.ReviewersExtra.ReviewersExtra {
		if extra.VoidedPHID != "" {
			voided[extra.ReviewerPHID] = true
		}
		if extra.DiffPHID != "" && extra.DiffPHID != r.Fields.DiffPHID {
			otherDiff[extra.ReviewerPHID] = true
		}
	}
	for _, reviewer := range r.Attachments.Reviewers.Reviewers {
		mapped := landing.Reviewer{
			PHID:            reviewer.ReviewerPHID,
			Status:          landing.ReviewerStatus(reviewer.Status),
			ForOtherDiff:    voided[reviewer.ReviewerPHID] || otherDiff[reviewer.ReviewerPHID],
			BlockingLanding: reviewer.IsBlocking || reviewer.Status == string(landing.ReviewerRejected),
		}
		if user, ok := users[reviewer.ReviewerPHID]; ok {
			mapped.Identifier = user.Fields.Username
			mapped.FullName = user.Fields.RealName
		}
		rev.Reviewers = append(rev.Reviewers, mapped)
	}
	return rev
}

func reviewerPHIDs(revisions []conduitRevision) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range revisions {
		for _, reviewer := range r.Attachments.Reviewers.Reviewers {
			if !seen[reviewer.ReviewerPHID] {
				seen[reviewer.ReviewerPHID] = true
				out = append(out, reviewer.ReviewerPHID)
			}
		}
	}
	sort.Strings(out)
	return out
}

// call posts one Conduit method. Conduit returns HTTP 200 for
// API-level failures, so error_info has to be checked as well.
func (c *Client) call(ctx context.Context, method string, params map[string]any, out any) error {
	payload := make(map[string]any, len(params)+1)
	for k, v := range params {
		payload[k] = v
	}
	payload["__conduit__"] = map[string]string{"token": c.APIToken}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	form := url.Values{
		"params": {string(body)},
		"output": {"json"},
	}

	endpoint := c.BaseURL + "/api/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed: status %d body %s", method, resp.StatusCode, string(bodyBytes))
	}

	var envelope struct {
		Result    json.RawMessage `json:"result"`
		ErrorCode string          `json:"error_code"`
		ErrorInfo string          `json:"error_info"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if envelope.ErrorCode != "" {
		return fmt.Errorf("%s: %s (%s)", method, envelope.ErrorInfo, envelope.ErrorCode)
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}
