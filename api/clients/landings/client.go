// Package landings is a typed Go client for the lando-api landing
// endpoints, intended for tooling and sibling services.
package landings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Principal struct {
	Subject string
	Email   string
	Scopes  []string
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Principal  Principal
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.HTTPClient = client
	}
}

func WithPrincipal(principal Principal) Option {
	return func(c *Client) {
		c.Principal = principal
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	client := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type LandingPathItem struct {
	RevisionID int64 `json:"revision_id"`
	DiffID     int64 `json:"diff_id"`
}

type Assessment struct {
	ConfirmationToken *string   `json:"confirmation_token"`
	Blocker           *string   `json:"blocker"`
	Warnings          []Warning `json:"warnings"`
}

type Warning struct {
	ID        int               `json:"id"`
	Display   string            `json:"display"`
	Instances []WarningInstance `json:"instances"`
}

type WarningInstance struct {
	RevisionID int64  `json:"revision_id"`
	Details    string `json:"details"`
}

type Job struct {
	ID             string            `json:"id"`
	RequestID      string            `json:"request_id"`
	Status         string            `json:"status"`
	LandingPath    []LandingPathItem `json:"landing_path"`
	RequesterEmail string            `json:"requester_email"`
	Tree           string            `json:"tree"`
	LandedCommitID string            `json:"landed_commit_id"`
	ErrorMessage   string            `json:"error_message"`
}

// Dryrun assesses a landing path without submitting it. The returned
// confirmation token acknowledges the current warnings on a later
// Submit.
func (c *Client) Dryrun(ctx context.Context, path []LandingPathItem) (Assessment, error) {
	var out Assessment
	err := c.do(ctx, http.MethodPost, "/v1/transplants/dryrun",
		map[string]any{"landing_path": path}, &out)
	return out, err
}

func (c *Client) Submit(ctx context.Context, path []LandingPathItem, confirmationToken string) (Job, error) {
	var out struct {
		Job Job `json:"job"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/transplants", map[string]any{
		"landing_path":       path,
		"confirmation_token": confirmationToken,
	}, &out)
	return out.Job, err
}

func (c *Client) Cancel(ctx context.Context, jobID string) (Job, error) {
	var out struct {
		Job Job `json:"job"`
	}
	err := c.do(ctx, http.MethodPut, "/v1/landing_jobs/"+url.PathEscape(jobID),
		map[string]any{"status": "CANCELLED"}, &out)
	return out.Job, err
}

// ListTransplants returns every landing job touching the stack of the
// given revision, e.g. "D123" or "123".
func (c *Client) ListTransplants(ctx context.Context, revision string) ([]Job, error) {
	var out struct {
		Transplants []Job `json:"transplants"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/transplants/"+url.PathEscape(revision), nil, &out)
	return out.Transplants, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	if c == nil || c.BaseURL == "" {
		return fmt.Errorf("lando-api base URL is required")
	}
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Principal.Subject != "" {
		req.Header.Set("X-Principal-Subject", c.Principal.Subject)
	}
	if c.Principal.Email != "" {
		req.Header.Set("X-Principal-Email", c.Principal.Email)
	}
	if len(c.Principal.Scopes) > 0 {
		req.Header.Set("X-Principal-Scopes", strings.Join(c.Principal.Scopes, ","))
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s failed: status %d body %s", method, path, resp.StatusCode, string(bodyBytes))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
