// Package transplant talks to the external landing worker.
package transplant

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

	"github.com/sylvestre/lando-api/internal/domain/landing"
	"github.com/sylvestre/lando-api/internal/usecase"
)

type Client struct {
	BaseURL     string
	APIKey      string
	PingbackURL string
	HTTPClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.HTTPClient = client
	}
}

func NewClient(baseURL, apiKey, pingbackURL string, opts ...Option) *Client {
	client := &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		APIKey:      apiKey,
		PingbackURL: pingbackURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type enqueuePayload struct {
	LDAPUsername string                    `json:"ldap_username"`
	Tree         string                    `json:"tree"`
	Rev          string                    `json:"rev"`
	LandingPath  []landing.LandingPathItem `json:"landing_path"`
	Destination  string                    `json:"destination"`
	PingbackURL  string                    `json:"pingback_url"`
	Flags        []string                  `json:"flags,omitempty"`
}

// Enqueue submits a landing request and returns the worker's request
// id. The worker reports progress asynchronously to PingbackURL.
func (c *Client) Enqueue(ctx context.Context, req usecase.EnqueueRequest) (string, error) {
	if c == nil || c.BaseURL == "" {
		return "", fmt.Errorf("transplant base URL is required")
	}
	if len(req.LandingPath) == 0 {
		return "", fmt.Errorf("landing path is required")
	}

	tip := req.LandingPath[len(req.LandingPath)-1]
	payload := enqueuePayload{
		LDAPUsername: req.RequesterEmail,
		Tree:         req.Tree,
		Rev:          landing.Revision{ID: tip.RevisionID}.Monogram(),
		LandingPath:  req.LandingPath,
		Destination:  req.RepositoryURL,
		PingbackURL:  c.PingbackURL,
		Flags:        req.Flags,
	}

	var result struct {
		RequestID json.Number `json:"request_id"`
	}
	if err := c.post(ctx, "/autoland", payload, &result); err != nil {
		return "", err
	}
	requestID := result.RequestID.String()
	if requestID == "" {
		return "", fmt.Errorf("transplant response missing request_id")
	}
	return requestID, nil
}

// Abandon asks the worker to drop a request that has not started. The
// worker refuses once landing is underway; that refusal is an error
// here and the job state is left to the eventual pingback.
func (c *Client) Abandon(ctx context.Context, requestID string) error {
	if c == nil || c.BaseURL == "" {
		return fmt.Errorf("transplant base URL is required")
	}
	endpoint := c.BaseURL + "/autoland/" + url.PathEscape(requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build abandon request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.APIKey)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("abandon %s: %w", requestID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("abandon %s failed: status %d body %s", requestID, resp.StatusCode, string(bodyBytes))
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.APIKey)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("post %s failed: status %d body %s", path, resp.StatusCode, string(bodyBytes))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}
