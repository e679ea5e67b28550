// Package greptile is a client for the Greptile code intelligence API.
package greptile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const defaultBaseURL = "https://api.greptile.com/v2"

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Temporary reports whether the error is worth retrying. Server-side
// failures and rate limits are; other client errors are terminal.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError

	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is a Greptile API client.
type Client struct {
	httpClient  *http.Client
	apiKey      string
	githubToken string
	baseURL     string
	retries     int
	logger      *slog.Logger
}

// ClientOptions configures the Greptile client.
type ClientOptions struct {
	// BaseURL overrides the production endpoint, mainly for tests.
	BaseURL string

	// Timeout bounds each HTTP attempt. Zero means 60 seconds.
	Timeout time.Duration

	// Retries is the number of additional attempts after a retryable
	// failure. Zero means 3.
	Retries int

	Logger *slog.Logger
}

// NewClient creates a Greptile API client. The GitHub token is passed
// through so the indexing service can fetch repository contents.
func NewClient(apiKey, githubToken string, opts ClientOptions) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	retries := opts.Retries
	if retries <= 0 {
		retries = 3
	}

	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		apiKey:      apiKey,
		githubToken: githubToken,
		baseURL:     baseURL,
		retries:     retries,
		logger:      logger,
	}, nil
}

// doRequest performs one API call with retries on retryable failures.
func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	var bodyBytes []byte

	if body != nil {
		var err error

		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second

			c.logger.Debug("retrying Greptile API request",
				slog.String("path", path),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = c.attempt(ctx, method, path, bodyBytes, result)
		if lastErr == nil {
			return nil
		}

		var apiErr *APIError
		if errors.As(lastErr, &apiErr) && !apiErr.Temporary() {
			return lastErr
		}

		if ctx.Err() != nil {
			return lastErr
		}
	}

	return lastErr
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte, result any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	if c.githubToken != "" {
		req.Header.Set("X-GitHub-Token", c.githubToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// SubmitRepositoryRequest asks the service to index a repository.
type SubmitRepositoryRequest struct {
	Remote     string `json:"remote"`
	Repository string `json:"repository"` // "owner/name"
	Branch     string `json:"branch"`
	Reload     bool   `json:"reload"`
	Notify     bool   `json:"notify"`
}

// SubmitRepositoryResponse is the acknowledgement for a submission.
type SubmitRepositoryResponse struct {
	Message  string `json:"message"`
	StatusEP string `json:"statusEndpoint,omitempty"`
}

// SubmitRepository submits a repository for indexing. Reload forces a
// fresh index of an already-known repository.
func (c *Client) SubmitRepository(ctx context.Context, remote, fullName, branch string, reload bool) (*SubmitRepositoryResponse, error) {
	reqBody := SubmitRepositoryRequest{
		Remote:     remote,
		Repository: fullName,
		Branch:     branch,
		Reload:     reload,
		Notify:     false,
	}

	var result SubmitRepositoryResponse
	if err := c.doRequest(ctx, "POST", "/repositories", reqBody, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// RepositoryStatus is the indexing state of a repository.
type RepositoryStatus struct {
	Repository     string  `json:"repository"`
	Remote         string  `json:"remote"`
	Branch         string  `json:"branch"`
	Status         string  `json:"status"`
	FilesProcessed int     `json:"filesProcessed"`
	NumFiles       int     `json:"numFiles"`
	SHA            string  `json:"sha,omitempty"`
	Progress       float64 `json:"-"`
}

// GetRepositoryStatus fetches the indexing status for one repository.
// The identifier is "remote:branch:owner/name", URL-escaped as a single
// path segment.
func (c *Client) GetRepositoryStatus(ctx context.Context, remote, branch, fullName string) (*RepositoryStatus, error) {
	id := url.PathEscape(fmt.Sprintf("%s:%s:%s", remote, branch, fullName))

	var result RepositoryStatus
	if err := c.doRequest(ctx, "GET", "/repositories/"+id, nil, &result); err != nil {
		return nil, err
	}

	if result.NumFiles > 0 {
		result.Progress = float64(result.FilesProcessed) / float64(result.NumFiles) * 100
	}

	return &result, nil
}

// Message is one turn of a query conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RepositoryRef identifies a repository in a query or search.
type RepositoryRef struct {
	Remote     string `json:"remote"`
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
}

// QueryRequest asks a natural-language question about repositories.
type QueryRequest struct {
	Messages     []Message       `json:"messages"`
	Repositories []RepositoryRef `json:"repositories"`
	SessionID    string          `json:"sessionId,omitempty"`
	Stream       bool            `json:"stream"`
	Genius       bool            `json:"genius"`
}

// Source is a code location cited by a query answer.
type Source struct {
	Repository string `json:"repository"`
	Remote     string `json:"remote"`
	Branch     string `json:"branch"`
	FilePath   string `json:"filepath"`
	LineStart  int    `json:"linestart"`
	LineEnd    int    `json:"lineend"`
	Summary    string `json:"summary,omitempty"`
}

// QueryResponse is the answer to a query.
type QueryResponse struct {
	Message string   `json:"message"`
	Sources []Source `json:"sources"`
}

// Query answers a natural-language question. Genius enables the slower,
// higher-quality answering mode.
func (c *Client) Query(ctx context.Context, question, sessionID string, repos []RepositoryRef, genius bool) (*QueryResponse, error) {
	reqBody := QueryRequest{
		Messages:     []Message{{Role: "user", Content: question}},
		Repositories: repos,
		SessionID:    sessionID,
		Stream:       false,
		Genius:       genius,
	}

	var result QueryResponse
	if err := c.doRequest(ctx, "POST", "/query", reqBody, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// SearchRequest finds code locations relevant to a query without
// generating an answer.
type SearchRequest struct {
	Query        string          `json:"query"`
	Repositories []RepositoryRef `json:"repositories"`
	SessionID    string          `json:"sessionId,omitempty"`
	Stream       bool            `json:"stream"`
}

// Search returns code locations relevant to the query.
func (c *Client) Search(ctx context.Context, query, sessionID string, repos []RepositoryRef) ([]Source, error) {
	reqBody := SearchRequest{
		Query:        query,
		Repositories: repos,
		SessionID:    sessionID,
		Stream:       false,
	}

	var result []Source
	if err := c.doRequest(ctx, "POST", "/search", reqBody, &result); err != nil {
		return nil, err
	}

	return result, nil
}
