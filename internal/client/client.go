// Package client is a typed Go client for the jobsched HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/domain"
)

const DefaultServer = "http://localhost:8176"

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultServer
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	ErrorType  string `json:"error_type"`
	Message    string `json:"error_message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("%s error (%d): %s", e.ErrorType, e.StatusCode, e.Message)
}

// NewJob is a submission. RunAt is RFC 3339, or an ISO timestamp without
// offset that the server reads in its own timezone.
type NewJob struct {
	Name      string         `json:"name"`
	Category  string         `json:"category,omitempty"`
	RunAt     string         `json:"run_at"`
	Action    domain.Action  `json:"action"`
	OnSuccess *domain.Action `json:"on_success,omitempty"`
	OnFailure *domain.Action `json:"on_failure,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("content-type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("x-token", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return errors.Mark(apiErr, domain.ErrNotFound)
		case http.StatusBadRequest:
			return errors.Mark(apiErr, domain.ErrInvalidJob)
		case http.StatusConflict:
			return errors.Mark(apiErr, domain.ErrConflict)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

// Health returns the server's reported status, "healthy" or "unhealthy".
func (c *Client) Health(ctx context.Context) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusInternalServerError {
		return "unhealthy", nil
	}
	return out.Status, err
}

func (c *Client) Count(ctx context.Context) (int, error) {
	var out struct {
		NumJobs int `json:"num_jobs"`
	}
	err := c.do(ctx, http.MethodGet, "/jobs/number", nil, &out)
	return out.NumJobs, err
}

// Create submits j and returns the id the server assigned.
func (c *Client) Create(ctx context.Context, j NewJob) (string, error) {
	var out struct {
		JobID string `json:"job_uuid"`
	}
	err := c.do(ctx, http.MethodPost, "/jobs/create", map[string]any{"job": j}, &out)
	return out.JobID, err
}

// List returns the jobs that are scheduled or running.
func (c *Client) List(ctx context.Context) ([]domain.JobRecord, error) {
	var out struct {
		Jobs []domain.JobRecord `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, "/jobs", nil, &out)
	return out.Jobs, err
}

func (c *Client) Get(ctx context.Context, id string) (domain.JobRecord, error) {
	var out struct {
		Job domain.JobRecord `json:"job"`
	}
	err := c.do(ctx, http.MethodGet, "/jobs/"+id, nil, &out)
	return out.Job, err
}

func (c *Client) Executions(ctx context.Context, id string) ([]domain.Execution, error) {
	var out struct {
		Executions []domain.Execution `json:"executions"`
	}
	err := c.do(ctx, http.MethodGet, "/jobs/"+id+"/executions", nil, &out)
	return out.Executions, err
}

func (c *Client) Remove(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+id, nil, nil)
}

// Clear removes every job that has not started and returns how many.
func (c *Client) Clear(ctx context.Context) (int, error) {
	var out struct {
		NumJobs int `json:"num_jobs"`
	}
	err := c.do(ctx, http.MethodDelete, "/jobs", nil, &out)
	return out.NumJobs, err
}
