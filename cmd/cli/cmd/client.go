package cmd

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

	"github.com/google/uuid"

	"qarunner/pkg/api"
)

// QAClient handles API calls to the qarunner controller.
type QAClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewQAClient creates a new client with the given base URL and token.
func NewQAClient(baseURL, token string) *QAClient {
	return &QAClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// EnqueueJob sends POST /jobs.
func (c *QAClient) EnqueueJob(ctx context.Context, kind string, payload any) (*api.EnqueueJobResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var result api.EnqueueJobResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", api.EnqueueJobRequest{Kind: kind, Payload: raw}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// QueueStats sends GET /jobs/stats.
func (c *QAClient) QueueStats(ctx context.Context) (*api.QueueStatsResponse, error) {
	var result api.QueueStatsResponse
	if err := c.do(ctx, http.MethodGet, "/jobs/stats", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Requeue sends POST /jobs/requeue.
func (c *QAClient) Requeue(ctx context.Context, req api.RequeueRequest) (*api.RequeueResponse, error) {
	var result api.RequeueResponse
	if err := c.do(ctx, http.MethodPost, "/jobs/requeue", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FlakyTests sends GET /projects/{id}/flaky, or POST /projects/{id}/flaky/analyze
// when refresh is set.
func (c *QAClient) FlakyTests(ctx context.Context, projectID uuid.UUID, days int, refresh bool) (*api.FlakyTestsResponse, error) {
	method, path := http.MethodGet, "/projects/"+projectID.String()+"/flaky"
	if refresh {
		method, path = http.MethodPost, path+"/analyze"
	}
	var result api.FlakyTestsResponse
	if err := c.do(ctx, method, withDays(path, days), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FlakySummary sends GET /projects/{id}/flaky/summary.
func (c *QAClient) FlakySummary(ctx context.Context, projectID uuid.UUID) (*api.FlakySummaryResponse, error) {
	var result api.FlakySummaryResponse
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectID.String()+"/flaky/summary", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TestFlakiness sends GET /tests/{id}/flakiness.
func (c *QAClient) TestFlakiness(ctx context.Context, testCaseID uuid.UUID, days int) (*api.FlakyTest, error) {
	var result api.FlakyTest
	if err := c.do(ctx, http.MethodGet, withDays("/tests/"+testCaseID.String()+"/flakiness", days), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Coverage sends GET /projects/{id}/coverage, or POST .../coverage/analyze when refresh is set.
func (c *QAClient) Coverage(ctx context.Context, projectID uuid.UUID, days int, refresh bool) (*api.CoverageResponse, error) {
	method, path := http.MethodGet, "/projects/"+projectID.String()+"/coverage"
	if refresh {
		method, path = http.MethodPost, path+"/analyze"
	}
	var result api.CoverageResponse
	if err := c.do(ctx, method, withDays(path, days), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func withDays(path string, days int) string {
	if days <= 0 {
		return path
	}
	return path + "?" + url.Values{"days": {fmt.Sprint(days)}}.Encode()
}

func (c *QAClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage prefers the "error" field of an api.ErrorResponse body.
func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
