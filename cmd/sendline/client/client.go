// Package client talks to the sendline admin API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/busybox42/sendline/internal/api"
	"github.com/busybox42/sendline/internal/auth"
	"github.com/busybox42/sendline/internal/delivery"
	"github.com/busybox42/sendline/internal/identity"
	"github.com/busybox42/sendline/internal/suppression"
)

// Client represents an admin API client for sendline
type Client struct {
	http *resty.Client
}

// APIError is a non-2xx reply from the admin API
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"error"`
	Details string `json:"details"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("API error: %s: %s (status code %d)", e.Message, e.Details, e.Status)
	}
	return fmt.Sprintf("API error: %s (status code %d)", e.Message, e.Status)
}

// SuppressionList is one page of the suppression list
type SuppressionList struct {
	Entries []suppression.Entry `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// EnqueueResult acknowledges a queued job
type EnqueueResult struct {
	ID       string          `json:"id"`
	Status   delivery.Status `json:"status"`
	Priority int             `json:"priority"`
}

// NewClient creates a new API client
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		hc.SetHeader(auth.HeaderAPIKey, apiKey)
	}
	return &Client{http: hc}
}

// do performs a request and decodes a successful reply into out
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		apiErr := &APIError{Status: resp.StatusCode()}
		if jerr := json.Unmarshal(resp.Body(), apiErr); jerr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(resp.Body()))
		}
		apiErr.Status = resp.StatusCode()
		return apiErr
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Body(), out)
}

// Health returns the health report. A degraded server answers 503 with the
// same body, which is returned without an error.
func (c *Client) Health(ctx context.Context) (*api.HealthStats, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusServiceUnavailable {
		return nil, &APIError{Status: resp.StatusCode(), Message: strings.TrimSpace(string(resp.Body()))}
	}
	var health api.HealthStats
	if err := json.Unmarshal(resp.Body(), &health); err != nil {
		return nil, fmt.Errorf("invalid health response: %w", err)
	}
	return &health, nil
}

// Stats returns delivery, queue, worker and pool statistics
func (c *Client) Stats(ctx context.Context) (*api.StatsResponse, error) {
	var stats api.StatsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &stats)
	return &stats, err
}

// Identities lists the registered sending identities
func (c *Client) Identities(ctx context.Context) ([]identity.SendingIdentity, error) {
	var out struct {
		Identities []identity.SendingIdentity `json:"identities"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/identities", nil, &out)
	return out.Identities, err
}

// Enqueue submits a job to the server's queue
func (c *Client) Enqueue(ctx context.Context, job *delivery.Job) (*EnqueueResult, error) {
	var res EnqueueResult
	err := c.do(ctx, http.MethodPost, "/api/v1/jobs", job, &res)
	return &res, err
}

// CancelJob cancels a queued or in-flight job
func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// PauseCampaign stops workers from delivering a campaign's jobs
func (c *Client) PauseCampaign(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/campaigns/"+url.PathEscape(id)+"/pause", nil, nil)
}

// ResumeCampaign resumes a paused campaign
func (c *Client) ResumeCampaign(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/campaigns/"+url.PathEscape(id)+"/resume", nil, nil)
}

// Suppressions returns one page of the suppression list
func (c *Client) Suppressions(ctx context.Context, limit, offset int) (*SuppressionList, error) {
	var list SuppressionList
	path := fmt.Sprintf("/api/v1/suppressions?limit=%d&offset=%d", limit, offset)
	err := c.do(ctx, http.MethodGet, path, nil, &list)
	return &list, err
}

// Suppress adds an address to the suppression list
func (c *Client) Suppress(ctx context.Context, e suppression.Entry) (*suppression.Entry, error) {
	var out suppression.Entry
	err := c.do(ctx, http.MethodPost, "/api/v1/suppressions", e, &out)
	return &out, err
}

// Unsuppress removes an address from the suppression list
func (c *Client) Unsuppress(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/suppressions/"+url.PathEscape(email), nil, nil)
}
