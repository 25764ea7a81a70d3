package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// RenderStarter is the interface the render service and monitor consume.
type RenderStarter interface {
	StartRender(ctx context.Context, req RenderRequest) (RenderJob, error)
	GetRenderStatus(ctx context.Context, jobID string) (RenderJob, error)
	PollRender(ctx context.Context, jobID string, interval, maxWait time.Duration) (RenderJob, error)
}

// Client talks to the external video generation provider.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// RenderRequest describes one generation call.
type RenderRequest struct {
	EngineClass string         `json:"engine_class"`
	Duration    int            `json:"duration,omitempty"`
	Prompt      string         `json:"prompt,omitempty"`
	ProductURL  string         `json:"product_url,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// RenderJob is the provider's view of a generation job.
type RenderJob struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	VideoURL   string `json:"video_url,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Terminal provider statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// NewClient builds a provider client with bearer auth.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// StartRender submits a generation request and returns the provider job.
func (c *Client) StartRender(ctx context.Context, req RenderRequest) (RenderJob, error) {
	var job RenderJob
	if err := c.post(ctx, "/v1/renders", req, &job); err != nil {
		return RenderJob{}, err
	}
	return job, nil
}

// GetRenderStatus fetches the current state of a provider job.
func (c *Client) GetRenderStatus(ctx context.Context, jobID string) (RenderJob, error) {
	var job RenderJob
	if err := c.get(ctx, "/v1/renders/"+jobID, &job); err != nil {
		return RenderJob{}, err
	}
	return job, nil
}

// PollRender polls until the provider job reaches a terminal status or
// maxWait elapses. The monitor independently covers the case where the
// provider never answers, so the maxWait here is a courtesy bound only.
func (c *Client) PollRender(ctx context.Context, jobID string, interval, maxWait time.Duration) (RenderJob, error) {
	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		job, err := c.GetRenderStatus(ctx, jobID)
		if err != nil {
			return RenderJob{}, err
		}
		switch job.Status {
		case StatusCompleted:
			return job, nil
		case StatusFailed:
			if job.Error == "" {
				job.Error = "provider reported failure"
			}
			return job, fmt.Errorf("render failed: %s", job.Error)
		}
		select {
		case <-ctx.Done():
			return RenderJob{}, ctx.Err()
		case <-time.After(interval):
		}
	}
	return RenderJob{}, fmt.Errorf("render %s timed out after %s", jobID, maxWait)
}

func (c *Client) post(ctx context.Context, endpoint string, body any, result any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, result)
}

func (c *Client) get(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The status code stays in the message so the retry executor and
		// classifier can match on it.
		return fmt.Errorf("provider error (status %d): %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, result); err != nil {
		log.Printf("[provider] unmarshal error for %s %s: %v", req.Method, req.URL.Path, err)
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
