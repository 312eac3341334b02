package runner

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

	"github.com/me/tskmgr/pkg/model"
)

// Client talks to the tskmgr server API on behalf of a runner.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a runner API client with connection pooling.
func NewClient(baseURL string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// StatusError is returned for HTTP error responses.
type StatusError struct {
	StatusCode int
	APIError   *model.APIError // nil when the body was not an envelope
	Body       string
}

func (e *StatusError) Error() string {
	if e.APIError != nil {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.APIError.Error())
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Claim asks the server for the next task of a run.
func (c *Client) Claim(ctx context.Context, runID, runnerID, runnerHost string) (*model.ClaimResult, error) {
	var res model.ClaimResult
	err := c.do(ctx, http.MethodPut, "/api/v1/runs/"+url.PathEscape(runID)+"/tasks/claim", map[string]string{
		"runner_id":   runnerID,
		"runner_host": runnerHost,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return &res, nil
}

// Complete reports a task completed.
func (c *Client) Complete(ctx context.Context, taskID string, cached bool) (*model.Task, error) {
	var task model.Task
	err := c.do(ctx, http.MethodPut, "/api/v1/tasks/"+url.PathEscape(taskID)+"/complete",
		map[string]bool{"cached": cached}, &task)
	if err != nil {
		return nil, fmt.Errorf("report complete: %w", err)
	}
	return &task, nil
}

// Fail reports a task failed.
func (c *Client) Fail(ctx context.Context, taskID string) (*model.Task, error) {
	var task model.Task
	if err := c.do(ctx, http.MethodPut, "/api/v1/tasks/"+url.PathEscape(taskID)+"/fail", nil, &task); err != nil {
		return nil, fmt.Errorf("report failure: %w", err)
	}
	return &task, nil
}

// do sends body as JSON and decodes the envelope data into dest.
func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *model.APIError `json:"error"`
	}
	decodeErr := json.Unmarshal(respBody, &envelope)

	if resp.StatusCode >= 400 {
		return &StatusError{StatusCode: resp.StatusCode, APIError: envelope.Error, Body: string(respBody)}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if dest == nil {
		return nil
	}
	return json.Unmarshal(envelope.Data, dest)
}
