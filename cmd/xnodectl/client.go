// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package main

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

	"github.com/xnodehq/xnode-manager/lib/job"
	"github.com/xnodehq/xnode-manager/lib/reconcile"
)

// userHeader must match the daemon's identity header.
const userHeader = "X-Xnode-User"

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("xnode-manager returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to one xnode-manager daemon.
type Client struct {
	BaseURL string
	User    string
	HTTP    *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any, target any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.User != "" {
		request.Header.Set(userHeader, c.User)
	}

	response, err := c.httpClient().Do(request)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("reading response of %s %s: %w", method, path, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		var failure struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &failure) != nil || failure.Error == "" {
			failure.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: response.StatusCode, Message: failure.Error}
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decoding response of %s %s: %w", method, path, err)
	}
	return nil
}

// Change submits a batch and returns its job id.
func (c *Client) Change(ctx context.Context, actions []reconcile.Action) (job.ID, error) {
	var response struct {
		RequestID job.ID `json:"request_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/change", actions, &response); err != nil {
		return 0, err
	}
	return response.RequestID, nil
}

// Status returns a job's status.
func (c *Client) Status(ctx context.Context, id job.ID) (job.Status, error) {
	var status job.Status
	err := c.do(ctx, http.MethodGet, "/request/info/"+id.String(), nil, &status)
	return status, err
}

// Step returns one recorded command of a job.
func (c *Client) Step(ctx context.Context, id job.ID, step string) (job.Step, error) {
	var record job.Step
	err := c.do(ctx, http.MethodGet, "/request/info/"+id.String()+"/"+url.PathEscape(step), nil, &record)
	return record, err
}

// Wait polls a job's status every interval until it has a result.
func (c *Client) Wait(ctx context.Context, id job.ID, interval time.Duration) (job.Status, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.Status(ctx, id)
		if err != nil {
			return job.Status{}, err
		}
		if status.Result != nil {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}
