// Package backend talks to the dashboard API that stores onboarding progress.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"onboardvoice/internal/model"
	"onboardvoice/internal/stepsync"
)

// SessionHeader carries the onboarding session on every step call.
const SessionHeader = "X-Onboarding-Session"

// StatusError is returned for non-2xx responses
type StatusError struct {
	Step   model.Step
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend step %d: status=%d body=%s", e.Step, e.Status, e.Body)
}

// Client implements stepsync.StepWriter against PUT {base}/onboarding/step/{n}.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	Token      string
}

var _ stepsync.StepWriter = (*Client)(nil)

// NewClient creates a backend client for baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
	}
}

func (c *Client) PutStep(ctx context.Context, sessionID string, step model.Step, payload stepsync.Payload) error {
	if c.BaseURL == "" {
		return fmt.Errorf("backend base url missing")
	}
	if payload == nil {
		payload = stepsync.Payload{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal step payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/onboarding/step/%d", c.BaseURL, step)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionHeader, sessionID)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to put step %d: %w", step, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Step: step, Status: resp.StatusCode, Body: string(b)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
