// Package api is the HTTP client for the backend's REST endpoints: the
// conversation history used to hydrate a session, and draft suggestions.
// The streaming generation protocol lives in pkg/transport, not here.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	smitherrors "github.com/odvcencio/sitesmith/pkg/errors"
)

const defaultTimeout = 10 * time.Second

// HistoryMessage is one persisted conversation record as the backend returns
// it, oldest first.
type HistoryMessage struct {
	ID             string    `json:"id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Artifact       string    `json:"artifact,omitempty"`
	Mode           string    `json:"mode,omitempty"`
	Status         string    `json:"status"`
	Rating         string    `json:"rating,omitempty"`
	TokensUsed     int       `json:"tokensUsed,omitempty"`
	ResponseTimeMs int       `json:"responseTimeMs,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Client talks to the backend REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// WithHTTPClient overrides the underlying HTTP client, mainly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// History fetches the persisted conversation for a project in creation order.
func (c *Client) History(ctx context.Context, projectID string) ([]HistoryMessage, error) {
	if projectID == "" {
		return nil, smitherrors.New(smitherrors.ErrCodeInvalidInput, "project id is required")
	}

	endpoint := fmt.Sprintf("%s/v1/projects/%s/messages", c.baseURL, url.PathEscape(projectID))
	var payload struct {
		Messages []HistoryMessage `json:"messages"`
	}
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, smitherrors.Wrap(err, smitherrors.ErrCodeHistoryUnavailable, "failed to fetch conversation history").
			WithContext("projectId", projectID).
			WithRetryable(true)
	}
	return payload.Messages, nil
}

// Suggestions asks the backend for follow-up prompts for a draft. The backend
// caps the count; callers treat the result as best-effort.
func (c *Client) Suggestions(ctx context.Context, projectID, draft string) ([]string, error) {
	body, err := json.Marshal(map[string]string{
		"projectId": projectID,
		"draftText": draft,
	})
	if err != nil {
		return nil, smitherrors.Wrap(err, smitherrors.ErrCodeInternal, "failed to encode suggestion request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/suggestions", bytes.NewReader(body))
	if err != nil {
		return nil, smitherrors.Wrap(err, smitherrors.ErrCodeInternal, "failed to build suggestion request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, smitherrors.Wrap(err, smitherrors.ErrCodeTransportUnavailable, "suggestion request failed").
			WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var payload struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, smitherrors.Wrap(err, smitherrors.ErrCodeInternal, "failed to decode suggestion response")
	}
	return payload.Suggestions, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}
