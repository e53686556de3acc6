// Package reportlinesdk lets test agents report executions and lets
// operators query the ops API.
package reportlinesdk

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
)

// Client is a minimal ops API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// LaunchSummary is a launch with the status histogram of its items.
type LaunchSummary struct {
	UUID       string         `json:"uuid"`
	Name       string         `json:"name"`
	Mode       string         `json:"mode"`
	Status     string         `json:"status"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    *time.Time     `json:"end_time,omitempty"`
	ItemCounts map[string]int `json:"item_counts"`
}

// ItemView is a test item of a launch as the ops API returns it.
type ItemView struct {
	ID          int64      `json:"id"`
	UUID        string     `json:"uuid"`
	ParentID    *int64     `json:"parent_id,omitempty"`
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	HasChildren bool       `json:"has_children"`
}

// DeadLetter is a parked message.
type DeadLetter struct {
	Sequence    uint64              `json:"sequence"`
	Subject     string              `json:"subject"`
	RequestType string              `json:"request_type"`
	Header      map[string][]string `json:"header"`
	Data        []byte              `json:"data"`
	Time        time.Time           `json:"time"`
}

// ReapReport is the result of one reaper pass.
type ReapReport struct {
	Candidates  int      `json:"candidates"`
	Interrupted int      `json:"interrupted"`
	Skipped     int      `json:"skipped"`
	Failed      int      `json:"failed"`
	Launches    []string `json:"interrupted_launches"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Launch fetches a launch by uuid.
func (c *Client) Launch(ctx context.Context, launchUUID string) (LaunchSummary, error) {
	var resp LaunchSummary
	err := c.do(ctx, http.MethodGet, "v0/launches/"+url.PathEscape(launchUUID), nil, &resp)
	return resp, err
}

// Items lists the items of a launch.
func (c *Client) Items(ctx context.Context, launchUUID string) ([]ItemView, error) {
	var resp struct {
		Items []ItemView `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/launches/%s/items", url.PathEscape(launchUUID)), nil, &resp)
	return resp.Items, err
}

// DeadLetters peeks up to limit dead letters of a request type.
func (c *Client) DeadLetters(ctx context.Context, requestType string, limit int) ([]DeadLetter, error) {
	endpoint := "v0/dlq/" + url.PathEscape(strings.ToLower(requestType))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []DeadLetter `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ReplayDeadLetters republishes up to limit dead letters and returns how
// many were replayed.
func (c *Client) ReplayDeadLetters(ctx context.Context, requestType string, limit int) (int, error) {
	endpoint := fmt.Sprintf("v0/dlq/%s/replay", url.PathEscape(strings.ToLower(requestType)))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Replayed int `json:"replayed"`
	}
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Replayed, err
}

// RunReaper triggers one reaper pass.
func (c *Client) RunReaper(ctx context.Context) (ReapReport, error) {
	var resp ReapReport
	err := c.do(ctx, http.MethodPost, "v0/reaper/run", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
