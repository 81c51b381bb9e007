package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/me/obsched/pkg/model"
)

const apiPrefix = "/api/v1"

// Client talks to the obsched daemon.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a client for the daemon at baseURL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
		Logger:     logger,
	}
}

// envelope is the daemon's response wrapper.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

// Status returns the scheduler status.
func (c *Client) Status() (*model.SchedulerStatus, error) {
	var st model.SchedulerStatus
	if _, err := c.call(http.MethodGet, "/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Control posts a scheduler action (start, stop, pause or resume) and
// returns the status that followed it.
func (c *Client) Control(action string) (*model.SchedulerStatus, error) {
	var st model.SchedulerStatus
	if _, err := c.call(http.MethodPost, "/scheduler/"+action, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Jobs lists jobs, optionally filtered by state. A zero limit uses the
// daemon's page size.
func (c *Client) Jobs(state model.JobState, limit int) ([]model.Job, *model.Pagination, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", string(state))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var jobs []model.Job
	env, err := c.call(http.MethodGet, path, &jobs)
	if err != nil {
		return nil, nil, err
	}
	return jobs, env.Pagination, nil
}

// ResetJob returns a job to IDLE.
func (c *Client) ResetJob(id string) (*model.Job, error) {
	var job model.Job
	if _, err := c.call(http.MethodPost, "/jobs/"+url.PathEscape(id)+"/reset", &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// RemoveJob deletes a job from the list.
func (c *Client) RemoveJob(id string) error {
	_, err := c.call(http.MethodDelete, "/jobs/"+url.PathEscape(id), nil)
	return err
}

// JobHistory returns the recorded state transitions of a job.
func (c *Client) JobHistory(id string) ([]model.Transition, error) {
	var history []model.Transition
	if _, err := c.call(http.MethodGet, "/jobs/"+url.PathEscape(id)+"/history", &history); err != nil {
		return nil, err
	}
	return history, nil
}

// Journal returns up to limit journal entries, newest first.
func (c *Client) Journal(limit int) ([]model.JournalEntry, error) {
	var entries []model.JournalEntry
	if _, err := c.call(http.MethodGet, "/journal?limit="+strconv.Itoa(limit), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// call performs a bodiless request against the API and decodes the envelope
// data into out when out is non-nil. An error envelope comes back as its
// *model.APIError.
func (c *Client) call(method, path string, out any) (*envelope, error) {
	target := c.BaseURL + apiPrefix + path
	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", "cli_"+uuid.New().String()[:8])

	c.Logger.Debug("HTTP request", "method", method, "url", target)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s: %w", c.BaseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.Logger.Debug("HTTP response", "status", resp.StatusCode, "body", string(body))

	var env envelope
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&env); err != nil {
		return nil, fmt.Errorf("parse response (status %d): %w", resp.StatusCode, err)
	}
	if env.Status == "error" && env.Error != nil {
		return &env, env.Error
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("parse response data: %w", err)
		}
	}
	return &env, nil
}
