package riveropssdk

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

// Client is a minimal Riverops HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WorkOrder represents the API workorder model (partial).
type WorkOrder struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	WorkflowKind string `json:"workflow_kind"`
	Status       string `json:"status"`
	Priority     string `json:"priority"`
	AreaID       string `json:"area_id"`
	AssigneeID   string `json:"assignee_id,omitempty"`
	Version      int64  `json:"version"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// HistoryEntry is one step in a workorder's audit trail.
type HistoryEntry struct {
	WorkOrderID string `json:"workorder_id"`
	Version     int64  `json:"version"`
	FromStatus  string `json:"from_status,omitempty"`
	ToStatus    string `json:"to_status"`
	Action      string `json:"action"`
	ActorID     string `json:"actor_id"`
	Note        string `json:"note,omitempty"`
	OccurredAt  string `json:"occurred_at"`
}

// ResultInput carries the evidence attached to submit_for_review.
type ResultInput struct {
	Method       string   `json:"method,omitempty"`
	Description  string   `json:"description"`
	BeforeMedia  []string `json:"before_media,omitempty"`
	AfterMedia   []string `json:"after_media"`
	NeedFollowup bool     `json:"need_followup,omitempty"`
}

// ActionRequest fires one lifecycle transition.
type ActionRequest struct {
	Action       string       `json:"action"`
	Note         string       `json:"note,omitempty"`
	AssigneeID   string       `json:"assignee_id,omitempty"`
	Result       *ResultInput `json:"result,omitempty"`
	Intervention string       `json:"intervention,omitempty"`
}

// ActionResponse is the outcome of a transition.
type ActionResponse struct {
	WorkOrder WorkOrder `json:"workorder"`
	Version   int64     `json:"version"`
	Event     string    `json:"event"`
}

// StuckOrder is an overdue order from the timeout listing.
type StuckOrder struct {
	WorkOrder    WorkOrder `json:"workorder"`
	ElapsedHours int       `json:"elapsed_hours"`
	Severity     string    `json:"severity"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWorkOrder raises a manual workorder as the authenticated user.
func (c *Client) CreateWorkOrder(ctx context.Context, title, description, priority, areaID string) (WorkOrder, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
		"priority":    priority,
		"area_id":     areaID,
	}
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "v0/workorders", body, &resp)
	return resp, err
}

// ReportAlarm raises an AI-sourced workorder from a detection alarm. Requires
// an API key.
func (c *Client) ReportAlarm(ctx context.Context, alarmID, title, description, priority, areaID string) (WorkOrder, error) {
	body := map[string]any{
		"alarm_id":    alarmID,
		"title":       title,
		"description": description,
		"priority":    priority,
		"area_id":     areaID,
	}
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "v0/alarms", body, &resp)
	return resp, err
}

// GetWorkOrder fetches one workorder by id.
func (c *Client) GetWorkOrder(ctx context.Context, id string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/workorders/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListWorkOrders returns workorders, optionally filtered by status and area.
func (c *Client) ListWorkOrders(ctx context.Context, status, areaID string, limit int) ([]WorkOrder, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if areaID != "" {
		q.Set("area_id", areaID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "v0/workorders"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []WorkOrder `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// History returns the status audit trail of a workorder.
func (c *Client) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/workorders/%s/history", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Apply fires a lifecycle transition on a workorder.
func (c *Client) Apply(ctx context.Context, id string, req ActionRequest) (ActionResponse, error) {
	var resp ActionResponse
	endpoint := fmt.Sprintf("v0/workorders/%s/actions", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, req, &resp)
	return resp, err
}

// Timeouts returns orders currently past their confirmation deadline.
func (c *Client) Timeouts(ctx context.Context) ([]StuckOrder, error) {
	var resp struct {
		Items []StuckOrder `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/timeouts", nil, &resp)
	return resp.Items, err
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-API-Key", c.APIKey)
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
