package curbkeysdk

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

// Client is a minimal CurbKey HTTP API client. It covers the guest
// surface (claim, requests, feed cursors) plus the staff request ops.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
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

// Ticket represents the API ticket model.
type Ticket struct {
	ID                 string  `json:"id"`
	VenueID            string  `json:"venue_id"`
	ZoneID             *string `json:"zone_id,omitempty"`
	Token              string  `json:"token,omitempty"`
	PlateHint          string  `json:"plate_hint,omitempty"`
	VehicleDescription string  `json:"vehicle_description,omitempty"`
	CreatedAt          string  `json:"created_at"`
}

// Request represents a vehicle retrieval request.
type Request struct {
	ID           string  `json:"id"`
	TicketID     string  `json:"ticket_id"`
	ExitID       string  `json:"exit_id"`
	ZoneID       *string `json:"zone_id,omitempty"`
	Status       string  `json:"status"`
	ScheduledFor *string `json:"scheduled_for,omitempty"`
	RequestedAt  *string `json:"requested_at,omitempty"`
	ReadyAt      *string `json:"ready_at,omitempty"`
	ClosedAt     *string `json:"closed_at,omitempty"`
	AssignedTo   *string `json:"assigned_to,omitempty"`
	AssignedAt   *string `json:"assigned_at,omitempty"`
	Idempotent   bool    `json:"idempotent,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

// Event is one entry in a request's status ledger.
type Event struct {
	ID         int64   `json:"id"`
	RequestID  string  `json:"request_id"`
	TicketID   string  `json:"ticket_id"`
	FromStatus *string `json:"from_status,omitempty"`
	ToStatus   string  `json:"to_status"`
	ActorID    string  `json:"actor_id"`
	Note       string  `json:"note,omitempty"`
	TS         string  `json:"ts"`
}

// ExitStat scores one exit for recommendation.
type ExitStat struct {
	ExitID       string  `json:"exit_id"`
	Code         string  `json:"code"`
	QueueLength  int     `json:"queue_length"`
	MeanReadySec float64 `json:"mean_ready_seconds"`
	SampleCount  int     `json:"sample_count"`
	Score        float64 `json:"score"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Claim resolves a claim code to its ticket.
func (c *Client) Claim(ctx context.Context, code string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, "claim", map[string]any{"code": code}, nil, &resp)
	return resp, err
}

// CreateRequest opens a retrieval request for a ticket. A non-empty
// idempotencyKey makes the call safe to retry: replays return the
// original request with Idempotent set.
func (c *Client) CreateRequest(ctx context.Context, ticketID, exitCode string, delayMinutes int, idempotencyKey string) (Request, error) {
	body := map[string]any{
		"exit_code":     exitCode,
		"delay_minutes": delayMinutes,
	}
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	var resp Request
	endpoint := fmt.Sprintf("tickets/%s/requests", url.PathEscape(ticketID))
	err := c.do(ctx, http.MethodPost, endpoint, body, headers, &resp)
	return resp, err
}

// GetRequest fetches a request by id.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("requests/%s", url.PathEscape(id)), nil, nil, &resp)
	return resp, err
}

// Events returns a request's full status ledger.
func (c *Client) Events(ctx context.Context, requestID string) ([]Event, error) {
	var resp []Event
	endpoint := fmt.Sprintf("requests/%s/events", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

// Reschedule moves a scheduled request to a new delay from now.
func (c *Client) Reschedule(ctx context.Context, requestID string, delayMinutes int) (Request, error) {
	var resp Request
	endpoint := fmt.Sprintf("requests/%s/reschedule", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"delay_minutes": delayMinutes}, nil, &resp)
	return resp, err
}

// Cancel cancels a request.
func (c *Client) Cancel(ctx context.Context, requestID string) (Request, error) {
	var resp Request
	endpoint := fmt.Sprintf("requests/%s/cancel", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, nil, &resp)
	return resp, err
}

// Subscribe registers a notification target for a ticket.
func (c *Client) Subscribe(ctx context.Context, ticketID, channel, target string) error {
	endpoint := fmt.Sprintf("tickets/%s/subscriptions", url.PathEscape(ticketID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"channel": channel, "target": target}, nil, nil)
}

// Assign assigns a request to a valet.
func (c *Client) Assign(ctx context.Context, requestID, assignee string) (Request, error) {
	var resp Request
	endpoint := fmt.Sprintf("requests/%s/assign", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"assignee": assignee}, nil, &resp)
	return resp, err
}

// Advance moves a request to RETRIEVING, READY, or PICKED_UP.
func (c *Client) Advance(ctx context.Context, requestID, status string) (Request, error) {
	var resp Request
	endpoint := fmt.Sprintf("requests/%s/advance", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"status": status}, nil, &resp)
	return resp, err
}

// Recommendation returns exits ranked fastest first for a venue.
func (c *Client) Recommendation(ctx context.Context, venueID string) ([]ExitStat, error) {
	var resp []ExitStat
	endpoint := fmt.Sprintf("venues/%s/recommendation", url.PathEscape(venueID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers map[string]string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
