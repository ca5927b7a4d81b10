package civimendsdk

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

// Client is a minimal Civimend HTTP API client.
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

// Grievance represents the API grievance model (partial).
type Grievance struct {
	ID        string `json:"id"`
	CitizenID string `json:"citizen_id"`
	Title     string `json:"title"`
	Category  string `json:"category"`
	Priority  string `json:"priority"`
	Status    string `json:"status"`
	BidCount  int    `json:"bid_count"`
	CreatedAt string `json:"created_at"`
}

// Bid represents a worker's offer on a grievance.
type Bid struct {
	ID          string `json:"id"`
	GrievanceID string `json:"grievance_id"`
	WorkerID    string `json:"worker_id"`
	Amount      string `json:"amount"`
	EtaHours    int    `json:"eta_hours"`
	Status      string `json:"status"`
}

// Ballot represents a worker-selection vote, including its live tally.
type Ballot struct {
	ID          string         `json:"id"`
	GrievanceID string         `json:"grievance_id"`
	Status      string         `json:"status"`
	EndsAt      string         `json:"ends_at"`
	Results     map[string]any `json:"results,omitempty"`
}

// Assignment represents the winning worker's contract.
type Assignment struct {
	ID            string `json:"id"`
	GrievanceID   string `json:"grievance_id"`
	WorkerID      string `json:"worker_id"`
	Escrow        string `json:"escrow"`
	Status        string `json:"status"`
	FundsReleased bool   `json:"funds_released"`
}

// LedgerIntent represents an outbox row mirroring a mutation to the ledger.
type LedgerIntent struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`
	EntityID  string `json:"entity_id"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	TxRef     string `json:"tx_ref,omitempty"`
	Simulated bool   `json:"simulated"`
}

// Event represents an audit log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id"`
	GrievanceID string         `json:"grievance_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Paginated wraps list responses.
type Paginated[T any] struct {
	Items []T `json:"items"`
	Page  int `json:"page"`
	Size  int `json:"size"`
	Total int `json:"total"`
}

// CreateGrievance files a grievance on behalf of the authenticated citizen.
func (c *Client) CreateGrievance(ctx context.Context, title, description, location string) (Grievance, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
		"location":    location,
	}
	var resp Grievance
	err := c.do(ctx, http.MethodPost, "v0/grievances", body, &resp)
	return resp, err
}

// GetGrievance fetches a grievance by id.
func (c *Client) GetGrievance(ctx context.Context, id string) (Grievance, error) {
	var resp Grievance
	err := c.do(ctx, http.MethodGet, "v0/grievances/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListGrievances returns a page of grievances, optionally filtered by status.
func (c *Client) ListGrievances(ctx context.Context, status string, page, size int) (Paginated[Grievance], error) {
	endpoint := "v0/grievances" + listQuery(status, page, size)
	var resp Paginated[Grievance]
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateBid submits a bid on an open grievance.
func (c *Client) CreateBid(ctx context.Context, grievanceID, amount, proposal string, etaHours int) (Bid, error) {
	body := map[string]any{
		"amount":    amount,
		"proposal":  proposal,
		"eta_hours": etaHours,
	}
	var resp Bid
	endpoint := fmt.Sprintf("v0/grievances/%s/bids", url.PathEscape(grievanceID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListBids returns the bids on a grievance.
func (c *Client) ListBids(ctx context.Context, grievanceID string) ([]Bid, error) {
	var resp Paginated[Bid]
	endpoint := fmt.Sprintf("v0/grievances/%s/bids", url.PathEscape(grievanceID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetBallot fetches a ballot with its live tally.
func (c *Client) GetBallot(ctx context.Context, id string) (Ballot, error) {
	var resp Ballot
	err := c.do(ctx, http.MethodGet, "v0/ballots/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CastVote casts the authenticated delegate's vote.
func (c *Client) CastVote(ctx context.Context, ballotID string, optionIndex int) (Ballot, error) {
	body := map[string]any{"option_index": optionIndex}
	var resp Ballot
	endpoint := fmt.Sprintf("v0/ballots/%s/votes", url.PathEscape(ballotID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetAssignment fetches an assignment by id.
func (c *Client) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodGet, "v0/assignments/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SubmitCompletion submits the completion record for an assignment.
func (c *Client) SubmitCompletion(ctx context.Context, assignmentID, notes string, mediaRefs []string, durationHours int) (Assignment, error) {
	body := map[string]any{
		"notes":          notes,
		"media_refs":     mediaRefs,
		"duration_hours": durationHours,
	}
	var resp Assignment
	endpoint := fmt.Sprintf("v0/assignments/%s/complete", url.PathEscape(assignmentID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Confirm records a citizen or delegate confirmation. Side is "citizen" or
// "delegate".
func (c *Client) Confirm(ctx context.Context, assignmentID, side string, approved bool, feedback string, rating int) (Assignment, error) {
	body := map[string]any{
		"approved": approved,
		"feedback": feedback,
		"rating":   rating,
	}
	var resp Assignment
	endpoint := fmt.Sprintf("v0/assignments/%s/confirm/%s", url.PathEscape(assignmentID), url.PathEscape(side))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListIntents returns a page of ledger intents, optionally filtered by status.
func (c *Client) ListIntents(ctx context.Context, status string, page, size int) (Paginated[LedgerIntent], error) {
	endpoint := "v0/ledger/intents" + listQuery(status, page, size)
	var resp Paginated[LedgerIntent]
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?n=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func listQuery(status string, page, size int) string {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if page > 0 {
		q.Set("page", fmt.Sprint(page))
	}
	if size > 0 {
		q.Set("size", fmt.Sprint(size))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
