package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"roadwatch/internal/config"
)

// ErrUnavailable indicates the daemon API is not configured or not reachable.
var ErrUnavailable = errors.New("daemon api unavailable")

// StatusError carries an HTTP error response from the daemon.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon api error (status %d)", e.Code)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Code)
}

// Client talks to the daemon's HTTP API.
type Client struct {
	base *url.URL
	http *http.Client

	// longPoll is used for follow requests that may hold the connection
	// open for the server's long-poll window.
	longPoll *http.Client
}

// NewClient builds a client for the configured bind address. Returns nil
// (without error) when no API address is configured.
func NewClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}
	return NewClientForAddress(bind)
}

// NewClientForAddress builds a client for an explicit host:port or URL.
func NewClientForAddress(address string) (*Client, error) {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	base, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse api address: %w", err)
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""
	return &Client{
		base:     base,
		http:     &http.Client{Timeout: 15 * time.Second},
		longPoll: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Host returns the host:port the client targets.
func (c *Client) Host() string {
	return c.base.Host
}

// Status fetches daemon runtime information.
func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	var out DaemonStatus
	err := c.get(ctx, "/api/status", nil, &out)
	return out, err
}

// ListSessions fetches sessions, newest first, optionally filtered by status.
func (c *Client) ListSessions(ctx context.Context, statuses ...string) ([]SessionPayload, error) {
	values := url.Values{}
	for _, status := range statuses {
		if trimmed := strings.TrimSpace(status); trimmed != "" {
			values.Add("status", trimmed)
		}
	}
	var out SessionListResponse
	if err := c.get(ctx, "/api/sessions", values, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// GetSession fetches a single session by task id.
func (c *Client) GetSession(ctx context.Context, taskID string) (SessionPayload, error) {
	var out SessionResponse
	err := c.get(ctx, "/api/sessions/"+url.PathEscape(taskID), nil, &out)
	return out.Session, err
}

// CreateRealtimeSession registers a new realtime session.
func (c *Client) CreateRealtimeSession(ctx context.Context, autoReport bool) (SessionPayload, error) {
	body := map[string]any{"mode": "realtime", "autoReport": autoReport}
	var out SessionResponse
	err := c.post(ctx, "/api/sessions", body, &out)
	return out.Session, err
}

// UploadSession uploads a video file and registers a batch session for it.
func (c *Client) UploadSession(ctx context.Context, path string, autoReport bool) (SessionPayload, error) {
	file, err := os.Open(path)
	if err != nil {
		return SessionPayload{}, fmt.Errorf("open upload: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return SessionPayload{}, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return SessionPayload{}, fmt.Errorf("read upload: %w", err)
	}
	_ = writer.WriteField("mode", "batch")
	if autoReport {
		_ = writer.WriteField("autoReport", "true")
	}
	if err := writer.Close(); err != nil {
		return SessionPayload{}, err
	}

	endpoint := c.base.ResolveReference(&url.URL{Path: "/api/sessions"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), &buf)
	if err != nil {
		return SessionPayload{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var out SessionResponse
	if err := c.do(c.http, req, &out); err != nil {
		return SessionPayload{}, err
	}
	return out.Session, nil
}

// SendOffer performs the realtime handshake for a session and returns the
// upstream answer.
func (c *Client) SendOffer(ctx context.Context, taskID string, offer json.RawMessage) (json.RawMessage, error) {
	var out OfferResponse
	path := "/api/sessions/" + url.PathEscape(taskID) + "/offer"
	if err := c.post(ctx, path, OfferRequest{Offer: offer}, &out); err != nil {
		return nil, err
	}
	return out.Answer, nil
}

// StopSession requests termination of an active session.
func (c *Client) StopSession(ctx context.Context, taskID string) (SessionPayload, error) {
	var out SessionResponse
	err := c.post(ctx, "/api/sessions/"+url.PathEscape(taskID)+"/stop", nil, &out)
	return out.Session, err
}

// Result fetches the artifact references of a completed session.
func (c *Client) Result(ctx context.Context, taskID string) (ResultResponse, error) {
	var out ResultResponse
	err := c.get(ctx, "/api/sessions/"+url.PathEscape(taskID)+"/result", nil, &out)
	return out, err
}

// Report fetches (generating if needed) the session incident report.
func (c *Client) Report(ctx context.Context, taskID string, force bool) (ReportResponse, error) {
	values := url.Values{}
	if force {
		values.Set("force", "1")
	}
	path := "/api/sessions/" + url.PathEscape(taskID) + "/report"
	endpoint := c.base.ResolveReference(&url.URL{Path: path, RawQuery: values.Encode()})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), nil)
	if err != nil {
		return ReportResponse{}, err
	}
	var out ReportResponse
	// Report generation calls an upstream model; give it the long window.
	if err := c.do(c.longPoll, req, &out); err != nil {
		return ReportResponse{}, err
	}
	return out, nil
}

// Reconcile fetches the session state plus last incident sequence so a
// reconnecting client can resume its cursor.
func (c *Client) Reconcile(ctx context.Context, taskID string) (ReconcileResponse, error) {
	var out ReconcileResponse
	err := c.get(ctx, "/api/sessions/"+url.PathEscape(taskID)+"/reconcile", nil, &out)
	return out, err
}

// UpdateSnapshots replaces a session's snapshot references.
func (c *Client) UpdateSnapshots(ctx context.Context, taskID string, refs []string) (SessionPayload, error) {
	endpoint := c.base.ResolveReference(&url.URL{Path: "/api/sessions/" + url.PathEscape(taskID) + "/snapshots"})
	payload, err := json.Marshal(SnapshotUpdateRequest{SnapshotRefs: refs})
	if err != nil {
		return SessionPayload{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return SessionPayload{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var out SessionResponse
	if err := c.do(c.http, req, &out); err != nil {
		return SessionPayload{}, err
	}
	return out.Session, nil
}

// IncidentQuery selects a page of the incident stream.
type IncidentQuery struct {
	Since  uint64
	Limit  int
	Follow bool
	Tail   bool
	TaskID string
}

// Incidents fetches a page of the incident stream. With Follow set the call
// long-polls until new incidents arrive or the server's wait window elapses.
func (c *Client) Incidents(ctx context.Context, q IncidentQuery) (IncidentStreamResponse, error) {
	values := url.Values{}
	if q.Since > 0 {
		values.Set("since", strconv.FormatUint(q.Since, 10))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Follow {
		values.Set("follow", "1")
	}
	if q.Tail {
		values.Set("tail", "1")
	}
	if q.TaskID != "" {
		values.Set("task", q.TaskID)
	}

	endpoint := c.base.ResolveReference(&url.URL{Path: "/api/incidents", RawQuery: values.Encode()})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return IncidentStreamResponse{}, err
	}
	client := c.http
	if q.Follow {
		client = c.longPoll
	}
	var out IncidentStreamResponse
	if err := c.do(client, req, &out); err != nil {
		return IncidentStreamResponse{}, err
	}
	return out, nil
}

// ReportIncident publishes a manually observed incident.
func (c *Client) ReportIncident(ctx context.Context, manual ManualIncidentRequest) (IncidentPayload, error) {
	var out IncidentResponse
	err := c.post(ctx, "/api/incidents", manual, &out)
	return out.Incident, err
}

func (c *Client) get(ctx context.Context, path string, values url.Values, out any) error {
	endpoint := c.base.ResolveReference(&url.URL{Path: path})
	if len(values) > 0 {
		endpoint.RawQuery = values.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return err
	}
	return c.do(c.http, req, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	endpoint := c.base.ResolveReference(&url.URL{Path: path})
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(c.http, req, out)
}

func (c *Client) do(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	var payload struct {
		Error string `json:"error"`
	}
	message := ""
	if err := json.Unmarshal(body, &payload); err == nil {
		message = strings.TrimSpace(payload.Error)
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	return &StatusError{Code: resp.StatusCode, Message: message}
}
