// Package inference is the HTTP client for the external frame-analysis
// service: job preparation, the realtime offer/answer handshake, and status
// polling.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"roadwatch/internal/config"
	"roadwatch/internal/services"
)

const component = "inference"

// Detection is one detected event reported by the analysis service.
type Detection struct {
	DetectionID string    `json:"detectionId"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	ImageRefs   []string  `json:"imageRefs,omitempty"`
	DetectedAt  time.Time `json:"detectedAt,omitempty"`
}

// JobStatus is one poll response for an analysis job.
type JobStatus struct {
	State        string      `json:"state"`
	Progress     int         `json:"progress"`
	ResultRef    string      `json:"resultRef,omitempty"`
	SnapshotRefs []string    `json:"snapshotRefs,omitempty"`
	Detections   []Detection `json:"detections,omitempty"`
}

// PrepareRequest asks the analysis service to set up a job for a media file.
type PrepareRequest struct {
	Mode     string            `json:"mode"`
	MediaRef string            `json:"mediaRef,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
}

// Client talks to the inference service over HTTP. The zero value is not
// usable; construct with New.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	prepareTimeout time.Duration
	offerTimeout   time.Duration
	pollTimeout    time.Duration
}

// New builds a client from the inference configuration section.
func New(cfg config.Inference) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, services.Wrap(services.ErrConfiguration, component, "new", "base url is required", nil)
	}
	return &Client{
		baseURL:        baseURL,
		httpClient:     &http.Client{},
		prepareTimeout: secondsOr(cfg.PrepareTimeout, 10*time.Second),
		offerTimeout:   secondsOr(cfg.HandshakeTimeout, 15*time.Second),
		pollTimeout:    secondsOr(cfg.PollTimeout, 5*time.Second),
	}, nil
}

func secondsOr(value int, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return time.Duration(value) * time.Second
}

// PrepareJob registers a new analysis job and returns the service-side job id.
func (c *Client) PrepareJob(ctx context.Context, req PrepareRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.prepareTimeout)
	defer cancel()

	var out struct {
		JobID string `json:"jobId"`
	}
	if err := c.postJSON(ctx, "/prepare", "prepare", req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.JobID) == "" {
		return "", services.Wrap(services.ErrTransient, component, "prepare", "service returned no job id", nil)
	}
	return out.JobID, nil
}

// ExchangeOffer forwards an opaque realtime handshake payload for a prepared
// job and returns the service's equally opaque answer.
func (c *Client) ExchangeOffer(ctx context.Context, jobID string, offer json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.offerTimeout)
	defer cancel()

	req := struct {
		JobID string          `json:"jobId"`
		Offer json.RawMessage `json:"offer"`
	}{JobID: jobID, Offer: offer}

	var out struct {
		Answer json.RawMessage `json:"answer"`
	}
	if err := c.postJSON(ctx, "/offer", "offer", req, &out); err != nil {
		return nil, err
	}
	if len(out.Answer) == 0 {
		return nil, services.Wrap(services.ErrTransient, component, "offer", "service returned no answer", nil)
	}
	return out.Answer, nil
}

// PollStatus fetches the current state of an analysis job.
func (c *Client) PollStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/status/%s", c.baseURL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, component, "poll", "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	decorateRequest(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportError("poll", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus("poll", resp); err != nil {
		return nil, err
	}

	var status JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, services.Wrap(services.ErrTransient, component, "poll", "decode response", err)
	}
	return &status, nil
}

func (c *Client) postJSON(ctx context.Context, path, operation string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return services.Wrap(services.ErrValidation, component, operation, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return services.Wrap(services.ErrConfiguration, component, operation, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	decorateRequest(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapTransportError(operation, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(operation, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return services.Wrap(services.ErrTransient, component, operation, "decode response", err)
	}
	return nil
}

// decorateRequest copies correlation identifiers from the context onto the
// outgoing request so upstream logs can be matched to broker sessions.
func decorateRequest(ctx context.Context, req *http.Request) {
	if taskID, ok := services.TaskIDFromContext(ctx); ok {
		req.Header.Set("X-Roadwatch-Task", taskID)
	}
	if requestID, ok := services.RequestIDFromContext(ctx); ok {
		req.Header.Set("X-Request-Id", requestID)
	}
}

func wrapTransportError(operation string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, component, operation, "request timed out", err)
	}
	return services.Wrap(services.ErrUpstreamUnavailable, component, operation, "request failed", err)
}

func classifyStatus(operation string, resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return services.Wrap(services.ErrNotFound, component, operation, "job not found", nil)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return services.Wrap(services.ErrValidation, component, operation, httpDetail(resp), nil)
	default:
		return services.Wrap(services.ErrUpstreamUnavailable, component, operation, httpDetail(resp), nil)
	}
}

func httpDetail(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	detail := strings.TrimSpace(string(body))
	if detail == "" {
		return fmt.Sprintf("service returned %d", resp.StatusCode)
	}
	return fmt.Sprintf("service returned %d: %s", resp.StatusCode, detail)
}

// Terminal job states reported by the analysis service.
const (
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// TerminalState reports whether a polled state ends the job.
func TerminalState(state string) bool {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case StateCompleted, StateFailed:
		return true
	}
	return false
}
