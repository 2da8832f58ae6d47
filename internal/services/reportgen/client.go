// Package reportgen is the HTTP client for the external report generation
// service. It turns a session's incident history into a short written report
// through a chat-completion endpoint; the model itself stays external.
package reportgen

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
	"roadwatch/internal/incident"
	"roadwatch/internal/services"
)

const (
	component          = "reportgen"
	defaultHTTPTimeout = 30 * time.Second
)

const systemPrompt = `You are a traffic incident analyst. Given a list of detected
incidents from a traffic camera video, write a concise factual report: what
happened, where, and in what order. Plain prose, no speculation.`

// Client wraps a chat-completion style report generation API.
type Client struct {
	cfg        config.Reports
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// New constructs a report generation client from the reports configuration
// section. It returns nil when report generation is disabled.
func New(cfg config.Reports, opts ...Option) (*Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, services.Wrap(services.ErrConfiguration, component, "new", "base url is required", nil)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, services.Wrap(services.ErrConfiguration, component, "new", "api key is required", nil)
	}

	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// GenerateSessionReport produces a written report for a session's incidents.
func (c *Client) GenerateSessionReport(ctx context.Context, taskID string, incidents []incident.Incident) (string, error) {
	if len(incidents) == 0 {
		return "", services.Wrap(services.ErrValidation, component, "session report", "no incidents to report on", nil)
	}
	return c.complete(ctx, "session report", sessionPrompt(taskID, incidents))
}

// GenerateIncidentReport produces a written report for a single incident.
func (c *Client) GenerateIncidentReport(ctx context.Context, inc *incident.Incident) (string, error) {
	if inc == nil {
		return "", services.Wrap(services.ErrValidation, component, "incident report", "incident is required", nil)
	}
	return c.complete(ctx, "incident report", incidentPrompt(inc))
}

func sessionPrompt(taskID string, incidents []incident.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Video analysis session %s detected %d incident(s):\n", taskID, len(incidents))
	for i, inc := range incidents {
		fmt.Fprintf(&b, "%d. type=%s", i+1, inc.Type)
		if inc.Location != "" {
			fmt.Fprintf(&b, " location=%s", inc.Location)
		}
		if !inc.DetectedAt.IsZero() {
			fmt.Fprintf(&b, " at=%s", inc.DetectedAt.Format(time.RFC3339))
		}
		if inc.Description != "" {
			fmt.Fprintf(&b, " detail=%s", inc.Description)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func incidentPrompt(inc *incident.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Single incident: type=%s", inc.Type)
	if inc.Location != "" {
		fmt.Fprintf(&b, " location=%s", inc.Location)
	}
	if !inc.DetectedAt.IsZero() {
		fmt.Fprintf(&b, " at=%s", inc.DetectedAt.Format(time.RFC3339))
	}
	if inc.Description != "" {
		fmt.Fprintf(&b, " detail=%s", inc.Description)
	}
	return b.String()
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) complete(ctx context.Context, operation, userPrompt string) (string, error) {
	payload := chatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, component, operation, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/"), bytes.NewReader(body))
	if err != nil {
		return "", services.Wrap(services.ErrConfiguration, component, operation, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", services.Wrap(services.ErrTimeout, component, operation, "request timed out", err)
		}
		return "", services.Wrap(services.ErrUpstreamUnavailable, component, operation, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", services.Wrap(services.ErrUpstreamUnavailable, component, operation,
			fmt.Sprintf("service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))), nil)
	}

	var completion chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", services.Wrap(services.ErrTransient, component, operation, "decode response", err)
	}
	if completion.Error != nil {
		return "", services.Wrap(services.ErrTransient, component, operation, completion.Error.Message, nil)
	}
	for _, choice := range completion.Choices {
		if content := strings.TrimSpace(choice.Message.Content); content != "" {
			return content, nil
		}
	}
	return "", services.Wrap(services.ErrTransient, component, operation, "empty completion", nil)
}
