package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"roadwatch/internal/config"
	"roadwatch/internal/incident"
)

const userAgent = "Roadwatch-Go/0.1.0"

// Service defines the alert surface exposed to the broker components.
type Service interface {
	NotifyIncident(ctx context.Context, inc *incident.Incident) error
	NotifySessionCompleted(ctx context.Context, taskID string, incidentCount int) error
	NotifySessionFailed(ctx context.Context, taskID, reason string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	return &ntfyService{
		endpoint: topic,
		client:   client,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyIncident(ctx context.Context, inc *incident.Incident) error {
	if inc == nil {
		return nil
	}
	var builder strings.Builder
	fmt.Fprintf(&builder, "Incident detected: %s", inc.Type)
	if location := strings.TrimSpace(inc.Location); location != "" {
		fmt.Fprintf(&builder, " at %s", location)
	}
	if description := strings.TrimSpace(inc.Description); description != "" {
		builder.WriteString("\n")
		builder.WriteString(description)
	}

	priority := "default"
	switch strings.ToLower(inc.Type) {
	case "accident", "fire":
		priority = "high"
	}

	data := payload{
		title:    "Roadwatch - Incident",
		message:  builder.String(),
		tags:     []string{"roadwatch", "incident", strings.ToLower(inc.Type)},
		priority: priority,
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifySessionCompleted(ctx context.Context, taskID string, incidentCount int) error {
	taskID = strings.TrimSpace(taskID)
	var message string
	if incidentCount == 0 {
		message = fmt.Sprintf("Analysis complete for %s: no incidents detected", taskID)
	} else {
		message = fmt.Sprintf("Analysis complete for %s: %d incident(s) detected", taskID, incidentCount)
	}
	data := payload{
		title:   "Roadwatch - Session Complete",
		message: message,
		tags:    []string{"roadwatch", "session", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifySessionFailed(ctx context.Context, taskID, reason string) error {
	taskID = strings.TrimSpace(taskID)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown"
	}
	data := payload{
		title:    "Roadwatch - Session Failed",
		message:  fmt.Sprintf("Analysis failed for %s: %s", taskID, reason),
		tags:     []string{"roadwatch", "session", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Roadwatch - Test",
		message:  "Notification system test",
		tags:     []string{"roadwatch", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyIncident(context.Context, *incident.Incident) error       { return nil }
func (noopService) NotifySessionCompleted(context.Context, string, int) error      { return nil }
func (noopService) NotifySessionFailed(context.Context, string, string) error      { return nil }
func (noopService) TestNotification(context.Context) error                         { return nil }
