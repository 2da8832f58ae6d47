package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateInference(); err != nil {
		return err
	}
	if err := c.validateReports(); err != nil {
		return err
	}
	if err := c.validateSessions(); err != nil {
		return err
	}
	if err := c.validateIncidents(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateInference() error {
	if c.Inference.BaseURL == "" {
		return errors.New("inference.base_url must be set")
	}
	return ensurePositiveMap(map[string]int{
		"inference.prepare_timeout":   c.Inference.PrepareTimeout,
		"inference.handshake_timeout": c.Inference.HandshakeTimeout,
		"inference.poll_interval":     c.Inference.PollInterval,
		"inference.poll_timeout":      c.Inference.PollTimeout,
		"inference.poll_retry_limit":  c.Inference.PollRetryLimit,
	})
}

func (c *Config) validateReports() error {
	if !c.Reports.Enabled {
		return nil
	}
	if c.Reports.BaseURL == "" {
		return errors.New("reports.base_url must be set when reports.enabled is true")
	}
	if strings.TrimSpace(c.Reports.APIKey) == "" {
		return errors.New("reports.api_key must be set when reports.enabled is true")
	}
	if c.Reports.TimeoutSeconds <= 0 {
		return errors.New("reports.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateSessions() error {
	return ensurePositiveMap(map[string]int{
		"sessions.retention_hours":       c.Sessions.RetentionHours,
		"sessions.stale_timeout_minutes": c.Sessions.StaleTimeoutMinutes,
		"sessions.gc_interval_seconds":   c.Sessions.GCIntervalSeconds,
	})
}

func (c *Config) validateIncidents() error {
	return ensurePositiveMap(map[string]int{
		"incidents.hub_capacity":     c.Incidents.HubCapacity,
		"incidents.subscriber_queue": c.Incidents.SubscriberQueue,
	})
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
