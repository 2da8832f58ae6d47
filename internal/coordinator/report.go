package coordinator

import (
	"context"

	"roadwatch/internal/services"
)

// GenerateReport produces (or returns the cached) incident report for a
// session. Generation is one-shot idempotent: once a report is cached on the
// session it is returned as-is unless force is set.
func (m *Manager) GenerateReport(ctx context.Context, taskID string, force bool) (string, error) {
	sess, err := m.store.GetByTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if sess.Report != "" && !force {
		return sess.Report, nil
	}
	if m.reporter == nil {
		return "", services.Wrap(services.ErrConfiguration, "coordinator", "report",
			"report generation is not configured", nil)
	}

	incidents, err := m.publisher.Log().ListByTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if len(incidents) == 0 {
		return "", services.Wrap(services.ErrValidation, "coordinator", "report",
			"session has no incidents to report on", nil)
	}

	report, err := m.reporter.GenerateSessionReport(ctx, taskID, incidents)
	if err != nil {
		return "", err
	}
	if err := m.store.SetReport(ctx, taskID, report); err != nil {
		return "", err
	}
	return report, nil
}
