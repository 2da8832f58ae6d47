package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"roadwatch/internal/incident"
	"roadwatch/internal/logging"
	"roadwatch/internal/services"
	"roadwatch/internal/services/inference"
	"roadwatch/internal/session"
)

const maxPollBackoff = 30 * time.Second

func (m *Manager) pollLoop(ctx context.Context, stop <-chan struct{}, taskID, jobID string) {
	logger := m.logger.With(
		logging.String(logging.FieldTaskID, taskID),
		logging.String(logging.FieldJobID, jobID),
	)

	failures := 0
	delay := m.pollInterval

	for {
		select {
		case <-ctx.Done():
			logger.Debug("coordination canceled")
			return
		case <-stop:
			logger.Debug("coordination stop requested")
			return
		case <-time.After(delay):
		}

		status, err := m.client.PollStatus(ctx, jobID)

		// The stop flag is only consulted between iterations; the call above
		// always runs to completion or its own per-call timeout.
		select {
		case <-stop:
			logger.Debug("coordination stop requested")
			return
		default:
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !services.Retryable(err) {
				m.failSession(ctx, taskID, err.Error(), logger)
				return
			}
			failures++
			if failures > m.retryLimit {
				logger.Warn("poll retry budget exhausted",
					logging.Error(err), logging.Int("failures", failures))
				m.failSession(ctx, taskID, session.UpstreamUnreachableReason, logger)
				return
			}
			logger.Warn("status poll failed",
				logging.Error(err), logging.Int("failures", failures))
			if delay = delay * 2; delay > maxPollBackoff {
				delay = maxPollBackoff
			}
			continue
		}
		failures = 0
		delay = m.pollInterval

		m.publishDetections(ctx, taskID, status.Detections, logger)

		if inference.TerminalState(status.State) {
			m.finalize(ctx, taskID, status, logger)
			return
		}

		if _, err := m.store.UpdateProgress(ctx, taskID, session.StatusProcessing, status.Progress); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				logger.Warn("session disappeared during coordination")
				return
			}
			logger.Warn("progress update failed", logging.Error(err))
		}
	}
}

func (m *Manager) publishDetections(ctx context.Context, taskID string, detections []inference.Detection, logger *slog.Logger) {
	for _, det := range detections {
		draft := incident.Draft{
			IncidentID:  uuid.NewString(),
			TaskID:      taskID,
			DetectionID: det.DetectionID,
			Type:        normalizeType(det.Type),
			Description: det.Description,
			Location:    det.Location,
			ImageRefs:   det.ImageRefs,
			DetectedAt:  det.DetectedAt,
		}
		if _, _, err := m.publisher.Publish(ctx, draft); err != nil {
			logger.Warn("incident publish failed",
				logging.Error(err), logging.String("detection_id", det.DetectionID))
		}
	}
}

func normalizeType(value string) string {
	switch value = strings.ToLower(strings.TrimSpace(value)); value {
	case "accident", "fire", "none":
		return value
	default:
		return "other"
	}
}

func (m *Manager) finalize(ctx context.Context, taskID string, status *inference.JobStatus, logger *slog.Logger) {
	if strings.EqualFold(status.State, inference.StateFailed) {
		m.failSession(ctx, taskID, "analysis failed", logger)
		return
	}

	if status.ResultRef != "" {
		if err := m.store.SetResult(ctx, taskID, status.ResultRef); err != nil {
			logger.Warn("result ref update failed", logging.Error(err))
		}
	}
	if len(status.SnapshotRefs) > 0 {
		if err := m.store.UpdateSnapshots(ctx, taskID, status.SnapshotRefs); err != nil {
			logger.Warn("snapshot refs update failed", logging.Error(err))
		}
	}
	if _, err := m.store.UpdateProgress(ctx, taskID, session.StatusCompleted, 100); err != nil {
		logger.Warn("completion update failed", logging.Error(err))
	}

	count, err := m.publisher.Log().CountForTask(ctx, taskID)
	if err != nil {
		logger.Warn("incident count failed", logging.Error(err))
	}
	if m.notifier != nil {
		_ = m.notifier.NotifySessionCompleted(ctx, taskID, count)
	}

	sess, err := m.store.GetByTask(ctx, taskID)
	if err == nil && sess.AutoReport && count > 0 {
		if _, err := m.GenerateReport(ctx, taskID, false); err != nil {
			logger.Warn("auto report generation failed", logging.Error(err))
		}
	}

	logger.Info("session completed", logging.Int("incidents", count))
}

func (m *Manager) failSession(ctx context.Context, taskID, reason string, logger *slog.Logger) {
	if err := m.store.MarkFailed(ctx, taskID, reason); err != nil && !errors.Is(err, session.ErrNotFound) {
		logger.Warn("failure update failed", logging.Error(err))
	}
	if m.notifier != nil {
		_ = m.notifier.NotifySessionFailed(ctx, taskID, reason)
	}
	logger.Info("session failed", logging.String("reason", reason))
}
