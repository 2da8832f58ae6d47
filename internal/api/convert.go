package api

import (
	"time"

	"roadwatch/internal/incident"
	"roadwatch/internal/session"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// FromSession converts a stored session into its transport payload.
func FromSession(sess *session.Session) SessionPayload {
	if sess == nil {
		return SessionPayload{}
	}
	return SessionPayload{
		TaskID:        sess.TaskID,
		ExternalJobID: sess.ExternalJobID,
		Mode:          string(sess.Mode),
		Status:        string(sess.Status),
		Progress:      sess.Progress,
		MediaRef:      sess.MediaRef,
		ResultRef:     sess.ResultRef,
		SnapshotRefs:  sess.SnapshotRefs,
		Report:        sess.Report,
		AutoReport:    sess.AutoReport,
		ErrorMessage:  sess.ErrorMessage,
		CreatedAt:     formatTime(sess.CreatedAt),
		UpdatedAt:     formatTime(sess.UpdatedAt),
		LastSeenAt:    formatTime(sess.LastSeenAt),
	}
}

// FromSessions converts a session list.
func FromSessions(sessions []*session.Session) []SessionPayload {
	out := make([]SessionPayload, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, FromSession(sess))
	}
	return out
}

// FromIncident converts a stored incident into its transport payload.
func FromIncident(inc incident.Incident) IncidentPayload {
	return IncidentPayload{
		Seq:         inc.Seq,
		IncidentID:  inc.IncidentID,
		TaskID:      inc.TaskID,
		DetectionID: inc.DetectionID,
		Type:        inc.Type,
		Description: inc.Description,
		Location:    inc.Location,
		ImageRefs:   inc.ImageRefs,
		Report:      inc.Report,
		DetectedAt:  formatTime(inc.DetectedAt),
		ReceivedAt:  formatTime(inc.ReceivedAt),
	}
}

// FromIncidents converts an incident page.
func FromIncidents(incidents []incident.Incident) []IncidentPayload {
	if len(incidents) == 0 {
		return nil
	}
	out := make([]IncidentPayload, 0, len(incidents))
	for _, inc := range incidents {
		out = append(out, FromIncident(inc))
	}
	return out
}

// ToDraft converts a manual incident request into a publishable draft.
func ToDraft(req ManualIncidentRequest) incident.Draft {
	draft := incident.Draft{
		IncidentID:  req.IncidentID,
		TaskID:      req.TaskID,
		DetectionID: req.DetectionID,
		Type:        req.Type,
		Description: req.Description,
		Location:    req.Location,
		ImageRefs:   req.ImageRefs,
	}
	if req.DetectedAt != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, req.DetectedAt); err == nil {
			draft.DetectedAt = parsed
		}
	}
	return draft
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(dateTimeFormat)
}
