package api

import "encoding/json"

// SessionPayload describes an analysis session in a transport-friendly format.
type SessionPayload struct {
	TaskID        string   `json:"taskId"`
	ExternalJobID string   `json:"externalJobId,omitempty"`
	Mode          string   `json:"mode"`
	Status        string   `json:"status"`
	Progress      int      `json:"progress"`
	MediaRef      string   `json:"mediaRef,omitempty"`
	ResultRef     string   `json:"resultRef,omitempty"`
	SnapshotRefs  []string `json:"snapshotRefs,omitempty"`
	Report        string   `json:"report,omitempty"`
	AutoReport    bool     `json:"autoReport"`
	ErrorMessage  string   `json:"errorMessage,omitempty"`
	CreatedAt     string   `json:"createdAt,omitempty"`
	UpdatedAt     string   `json:"updatedAt,omitempty"`
	LastSeenAt    string   `json:"lastSeenAt,omitempty"`
}

// SessionListResponse wraps a collection of sessions.
type SessionListResponse struct {
	Sessions []SessionPayload `json:"sessions"`
}

// SessionResponse wraps a single session.
type SessionResponse struct {
	Session SessionPayload `json:"session"`
}

// OfferRequest carries the client half of a realtime handshake.
type OfferRequest struct {
	Offer json.RawMessage `json:"offer"`
}

// OfferResponse carries the upstream answer for a realtime handshake.
type OfferResponse struct {
	Answer json.RawMessage `json:"answer"`
}

// ResultResponse points a completed session's consumer at its artifacts,
// with the incident history the analysis produced.
type ResultResponse struct {
	TaskID       string            `json:"taskId"`
	ResultRef    string            `json:"resultRef,omitempty"`
	SnapshotRefs []string          `json:"snapshotRefs,omitempty"`
	Report       string            `json:"report,omitempty"`
	Incidents    []IncidentPayload `json:"incidents,omitempty"`
}

// SnapshotUpdateRequest replaces a session's snapshot references.
type SnapshotUpdateRequest struct {
	SnapshotRefs []string `json:"snapshotRefs"`
}

// ReportResponse carries a generated session report.
type ReportResponse struct {
	TaskID string `json:"taskId"`
	Report string `json:"report"`
}

// ReconcileResponse lets a reconnecting client resume its incident cursor.
type ReconcileResponse struct {
	TaskID          string `json:"taskId"`
	Status          string `json:"status"`
	Progress        int    `json:"progress"`
	LastIncidentSeq uint64 `json:"lastIncidentSeq"`
}

// IncidentPayload describes one incident record.
type IncidentPayload struct {
	Seq         uint64   `json:"seq"`
	IncidentID  string   `json:"incidentId"`
	TaskID      string   `json:"taskId"`
	DetectionID string   `json:"detectionId,omitempty"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Location    string   `json:"location,omitempty"`
	ImageRefs   []string `json:"imageRefs,omitempty"`
	Report      string   `json:"report,omitempty"`
	DetectedAt  string   `json:"detectedAt,omitempty"`
	ReceivedAt  string   `json:"receivedAt,omitempty"`
}

// IncidentStreamResponse is a page of the incident log plus the cursor for
// the next fetch.
type IncidentStreamResponse struct {
	Incidents []IncidentPayload `json:"incidents"`
	Next      uint64            `json:"next"`
}

// IncidentResponse wraps a single incident.
type IncidentResponse struct {
	Incident IncidentPayload `json:"incident"`
}

// ManualIncidentRequest records an incident reported outside the analysis
// pipeline, such as an operator call-in.
type ManualIncidentRequest struct {
	IncidentID  string   `json:"incidentId,omitempty"`
	TaskID      string   `json:"taskId"`
	DetectionID string   `json:"detectionId,omitempty"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Location    string   `json:"location,omitempty"`
	ImageRefs   []string `json:"imageRefs,omitempty"`
	DetectedAt  string   `json:"detectedAt,omitempty"`
}

// SessionStatsResponse provides normalized per-status session counts.
type SessionStatsResponse struct {
	Counts map[string]int `json:"counts"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running          bool           `json:"running"`
	PID              int            `json:"pid"`
	DatabasePath     string         `json:"databasePath"`
	LockFilePath     string         `json:"lockFilePath"`
	ActiveSessions   int            `json:"activeSessions"`
	SessionCounts    map[string]int `json:"sessionCounts"`
	LastIncidentSeq  uint64         `json:"lastIncidentSeq"`
	Notifications    bool           `json:"notificationsEnabled"`
	ReportGeneration bool           `json:"reportGenerationEnabled"`
}
