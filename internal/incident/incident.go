package incident

import (
	"strings"
	"time"
)

// Incident is one accepted entry in the incident log.
type Incident struct {
	Seq         uint64    `json:"seq"`
	IncidentID  string    `json:"incidentId"`
	TaskID      string    `json:"taskId"`
	DetectionID string    `json:"detectionId,omitempty"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	ImageRefs   []string  `json:"imageRefs,omitempty"`
	Report      string    `json:"report,omitempty"`
	DetectedAt  time.Time `json:"detectedAt"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// Draft carries an incoming incident report before it is accepted into the log.
type Draft struct {
	IncidentID  string
	TaskID      string
	DetectionID string
	Type        string
	Description string
	Location    string
	ImageRefs   []string
	DetectedAt  time.Time
}

// Normalize trims identifier fields and defaults the detection timestamp.
func (d *Draft) Normalize() {
	d.IncidentID = strings.TrimSpace(d.IncidentID)
	d.TaskID = strings.TrimSpace(d.TaskID)
	d.DetectionID = strings.TrimSpace(d.DetectionID)
	d.Type = strings.TrimSpace(d.Type)
	if d.DetectedAt.IsZero() {
		d.DetectedAt = time.Now().UTC()
	}
}

// Validate reports whether the draft carries the required identity fields.
func (d *Draft) Validate() error {
	if d.IncidentID == "" {
		return ErrMissingIncidentID
	}
	if d.TaskID == "" {
		return ErrMissingTaskID
	}
	if d.Type == "" {
		return ErrMissingType
	}
	return nil
}
