package session

import (
	"strings"
	"time"
)

// Mode selects how a session's media is analyzed.
type Mode string

const (
	ModeBatch    Mode = "batch"
	ModeRealtime Mode = "realtime"
)

// ParseMode converts a string into a known Mode.
func ParseMode(value string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeBatch:
		return ModeBatch, true
	case ModeRealtime:
		return ModeRealtime, true
	}
	return "", false
}

// Status represents the lifecycle of a session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// StaleReason is the failure reason set when the GC sweep fails an abandoned session.
const StaleReason = "stale"

// UpstreamUnreachableReason is the failure reason set when polling exhausts its retry budget.
const UpstreamUnreachableReason = "upstream unreachable"

// ShutdownReason is the failure reason set when in-flight sessions are failed on daemon shutdown.
const ShutdownReason = "daemon stopped"

var allStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ValidateTransition reports whether moving from one status to another is
// legal. Self-transitions while processing carry progress updates and are
// allowed; any transition out of a terminal state is not.
func ValidateTransition(from, to Status) error {
	if from.IsTerminal() {
		if from == to {
			return nil
		}
		return ErrInvalidTransition
	}
	switch from {
	case StatusPending:
		switch to {
		case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
			return nil
		}
	case StatusProcessing:
		switch to {
		case StatusProcessing, StatusCompleted, StatusFailed:
			return nil
		}
	}
	return ErrInvalidTransition
}

// Session represents one logical request to analyze a video, batch or realtime.
type Session struct {
	TaskID        string
	ExternalJobID string
	Mode          Mode
	Status        Status
	Progress      int
	MediaRef      string
	ResultRef     string
	SnapshotRefs  []string
	Report        string
	AutoReport    bool
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastSeenAt    time.Time
}

// IsLinked reports whether the inference-side job id has been recorded.
func (s *Session) IsLinked() bool {
	return s != nil && s.ExternalJobID != ""
}

// HealthSummary describes aggregated session counts per lifecycle state.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
}
