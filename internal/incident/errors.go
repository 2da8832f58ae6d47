package incident

import "errors"

var (
	// ErrMissingIncidentID indicates a report without an incident identifier.
	ErrMissingIncidentID = errors.New("incident id is required")

	// ErrMissingTaskID indicates a report without a session task identifier.
	ErrMissingTaskID = errors.New("task id is required")

	// ErrMissingType indicates a report without an incident type.
	ErrMissingType = errors.New("incident type is required")

	// ErrNotFound indicates the requested incident does not exist in the log.
	ErrNotFound = errors.New("incident not found")
)
