package incident

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const logSchema = `
CREATE TABLE IF NOT EXISTS incidents (
    seq           INTEGER PRIMARY KEY AUTOINCREMENT,
    incident_id   TEXT NOT NULL UNIQUE,
    task_id       TEXT NOT NULL,
    detection_id  TEXT,
    type          TEXT NOT NULL,
    description   TEXT,
    location      TEXT,
    image_refs    TEXT,
    report        TEXT,
    detected_at   TEXT NOT NULL,
    received_at   TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_task_detection
    ON incidents (task_id, detection_id)
    WHERE detection_id IS NOT NULL AND detection_id != '';

CREATE INDEX IF NOT EXISTS idx_incidents_task ON incidents (task_id);
`

// Log is the append-only incident history backed by SQLite. AUTOINCREMENT
// guarantees sequence numbers are monotonic and never reused, even across
// restarts.
type Log struct {
	db *sql.DB
}

// NewLog initializes the incident tables on an already opened database handle.
func NewLog(ctx context.Context, db *sql.DB) (*Log, error) {
	if db == nil {
		return nil, errors.New("incident log requires a database")
	}
	if _, err := db.ExecContext(ctx, logSchema); err != nil {
		return nil, fmt.Errorf("create incident schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Append accepts a draft into the log. When the draft duplicates an existing
// entry (same incident id, or same task/detection pair) the existing entry is
// returned with inserted == false.
func (l *Log) Append(ctx context.Context, draft Draft) (*Incident, bool, error) {
	draft.Normalize()
	if err := draft.Validate(); err != nil {
		return nil, false, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if existing, err := l.findDuplicate(ctx, tx, draft); err != nil {
		return nil, false, err
	} else if existing != nil {
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit append tx: %w", err)
		}
		return existing, false, nil
	}

	imageRefs, err := encodeRefs(draft.ImageRefs)
	if err != nil {
		return nil, false, err
	}
	receivedAt := time.Now().UTC()

	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO incidents (
            incident_id, task_id, detection_id, type, description,
            location, image_refs, detected_at, received_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		draft.IncidentID,
		draft.TaskID,
		nullableString(draft.DetectionID),
		draft.Type,
		nullableString(draft.Description),
		nullableString(draft.Location),
		nullableString(imageRefs),
		draft.DetectedAt.UTC().Format(time.RFC3339Nano),
		receivedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert incident: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit append tx: %w", err)
	}

	return &Incident{
		Seq:         uint64(seq),
		IncidentID:  draft.IncidentID,
		TaskID:      draft.TaskID,
		DetectionID: draft.DetectionID,
		Type:        draft.Type,
		Description: draft.Description,
		Location:    draft.Location,
		ImageRefs:   draft.ImageRefs,
		DetectedAt:  draft.DetectedAt.UTC(),
		ReceivedAt:  receivedAt,
	}, true, nil
}

func (l *Log) findDuplicate(ctx context.Context, tx *sql.Tx, draft Draft) (*Incident, error) {
	row := tx.QueryRowContext(
		ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE incident_id = ?`,
		draft.IncidentID,
	)
	existing, err := scanIncident(row)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check incident id: %w", err)
	}

	if draft.DetectionID == "" {
		return nil, nil
	}
	row = tx.QueryRowContext(
		ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE task_id = ? AND detection_id = ?`,
		draft.TaskID, draft.DetectionID,
	)
	existing, err = scanIncident(row)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check detection id: %w", err)
	}
	return nil, nil
}

const defaultReadLimit = 1000

// ReadSince returns up to limit incidents with sequence greater than since,
// optionally restricted to one task. A non-positive limit uses the default.
func (l *Log) ReadSince(ctx context.Context, since uint64, limit int, taskID string) ([]Incident, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE seq > ?`
	args := []any{int64(since)}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY seq LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read incidents: %w", err)
	}
	defer rows.Close()

	var incidents []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, *inc)
	}
	return incidents, rows.Err()
}

// Tail returns the most recent limit incidents in sequence order.
func (l *Log) Tail(ctx context.Context, limit int, taskID string) ([]Incident, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tail incidents: %w", err)
	}
	defer rows.Close()

	var incidents []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, *inc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Restore ascending order.
	for i, j := 0, len(incidents)-1; i < j; i, j = i+1, j-1 {
		incidents[i], incidents[j] = incidents[j], incidents[i]
	}
	return incidents, nil
}

// GetByID fetches one incident by its incident identifier.
func (l *Log) GetByID(ctx context.Context, incidentID string) (*Incident, error) {
	row := l.db.QueryRowContext(
		ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE incident_id = ?`,
		incidentID,
	)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return inc, nil
}

// SetReport attaches a generated report to an incident.
func (l *Log) SetReport(ctx context.Context, incidentID, report string) error {
	res, err := l.db.ExecContext(
		ctx,
		`UPDATE incidents SET report = ? WHERE incident_id = ?`,
		nullableString(report), incidentID,
	)
	if err != nil {
		return fmt.Errorf("set incident report: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// LastSequence reports the highest sequence number in the log.
func (l *Log) LastSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM incidents`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return uint64(seq.Int64), nil
}

// LastSequenceForTask reports the highest sequence number recorded for one
// session, or zero when the session has no incidents.
func (l *Log) LastSequenceForTask(ctx context.Context, taskID string) (uint64, error) {
	var seq sql.NullInt64
	if err := l.db.QueryRowContext(
		ctx,
		`SELECT MAX(seq) FROM incidents WHERE task_id = ?`,
		taskID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last sequence for task: %w", err)
	}
	return uint64(seq.Int64), nil
}

// CountForTask reports how many incidents a session has accumulated.
func (l *Log) CountForTask(ctx context.Context, taskID string) (int, error) {
	var count int
	if err := l.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM incidents WHERE task_id = ?`,
		taskID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count incidents: %w", err)
	}
	return count, nil
}

// ListByTask returns the incidents recorded for a session in sequence order.
func (l *Log) ListByTask(ctx context.Context, taskID string) ([]Incident, error) {
	return l.ReadSince(ctx, 0, 0, taskID)
}

const incidentColumns = "seq, incident_id, task_id, detection_id, type, description, location, image_refs, report, detected_at, received_at"

func scanIncident(scanner interface{ Scan(dest ...any) error }) (*Incident, error) {
	var (
		seq         int64
		incidentID  string
		taskID      string
		detectionID sql.NullString
		typeStr     string
		description sql.NullString
		location    sql.NullString
		imageRefs   sql.NullString
		report      sql.NullString
		detectedRaw sql.NullString
		receivedRaw sql.NullString
	)

	if err := scanner.Scan(
		&seq,
		&incidentID,
		&taskID,
		&detectionID,
		&typeStr,
		&description,
		&location,
		&imageRefs,
		&report,
		&detectedRaw,
		&receivedRaw,
	); err != nil {
		return nil, err
	}

	inc := &Incident{
		Seq:         uint64(seq),
		IncidentID:  incidentID,
		TaskID:      taskID,
		DetectionID: detectionID.String,
		Type:        typeStr,
		Description: description.String,
		Location:    location.String,
		Report:      report.String,
	}
	if imageRefs.Valid && imageRefs.String != "" {
		refs, err := decodeRefs(imageRefs.String)
		if err != nil {
			return nil, fmt.Errorf("decode image refs: %w", err)
		}
		inc.ImageRefs = refs
	}
	if detected, err := parseTimeString(detectedRaw.String); err == nil {
		inc.DetectedAt = detected
	}
	if received, err := parseTimeString(receivedRaw.String); err == nil {
		inc.ReceivedAt = received
	}
	return inc, nil
}

func encodeRefs(refs []string) (string, error) {
	if len(refs) == 0 {
		return "", nil
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("marshal refs: %w", err)
	}
	return string(data), nil
}

func decodeRefs(raw string) ([]string, error) {
	var refs []string
	if err := json.Unmarshal([]byte(raw), &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}
