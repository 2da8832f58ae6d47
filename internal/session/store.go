package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Create inserts a new session in the pending state and returns it. Task ids
// are minted here so that callers can address the session before the
// inference side has accepted the job.
func (s *Store) Create(ctx context.Context, mode Mode, mediaRef string, autoReport bool) (*Session, error) {
	ctx = ensureContext(ctx)
	taskID := uuid.NewString()
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO sessions (
            task_id, mode, status, progress, media_ref, auto_report,
            created_at, updated_at, last_seen_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taskID,
		string(mode),
		string(StatusPending),
		0,
		nullableString(mediaRef),
		boolToInt(autoReport),
		timestamp,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return s.GetByTask(ctx, taskID)
}

// GetByTask fetches a session by its task identifier.
func (s *Store) GetByTask(ctx context.Context, taskID string) (*Session, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE task_id = ?`, taskID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// GetByExternalJob fetches a session by the inference-side job identifier.
func (s *Store) GetByExternalJob(ctx context.Context, externalJobID string) (*Session, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE external_job_id = ?`,
		externalJobID,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session by external job: %w", err)
	}
	return sess, nil
}

// LinkExternalJob binds the inference-side job identifier to a session.
// Relinking the same id is a no-op; a different id on an already linked
// session, or an id held by another session, is a conflict.
func (s *Store) LinkExternalJob(ctx context.Context, taskID, externalJobID string) error {
	ctx = ensureContext(ctx)
	if strings.TrimSpace(externalJobID) == "" {
		return errors.New("external job id is empty")
	}

	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin link tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// Take the write lock up front so concurrent links serialize.
		if _, err := tx.ExecContext(ctx, "UPDATE schema_version SET version = version"); err != nil {
			return fmt.Errorf("acquire write lock: %w", err)
		}

		var current sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT external_job_id FROM sessions WHERE task_id = ?`, taskID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read current link: %w", err)
		}
		if current.Valid && current.String != "" {
			if current.String == externalJobID {
				return tx.Commit()
			}
			return ErrConflict
		}

		var holder string
		err = tx.QueryRowContext(
			ctx,
			`SELECT task_id FROM sessions WHERE external_job_id = ? AND task_id != ?`,
			externalJobID, taskID,
		).Scan(&holder)
		if err == nil {
			return ErrConflict
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check link holder: %w", err)
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE sessions SET external_job_id = ?, updated_at = ?, last_seen_at = ? WHERE task_id = ?`,
			externalJobID, now, now, taskID,
		); err != nil {
			return fmt.Errorf("record link: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit link: %w", err)
		}
		return nil
	})
}

// UpdateProgress applies a status/progress report from the inference service.
// Updates against a session that already reached a terminal state succeed
// without changing anything. Progress never moves backwards.
func (s *Store) UpdateProgress(ctx context.Context, taskID string, status Status, progress int) (*Session, error) {
	ctx = ensureContext(ctx)
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin progress tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// Take the write lock up front so the read-check-write below cannot
		// interleave with MarkFailed or a concurrent progress report.
		if _, err := tx.ExecContext(ctx, "UPDATE schema_version SET version = version"); err != nil {
			return fmt.Errorf("acquire write lock: %w", err)
		}

		var rawStatus string
		var currentProgress int
		err = tx.QueryRowContext(
			ctx,
			`SELECT status, progress FROM sessions WHERE task_id = ?`,
			taskID,
		).Scan(&rawStatus, &currentProgress)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read current status: %w", err)
		}

		current := Status(rawStatus)
		if current.IsTerminal() {
			return tx.Commit()
		}
		if err := ValidateTransition(current, status); err != nil {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
		}
		if progress < currentProgress {
			progress = currentProgress
		}
		if status == StatusCompleted {
			progress = 100
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE sessions SET status = ?, progress = ?, updated_at = ?, last_seen_at = ?
             WHERE task_id = ? AND status NOT IN (?, ?)`,
			string(status), progress, now, now,
			taskID, string(StatusCompleted), string(StatusFailed),
		); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetByTask(ctx, taskID)
}

// MarkFailed moves a session to the failed state with a reason. Sessions that
// already reached a terminal state are left untouched.
func (s *Store) MarkFailed(ctx context.Context, taskID, reason string) error {
	ctx = ensureContext(ctx)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE sessions SET status = ?, error_message = ?, updated_at = ?, last_seen_at = ?
         WHERE task_id = ? AND status NOT IN (?, ?)`,
		string(StatusFailed), nullableString(reason), now, now,
		taskID, string(StatusCompleted), string(StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetByTask(ctx, taskID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// SetResult records the location of the analyzed video artifact.
func (s *Store) SetResult(ctx context.Context, taskID, resultRef string) error {
	return s.setColumn(ctx, taskID, "result_ref", nullableString(resultRef))
}

// SetReport records the generated incident report for a session.
func (s *Store) SetReport(ctx context.Context, taskID, report string) error {
	return s.setColumn(ctx, taskID, "report", nullableString(report))
}

// UpdateSnapshots replaces the set of snapshot references for a session.
func (s *Store) UpdateSnapshots(ctx context.Context, taskID string, refs []string) error {
	encoded, err := encodeRefs(refs)
	if err != nil {
		return err
	}
	return s.setColumn(ctx, taskID, "snapshot_refs", nullableString(encoded))
}

func (s *Store) setColumn(ctx context.Context, taskID, column string, value any) error {
	ctx = ensureContext(ctx)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE sessions SET `+column+` = ?, updated_at = ? WHERE task_id = ?`,
		value, now, taskID,
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", column, err)
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

// Touch refreshes the liveness timestamp for an in-flight session.
func (s *Store) Touch(ctx context.Context, taskID string) error {
	ctx = ensureContext(ctx)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.execWithRetry(
		ctx,
		`UPDATE sessions SET last_seen_at = ? WHERE task_id = ?`,
		now, taskID,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// List returns sessions filtered by status set (or all sessions when no
// status is provided), newest first.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Session, error) {
	ctx = ensureContext(ctx)
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + sessionColumns + ` FROM sessions`
	orderClause := ` ORDER BY created_at DESC`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = string(status)
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Active returns sessions that have not yet reached a terminal state.
func (s *Store) Active(ctx context.Context) ([]*Session, error) {
	return s.List(ctx, StatusPending, StatusProcessing)
}

// Stats returns a count of sessions grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates session state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case StatusPending:
			health.Pending += count
		case StatusProcessing:
			health.Processing += count
		case StatusCompleted:
			health.Completed += count
		case StatusFailed:
			health.Failed += count
		}
	}
	return health, nil
}

const sessionColumns = "task_id, external_job_id, mode, status, progress, media_ref, result_ref, snapshot_refs, report, auto_report, error_message, created_at, updated_at, last_seen_at"

func scanSession(scanner interface{ Scan(dest ...any) error }) (*Session, error) {
	var (
		taskID       string
		externalJob  sql.NullString
		modeStr      string
		statusStr    string
		progress     sql.NullInt64
		mediaRef     sql.NullString
		resultRef    sql.NullString
		snapshotsRaw sql.NullString
		report       sql.NullString
		autoReport   sql.NullInt64
		errorMessage sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
		lastSeenRaw  sql.NullString
	)

	if err := scanner.Scan(
		&taskID,
		&externalJob,
		&modeStr,
		&statusStr,
		&progress,
		&mediaRef,
		&resultRef,
		&snapshotsRaw,
		&report,
		&autoReport,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
		&lastSeenRaw,
	); err != nil {
		return nil, err
	}

	sess := &Session{
		TaskID:        taskID,
		ExternalJobID: externalJob.String,
		Mode:          Mode(modeStr),
		Status:        Status(statusStr),
		Progress:      int(progress.Int64),
		MediaRef:      mediaRef.String,
		ResultRef:     resultRef.String,
		Report:        report.String,
		ErrorMessage:  errorMessage.String,
	}
	if autoReport.Valid {
		sess.AutoReport = autoReport.Int64 != 0
	}
	if snapshotsRaw.Valid && snapshotsRaw.String != "" {
		refs, err := decodeRefs(snapshotsRaw.String)
		if err != nil {
			return nil, fmt.Errorf("decode snapshot refs: %w", err)
		}
		sess.SnapshotRefs = refs
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		sess.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		sess.UpdatedAt = updated
	}
	if lastSeen, err := parseTimeString(lastSeenRaw.String); err == nil {
		sess.LastSeenAt = lastSeen
	}
	return sess, nil
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

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
