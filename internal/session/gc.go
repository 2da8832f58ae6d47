package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"roadwatch/internal/logging"
)

// FailStale moves in-flight sessions whose liveness timestamp is older than
// the cutoff into the failed state. It returns the task ids that were failed.
func (s *Store) FailStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT task_id FROM sessions
         WHERE status IN (?, ?) AND last_seen_at < ?`,
		string(StatusPending),
		string(StatusProcessing),
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("query stale sessions: %w", err)
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err != nil {
			return nil, err
		}
		stale = append(stale, taskID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, taskID := range stale {
		if _, err := s.execWithRetry(
			ctx,
			`UPDATE sessions SET status = ?, error_message = ?, updated_at = ?
             WHERE task_id = ? AND status IN (?, ?)`,
			string(StatusFailed), StaleReason, now,
			taskID, string(StatusPending), string(StatusProcessing),
		); err != nil {
			return stale, fmt.Errorf("fail stale session %s: %w", taskID, err)
		}
	}
	return stale, nil
}

// EvictExpired deletes terminal sessions whose last update is older than the
// cutoff. Incident history is kept; only the session rows are removed.
func (s *Store) EvictExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM sessions
         WHERE status IN (?, ?) AND updated_at < ?`,
		string(StatusCompleted),
		string(StatusFailed),
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("evict expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// Sweeper periodically fails stale sessions and evicts expired ones.
type Sweeper struct {
	store     *Store
	logger    *slog.Logger
	interval  time.Duration
	staleFor  time.Duration
	retainFor time.Duration
	onStale   func(taskID string)
}

// NewSweeper constructs a Sweeper. onStale is invoked for every session the
// sweep fails, and may be nil.
func NewSweeper(store *Store, logger *slog.Logger, interval, staleFor, retainFor time.Duration, onStale func(taskID string)) *Sweeper {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Sweeper{
		store:     store,
		logger:    logger.With(logging.String(logging.FieldComponent, "session-sweeper")),
		interval:  interval,
		staleFor:  staleFor,
		retainFor: retainFor,
		onStale:   onStale,
	}
}

// Run sweeps on the configured cadence until the context is canceled.
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context) {
	now := time.Now().UTC()

	stale, err := w.store.FailStale(ctx, now.Add(-w.staleFor))
	if err != nil {
		w.logger.Warn("stale sweep failed", logging.Error(err))
	}
	for _, taskID := range stale {
		w.logger.Info("session marked stale",
			logging.String(logging.FieldTaskID, taskID),
			logging.Duration("stale_after", w.staleFor))
		if w.onStale != nil {
			w.onStale(taskID)
		}
	}

	if w.retainFor > 0 {
		evicted, err := w.store.EvictExpired(ctx, now.Add(-w.retainFor))
		if err != nil {
			w.logger.Warn("retention sweep failed", logging.Error(err))
		} else if evicted > 0 {
			w.logger.Info("expired sessions evicted", logging.Int64("count", evicted))
		}
	}
}
