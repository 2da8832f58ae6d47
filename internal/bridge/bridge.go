// Package bridge correlates client-visible task ids with inference-side job
// ids. Realtime links are committed to the registry once the handshake
// completes; batch job ids are brokered straight to the coordinator and never
// recorded. The upstream prepare call is never made while holding registry
// state: the session is snapshotted first, the job prepared, and the link
// committed transactionally afterwards.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"roadwatch/internal/logging"
	"roadwatch/internal/services/inference"
	"roadwatch/internal/session"
)

// ErrNotLinked indicates the session has no inference-side job yet.
var ErrNotLinked = errors.New("session has no linked job")

// ErrWrongMode indicates an operation that does not match the session's mode.
var ErrWrongMode = errors.New("wrong session mode for this operation")

// ErrTerminal indicates the session already reached a terminal state.
var ErrTerminal = errors.New("session already finished")

// JobPreparer is the upstream operation the bridge needs; satisfied by
// *inference.Client.
type JobPreparer interface {
	PrepareJob(ctx context.Context, req inference.PrepareRequest) (string, error)
}

// Bridge binds the session registry to the inference service's job namespace.
type Bridge struct {
	store    *session.Store
	preparer JobPreparer
	logger   *slog.Logger
}

// New constructs a Bridge.
func New(store *session.Store, preparer JobPreparer, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bridge{
		store:    store,
		preparer: preparer,
		logger:   logger.With(logging.String(logging.FieldComponent, "bridge")),
	}
}

// BeginRealtime prepares an inference job for a realtime session and commits
// the task/job correlation. Upstream failure surfaces immediately; nothing is
// linked in that case. Calling it again for an already linked session returns
// the existing job id.
func (b *Bridge) BeginRealtime(ctx context.Context, taskID string) (string, error) {
	sess, err := b.store.GetByTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if sess.Mode != session.ModeRealtime {
		return "", fmt.Errorf("%w: task %s", ErrWrongMode, taskID)
	}
	if sess.Status.IsTerminal() {
		return "", fmt.Errorf("%w: task %s", ErrTerminal, taskID)
	}
	if sess.IsLinked() {
		return sess.ExternalJobID, nil
	}

	jobID, err := b.preparer.PrepareJob(ctx, inference.PrepareRequest{
		Mode:     string(sess.Mode),
		MediaRef: sess.MediaRef,
	})
	if err != nil {
		return "", err
	}

	if err := b.store.LinkExternalJob(ctx, taskID, jobID); err != nil {
		if errors.Is(err, session.ErrConflict) {
			// Lost a race with a concurrent begin; the committed link wins.
			committed, getErr := b.store.GetByTask(ctx, taskID)
			if getErr == nil && committed.IsLinked() {
				b.logger.Info("concurrent handshake resolved to committed link",
					logging.String(logging.FieldTaskID, taskID),
					logging.String(logging.FieldJobID, committed.ExternalJobID))
				return committed.ExternalJobID, nil
			}
		}
		return "", err
	}

	b.logger.Info("realtime session linked",
		logging.String(logging.FieldTaskID, taskID),
		logging.String(logging.FieldJobID, jobID))
	return jobID, nil
}

// PrepareBatch registers an inference job for a batch session and hands the
// job id to the caller. Batch job ids live only in the coordinator for the
// duration of the run: the registry's external_job_id column is reserved for
// realtime sessions whose handshake completed.
func (b *Bridge) PrepareBatch(ctx context.Context, taskID string) (string, error) {
	sess, err := b.store.GetByTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if sess.Mode != session.ModeBatch {
		return "", fmt.Errorf("%w: task %s is %s", ErrWrongMode, taskID, sess.Mode)
	}
	if sess.Status.IsTerminal() {
		return "", fmt.Errorf("%w: task %s", ErrTerminal, taskID)
	}

	jobID, err := b.preparer.PrepareJob(ctx, inference.PrepareRequest{
		Mode:     string(sess.Mode),
		MediaRef: sess.MediaRef,
	})
	if err != nil {
		return "", err
	}
	b.logger.Debug("batch job prepared",
		logging.String(logging.FieldTaskID, taskID),
		logging.String(logging.FieldJobID, jobID))
	return jobID, nil
}

// Resolve returns the inference-side job id for a task.
func (b *Bridge) Resolve(ctx context.Context, taskID string) (string, error) {
	sess, err := b.store.GetByTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if !sess.IsLinked() {
		return "", fmt.Errorf("%w: task %s", ErrNotLinked, taskID)
	}
	return sess.ExternalJobID, nil
}

// ResolveReverse returns the task id that owns an inference-side job id.
func (b *Bridge) ResolveReverse(ctx context.Context, jobID string) (string, error) {
	sess, err := b.store.GetByExternalJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return sess.TaskID, nil
}

var _ JobPreparer = (*inference.Client)(nil)
