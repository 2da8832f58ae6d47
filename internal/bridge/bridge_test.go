package bridge_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"roadwatch/internal/bridge"
	"roadwatch/internal/services"
	"roadwatch/internal/services/inference"
	"roadwatch/internal/session"
	"roadwatch/internal/testsupport"
)

type fakePreparer struct {
	calls  atomic.Int64
	nextID string
	err    error
}

func (f *fakePreparer) PrepareJob(ctx context.Context, req inference.PrepareRequest) (string, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	if f.nextID != "" {
		return f.nextID, nil
	}
	return fmt.Sprintf("job-%d", n), nil
}

func newBridge(t *testing.T, preparer bridge.JobPreparer) (*bridge.Bridge, *session.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	return bridge.New(store, preparer, nil), store
}

func newRealtimeSession(t *testing.T, store *session.Store) *session.Session {
	t.Helper()
	sess, err := store.Create(context.Background(), session.ModeRealtime, "live.sdp", false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return sess
}

func TestBeginRealtimeLinksJob(t *testing.T) {
	preparer := &fakePreparer{nextID: "job-7"}
	b, store := newBridge(t, preparer)
	ctx := context.Background()
	sess := newRealtimeSession(t, store)

	jobID, err := b.BeginRealtime(ctx, sess.TaskID)
	if err != nil {
		t.Fatalf("BeginRealtime failed: %v", err)
	}
	if jobID != "job-7" {
		t.Fatalf("unexpected job id %q", jobID)
	}

	// Resolve and ResolveReverse invert each other.
	resolved, err := b.Resolve(ctx, sess.TaskID)
	if err != nil || resolved != "job-7" {
		t.Fatalf("Resolve: %q %v", resolved, err)
	}
	task, err := b.ResolveReverse(ctx, "job-7")
	if err != nil || task != sess.TaskID {
		t.Fatalf("ResolveReverse: %q %v", task, err)
	}
}

func TestBeginRealtimeIdempotent(t *testing.T) {
	preparer := &fakePreparer{nextID: "job-1"}
	b, store := newBridge(t, preparer)
	ctx := context.Background()
	sess := newRealtimeSession(t, store)

	first, err := b.BeginRealtime(ctx, sess.TaskID)
	if err != nil {
		t.Fatalf("first BeginRealtime failed: %v", err)
	}
	second, err := b.BeginRealtime(ctx, sess.TaskID)
	if err != nil {
		t.Fatalf("second BeginRealtime failed: %v", err)
	}
	if first != second {
		t.Fatalf("job ids differ: %q %q", first, second)
	}
	if preparer.calls.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", preparer.calls.Load())
	}
}

func TestBeginRealtimeUpstreamFailureSurfaces(t *testing.T) {
	upstreamErr := services.Wrap(services.ErrUpstreamUnavailable, "inference", "prepare", "refused", nil)
	preparer := &fakePreparer{err: upstreamErr}
	b, store := newBridge(t, preparer)
	ctx := context.Background()
	sess := newRealtimeSession(t, store)

	if _, err := b.BeginRealtime(ctx, sess.TaskID); !errors.Is(err, services.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	// Nothing was linked.
	if _, err := b.Resolve(ctx, sess.TaskID); !errors.Is(err, bridge.ErrNotLinked) {
		t.Fatalf("expected ErrNotLinked, got %v", err)
	}
}

func TestBeginRealtimeModeAndStateGuards(t *testing.T) {
	preparer := &fakePreparer{}
	b, store := newBridge(t, preparer)
	ctx := context.Background()

	batch := testsupport.NewSession(t, store, "batch.mp4")
	if _, err := b.BeginRealtime(ctx, batch.TaskID); !errors.Is(err, bridge.ErrWrongMode) {
		t.Fatalf("expected ErrWrongMode, got %v", err)
	}

	done := newRealtimeSession(t, store)
	if err := store.MarkFailed(ctx, done.TaskID, "stale"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if _, err := b.BeginRealtime(ctx, done.TaskID); !errors.Is(err, bridge.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}

	if _, err := b.BeginRealtime(ctx, "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPrepareBatch(t *testing.T) {
	preparer := &fakePreparer{nextID: "job-b"}
	b, store := newBridge(t, preparer)
	ctx := context.Background()
	sess := testsupport.NewSession(t, store, "batch.mp4")

	jobID, err := b.PrepareBatch(ctx, sess.TaskID)
	if err != nil || jobID != "job-b" {
		t.Fatalf("PrepareBatch: %q %v", jobID, err)
	}

	// Batch job ids are handed to the caller, never recorded in the
	// registry: the external_job_id column belongs to realtime handshakes.
	if _, err := b.Resolve(ctx, sess.TaskID); !errors.Is(err, bridge.ErrNotLinked) {
		t.Fatalf("expected ErrNotLinked, got %v", err)
	}
	if _, err := store.GetByExternalJob(ctx, "job-b"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for batch job id, got %v", err)
	}

	again, err := b.PrepareBatch(ctx, sess.TaskID)
	if err != nil || again != "job-b" {
		t.Fatalf("repeat PrepareBatch: %q %v", again, err)
	}
	if preparer.calls.Load() != 2 {
		t.Fatalf("expected two upstream calls, got %d", preparer.calls.Load())
	}
}

func TestPrepareBatchRejectsRealtime(t *testing.T) {
	b, store := newBridge(t, &fakePreparer{})
	ctx := context.Background()
	sess := newRealtimeSession(t, store)

	if _, err := b.PrepareBatch(ctx, sess.TaskID); !errors.Is(err, bridge.ErrWrongMode) {
		t.Fatalf("expected ErrWrongMode, got %v", err)
	}
}

func TestResolveReverseUnknown(t *testing.T) {
	b, _ := newBridge(t, &fakePreparer{})
	if _, err := b.ResolveReverse(context.Background(), "nope"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
