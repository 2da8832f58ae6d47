package incident_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"roadwatch/internal/incident"
	"roadwatch/internal/testsupport"
)

func newPublisher(t *testing.T, queueSize int) *incident.Publisher {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	log, err := incident.NewLog(context.Background(), store.DB())
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	pub, err := incident.NewPublisher(context.Background(), log, nil, queueSize)
	if err != nil {
		t.Fatalf("NewPublisher failed: %v", err)
	}
	t.Cleanup(pub.Close)
	return pub
}

func subscribe(t *testing.T, pub *incident.Publisher, taskID string, resume uint64) *incident.Subscription {
	t.Helper()
	sub, err := pub.Subscribe(context.Background(), taskID, resume)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return sub
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	pub := newPublisher(t, 8)
	ctx := context.Background()

	sub := subscribe(t, pub, "", 0)
	defer pub.Unsubscribe(sub)

	inc, inserted, err := pub.Publish(ctx, draft("inc-1", "task-1", "det-1"))
	if err != nil || !inserted {
		t.Fatalf("publish failed: inserted=%v err=%v", inserted, err)
	}

	select {
	case got := <-sub.C:
		if got.Seq != inc.Seq || got.IncidentID != "inc-1" {
			t.Fatalf("unexpected delivery: %#v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestDuplicateNotDelivered(t *testing.T) {
	pub := newPublisher(t, 8)
	ctx := context.Background()

	sub := subscribe(t, pub, "", 0)
	defer pub.Unsubscribe(sub)

	for _, id := range []string{"inc-a", "inc-b", "inc-a"} {
		if _, _, err := pub.Publish(ctx, draft(id, "task-1", id)); err != nil {
			t.Fatalf("publish %s failed: %v", id, err)
		}
	}

	var received []incident.Incident
	deadline := time.After(time.Second)
	for len(received) < 2 {
		select {
		case inc := <-sub.C:
			received = append(received, inc)
		case <-deadline:
			t.Fatalf("timed out, got %d deliveries", len(received))
		}
	}
	select {
	case inc := <-sub.C:
		t.Fatalf("unexpected third delivery: %#v", inc)
	case <-time.After(50 * time.Millisecond):
	}

	if received[0].IncidentID != "inc-a" || received[1].IncidentID != "inc-b" {
		t.Fatalf("unexpected order: %#v", received)
	}
}

func TestSubscribeBackfillsFromResumePoint(t *testing.T) {
	pub := newPublisher(t, 8)
	ctx := context.Background()

	var seqs []uint64
	for _, id := range []string{"inc-1", "inc-2", "inc-3"} {
		inc, _, err := pub.Publish(ctx, draft(id, "task-1", id))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		seqs = append(seqs, inc.Seq)
	}

	// A subscriber that handled seqs[0] before disconnecting resumes there
	// and receives the two missed incidents first, in order.
	sub := subscribe(t, pub, "", seqs[0])
	defer pub.Unsubscribe(sub)

	for i, want := range seqs[1:] {
		select {
		case got := <-sub.C:
			if got.Seq != want {
				t.Fatalf("backfill %d: expected seq %d, got %d", i, want, got.Seq)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for backfill %d", i)
		}
	}

	// Live events follow the backfill with no gap and no repeat.
	live, _, err := pub.Publish(ctx, draft("inc-4", "task-1", "inc-4"))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case got := <-sub.C:
		if got.Seq != live.Seq {
			t.Fatalf("expected live seq %d, got %d", live.Seq, got.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live delivery")
	}
}

func TestTaskFilteredSubscription(t *testing.T) {
	pub := newPublisher(t, 8)
	ctx := context.Background()

	sub := subscribe(t, pub, "task-b", 0)
	defer pub.Unsubscribe(sub)

	if _, _, err := pub.Publish(ctx, draft("inc-1", "task-a", "d1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if _, _, err := pub.Publish(ctx, draft("inc-2", "task-b", "d2")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case got := <-sub.C:
		if got.TaskID != "task-b" {
			t.Fatalf("filter leaked incident for %s", got.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	pub := newPublisher(t, 1)
	ctx := context.Background()

	slow := subscribe(t, pub, "", 0)

	// Fill the queue without draining, then overflow it.
	if _, _, err := pub.Publish(ctx, draft("inc-1", "task-1", "d1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if _, _, err := pub.Publish(ctx, draft("inc-2", "task-1", "d2")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	// The dropped subscriber's channel drains its buffered event and closes.
	var closed bool
	deadline := time.After(time.Second)
	for !closed {
		select {
		case _, ok := <-slow.C:
			if !ok {
				closed = true
			}
		case <-deadline:
			t.Fatal("slow subscriber channel never closed")
		}
	}

	// Publishing still works after the drop.
	if _, inserted, err := pub.Publish(ctx, draft("inc-3", "task-1", "d3")); err != nil || !inserted {
		t.Fatalf("publish after drop failed: inserted=%v err=%v", inserted, err)
	}
}

func TestFetchBackfillsFromLog(t *testing.T) {
	pub := newPublisher(t, 8)
	ctx := context.Background()

	var seqs []uint64
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("inc-%d", i)
		inc, _, err := pub.Publish(ctx, draft(id, "task-1", id))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		seqs = append(seqs, inc.Seq)
	}

	// A watcher that saw seq[0] resumes and receives exactly the rest.
	incidents, cursor, err := pub.Fetch(ctx, seqs[0], 0, false, "")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(incidents) != 2 || incidents[0].Seq != seqs[1] || incidents[1].Seq != seqs[2] {
		t.Fatalf("unexpected backfill: %#v", incidents)
	}
	if cursor != seqs[2] {
		t.Fatalf("unexpected cursor: %d", cursor)
	}

	// Caught up: nothing more without waiting.
	incidents, _, err = pub.Fetch(ctx, cursor, 0, false, "")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(incidents) != 0 {
		t.Fatalf("expected empty fetch, got %#v", incidents)
	}
}

func TestFetchCursorBoundedByPage(t *testing.T) {
	pub := newPublisher(t, 8)
	ctx := context.Background()

	var seqs []uint64
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("inc-%d", i)
		inc, _, err := pub.Publish(ctx, draft(id, "task-1", id))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		seqs = append(seqs, inc.Seq)
	}

	// A truncated page must hand back its own tail as the cursor, never the
	// global high mark, or the rows beyond the page would be skipped on resume.
	incidents, cursor, err := pub.Fetch(ctx, 0, 2, false, "")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(incidents) != 2 || cursor != seqs[1] {
		t.Fatalf("expected cursor %d after truncated page, got %d (%d rows)", seqs[1], cursor, len(incidents))
	}

	rest, _, err := pub.Fetch(ctx, cursor, 0, false, "")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(rest) != 2 || rest[0].Seq != seqs[2] {
		t.Fatalf("resume from truncated cursor skipped rows: %#v", rest)
	}
}

func TestFetchWaitsForNextIncident(t *testing.T) {
	pub := newPublisher(t, 8)
	ctx := context.Background()

	start := pub.LastSequence()
	done := make(chan []incident.Incident, 1)
	go func() {
		incidents, _, err := pub.Fetch(ctx, start, 0, true, "")
		if err != nil {
			done <- nil
			return
		}
		done <- incidents
	}()

	time.Sleep(20 * time.Millisecond)
	published, _, err := pub.Publish(ctx, draft("inc-wait", "task-1", "dw"))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case incidents := <-done:
		if len(incidents) != 1 || incidents[0].Seq != published.Seq {
			t.Fatalf("unexpected wait result: %#v", incidents)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fetch never woke")
	}
}

func TestFetchSeesPublishRacingTheWait(t *testing.T) {
	pub := newPublisher(t, 8)

	// Interleave the publish with the fetcher's read-then-wait window. A
	// publish that lands between the log read and the wait must be returned,
	// not slept past: sleeping to the deadline would hand back a cursor that
	// skips it forever.
	for i := 0; i < 150; i++ {
		since := pub.LastSequence()
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)

		type fetchResult struct {
			incidents []incident.Incident
			cursor    uint64
		}
		done := make(chan fetchResult, 1)
		go func() {
			incidents, cursor, _ := pub.Fetch(ctx, since, 0, true, "")
			done <- fetchResult{incidents, cursor}
		}()

		id := fmt.Sprintf("race-%d", i)
		published, _, err := pub.Publish(context.Background(), draft(id, "task-1", id))
		if err != nil {
			cancel()
			t.Fatalf("publish failed: %v", err)
		}

		res := <-done
		cancel()
		if len(res.incidents) == 0 {
			t.Fatalf("iteration %d: fetch slept past a concurrent publish (cursor=%d, published=%d)",
				i, res.cursor, published.Seq)
		}
		if res.incidents[len(res.incidents)-1].Seq != published.Seq {
			t.Fatalf("iteration %d: unexpected tail seq %d", i, res.incidents[len(res.incidents)-1].Seq)
		}
	}
}

func TestFetchHonorsContextCancel(t *testing.T) {
	pub := newPublisher(t, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := pub.Fetch(ctx, pub.LastSequence(), 0, true, "")
	if err == nil {
		t.Fatal("expected context error")
	}
}
