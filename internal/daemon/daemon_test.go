package daemon_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"roadwatch/internal/api"
	"roadwatch/internal/config"
	"roadwatch/internal/daemon"
	"roadwatch/internal/logging"
	"roadwatch/internal/testsupport"
)

func startDaemon(t *testing.T, cfg *config.Config) (*daemon.Daemon, *api.Client) {
	t.Helper()
	d, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start failed: %v", err)
	}
	client, err := api.NewClientForAddress(d.APIAddr())
	if err != nil {
		t.Fatalf("NewClientForAddress failed: %v", err)
	}
	return d, client
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}
	defer d.Close()

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !d.Running() {
		t.Fatal("daemon should report running")
	}
	if err := d.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail while running")
	}
	if d.APIAddr() == "" {
		t.Fatal("expected a bound api address")
	}

	d.Stop()
	if d.Running() {
		t.Fatal("daemon should report stopped")
	}
}

func TestSingleInstanceLock(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first, _ := startDaemon(t, cfg)

	second, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}
	defer second.Close()

	if err := second.Start(context.Background()); err == nil {
		t.Fatal("second instance should not acquire the lock")
	}

	first.Stop()
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("lock should be free after Stop: %v", err)
	}
}

func TestRealtimeSessionOverAPI(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, client := startDaemon(t, cfg)
	ctx := context.Background()

	sess, err := client.CreateRealtimeSession(ctx, false)
	if err != nil {
		t.Fatalf("CreateRealtimeSession failed: %v", err)
	}
	if sess.TaskID == "" || sess.Mode != "realtime" || sess.Status != "pending" {
		t.Fatalf("unexpected session %#v", sess)
	}

	fetched, err := client.GetSession(ctx, sess.TaskID)
	if err != nil || fetched.TaskID != sess.TaskID {
		t.Fatalf("GetSession: %#v %v", fetched, err)
	}

	// Result is gated on completion.
	_, err = client.Result(ctx, sess.TaskID)
	var statusErr *api.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for pending result, got %v", err)
	}

	stopped, err := client.StopSession(ctx, sess.TaskID)
	if err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
	if stopped.Status != "failed" || stopped.ErrorMessage != "stopped by request" {
		t.Fatalf("unexpected stopped session %#v", stopped)
	}

	if _, err := client.GetSession(ctx, "no-such-task"); !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %v", err)
	}
}

func TestManualIncidentsAndReconcile(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, client := startDaemon(t, cfg)
	ctx := context.Background()

	sess, err := client.CreateRealtimeSession(ctx, false)
	if err != nil {
		t.Fatalf("CreateRealtimeSession failed: %v", err)
	}

	manual := api.ManualIncidentRequest{
		IncidentID:  "call-in-1",
		TaskID:      sess.TaskID,
		Type:        "accident",
		Description: "caller reports a pileup",
		Location:    "northbound km 12",
	}
	inc, err := client.ReportIncident(ctx, manual)
	if err != nil {
		t.Fatalf("ReportIncident failed: %v", err)
	}
	if inc.Seq == 0 || inc.IncidentID != "call-in-1" {
		t.Fatalf("unexpected incident %#v", inc)
	}

	// Same incident id is acknowledged, not duplicated.
	again, err := client.ReportIncident(ctx, manual)
	if err != nil {
		t.Fatalf("duplicate ReportIncident failed: %v", err)
	}
	if again.Seq != inc.Seq {
		t.Fatalf("duplicate produced a new record: %d vs %d", again.Seq, inc.Seq)
	}

	stream, err := client.Incidents(ctx, api.IncidentQuery{Since: 0, TaskID: sess.TaskID})
	if err != nil {
		t.Fatalf("Incidents failed: %v", err)
	}
	if len(stream.Incidents) != 1 || stream.Next != inc.Seq {
		t.Fatalf("unexpected stream %#v", stream)
	}

	rec, err := client.Reconcile(ctx, sess.TaskID)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if rec.TaskID != sess.TaskID || rec.LastIncidentSeq != inc.Seq {
		t.Fatalf("unexpected reconcile %#v", rec)
	}

	if _, err := client.ReportIncident(ctx, api.ManualIncidentRequest{
		TaskID: "no-such-task", Type: "fire",
	}); err == nil {
		t.Fatal("incident for unknown session should fail")
	}
}

func TestBatchUploadRunsToCompletion(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/prepare":
			_ = json.NewEncoder(w).Encode(map[string]string{"jobId": "job-42"})
		case strings.HasPrefix(r.URL.Path, "/status/"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"state":     "completed",
				"progress":  100,
				"resultRef": "results/annotated.mp4",
				"detections": []map[string]string{{
					"detectionId": "det-1",
					"type":        "accident",
					"location":    "km 3",
				}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithInferenceURL(upstream.URL))
	cfg.Inference.PollInterval = 1
	_, client := startDaemon(t, cfg)
	ctx := context.Background()

	source := filepath.Join(t.TempDir(), "dashcam.mp4")
	testsupport.WriteFile(t, source, 4096)

	sess, err := client.UploadSession(ctx, source, false)
	if err != nil {
		t.Fatalf("UploadSession failed: %v", err)
	}
	if sess.Mode != "batch" || sess.MediaRef == "" {
		t.Fatalf("unexpected session %#v", sess)
	}

	deadline := time.Now().Add(10 * time.Second)
	var final api.SessionPayload
	for time.Now().Before(deadline) {
		final, err = client.GetSession(ctx, sess.TaskID)
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if final.Status == "completed" || final.Status == "failed" {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if final.Status != "completed" {
		t.Fatalf("session did not complete: %#v", final)
	}

	result, err := client.Result(ctx, sess.TaskID)
	if err != nil || result.ResultRef != "results/annotated.mp4" {
		t.Fatalf("unexpected result %#v (%v)", result, err)
	}

	stream, err := client.Incidents(ctx, api.IncidentQuery{TaskID: sess.TaskID})
	if err != nil {
		t.Fatalf("Incidents failed: %v", err)
	}
	if len(stream.Incidents) != 1 || stream.Incidents[0].Type != "accident" {
		t.Fatalf("unexpected incidents %#v", stream.Incidents)
	}

	// The uploaded media is served back by reference.
	resp, err := http.Get("http://" + hostOf(t, client) + "/api/media/" + final.MediaRef)
	if err != nil {
		t.Fatalf("media fetch failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected media status %d", resp.StatusCode)
	}
}

func TestIncidentPageCapFromConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Incidents.HubCapacity = 2
	_, client := startDaemon(t, cfg)
	ctx := context.Background()

	sess, err := client.CreateRealtimeSession(ctx, false)
	if err != nil {
		t.Fatalf("CreateRealtimeSession failed: %v", err)
	}
	var seqs []uint64
	for _, id := range []string{"a", "b", "c", "d"} {
		inc, err := client.ReportIncident(ctx, api.ManualIncidentRequest{
			IncidentID: id, TaskID: sess.TaskID, Type: "accident",
		})
		if err != nil {
			t.Fatalf("ReportIncident failed: %v", err)
		}
		seqs = append(seqs, inc.Seq)
	}

	// A caller asking for more than the configured cap still gets a capped
	// page, resumable from Next.
	page, err := client.Incidents(ctx, api.IncidentQuery{Limit: 100, TaskID: sess.TaskID})
	if err != nil {
		t.Fatalf("Incidents failed: %v", err)
	}
	if len(page.Incidents) != 2 || page.Next != seqs[1] {
		t.Fatalf("unexpected first page %#v", page)
	}
	rest, err := client.Incidents(ctx, api.IncidentQuery{Since: page.Next, TaskID: sess.TaskID})
	if err != nil {
		t.Fatalf("Incidents failed: %v", err)
	}
	if len(rest.Incidents) != 2 || rest.Next != seqs[3] {
		t.Fatalf("unexpected second page %#v", rest)
	}
}

func TestAccidentIncidentTriggersAlert(t *testing.T) {
	var (
		mu     sync.Mutex
		titles []string
	)
	ntfy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		titles = append(titles, r.Header.Get("Title"))
		mu.Unlock()
	}))
	defer ntfy.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithNtfyTopic(ntfy.URL))
	_, client := startDaemon(t, cfg)
	ctx := context.Background()

	sess, err := client.CreateRealtimeSession(ctx, false)
	if err != nil {
		t.Fatalf("CreateRealtimeSession failed: %v", err)
	}
	// A quiet-road heartbeat is logged but never alerted on.
	if _, err := client.ReportIncident(ctx, api.ManualIncidentRequest{
		IncidentID: "quiet-1", TaskID: sess.TaskID, Type: "none",
	}); err != nil {
		t.Fatalf("ReportIncident failed: %v", err)
	}
	if _, err := client.ReportIncident(ctx, api.ManualIncidentRequest{
		IncidentID: "crash-1", TaskID: sess.TaskID, Type: "accident", Location: "km 8",
	}); err != nil {
		t.Fatalf("ReportIncident failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(titles)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(titles) != 1 || titles[0] != "Roadwatch - Incident" {
		t.Fatalf("unexpected notifications %#v", titles)
	}
}

func TestDaemonStatusEndpoint(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, client := startDaemon(t, cfg)

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Running || status.PID != os.Getpid() {
		t.Fatalf("unexpected status %#v", status)
	}
	if status.DatabasePath == "" || status.LockFilePath == "" {
		t.Fatalf("missing paths in status %#v", status)
	}
}

// hostOf extracts the daemon host:port the client was built against.
func hostOf(t *testing.T, client *api.Client) string {
	t.Helper()
	return client.Host()
}
