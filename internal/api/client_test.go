package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"roadwatch/internal/api"
	"roadwatch/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) *api.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := api.NewClientForAddress(server.URL)
	if err != nil {
		t.Fatalf("NewClientForAddress failed: %v", err)
	}
	return client
}

func TestNewClientUnconfigured(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.APIBind = " "
	client, err := api.NewClient(&cfg)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client != nil {
		t.Fatal("expected nil client when no bind address is configured")
	}
}

func TestListSessionsQuery(t *testing.T) {
	var gotPath string
	var gotStatuses []string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotStatuses = r.URL.Query()["status"]
		_ = json.NewEncoder(w).Encode(api.SessionListResponse{
			Sessions: []api.SessionPayload{{TaskID: "task-1", Status: "processing"}},
		})
	}))

	sessions, err := client.ListSessions(context.Background(), "processing", "failed")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if gotPath != "/api/sessions" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if len(gotStatuses) != 2 || gotStatuses[0] != "processing" || gotStatuses[1] != "failed" {
		t.Fatalf("unexpected status filter %v", gotStatuses)
	}
	if len(sessions) != 1 || sessions[0].TaskID != "task-1" {
		t.Fatalf("unexpected sessions %#v", sessions)
	}
}

func TestErrorResponsesDecodeToStatusError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"session is not completed"}`))
	}))

	_, err := client.Result(context.Background(), "task-1")
	var statusErr *api.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusConflict || statusErr.Message != "session is not completed" {
		t.Fatalf("unexpected error %#v", statusErr)
	}
}

func TestIncidentsQueryEncoding(t *testing.T) {
	var got map[string]string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = map[string]string{
			"since":  r.URL.Query().Get("since"),
			"limit":  r.URL.Query().Get("limit"),
			"follow": r.URL.Query().Get("follow"),
			"task":   r.URL.Query().Get("task"),
		}
		_ = json.NewEncoder(w).Encode(api.IncidentStreamResponse{Next: 7})
	}))

	resp, err := client.Incidents(context.Background(), api.IncidentQuery{
		Since: 3, Limit: 50, Follow: true, TaskID: "task-1",
	})
	if err != nil {
		t.Fatalf("Incidents failed: %v", err)
	}
	if got["since"] != "3" || got["limit"] != "50" || got["follow"] != "1" || got["task"] != "task-1" {
		t.Fatalf("unexpected query %v", got)
	}
	if resp.Next != 7 {
		t.Fatalf("unexpected cursor %d", resp.Next)
	}
}

func TestUploadSessionSendsMultipart(t *testing.T) {
	source := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(source, []byte("frames"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	var gotName, gotMode, gotAuto string
	var gotBody []byte
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotMode = r.FormValue("mode")
		gotAuto = r.FormValue("autoReport")
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			defer file.Close()
			gotName = header.Filename
			buf := make([]byte, 16)
			n, _ := file.Read(buf)
			gotBody = buf[:n]
		}
		_ = json.NewEncoder(w).Encode(api.SessionResponse{
			Session: api.SessionPayload{TaskID: "task-1", Mode: "batch", Status: "pending"},
		})
	}))

	sess, err := client.UploadSession(context.Background(), source, true)
	if err != nil {
		t.Fatalf("UploadSession failed: %v", err)
	}
	if sess.TaskID != "task-1" {
		t.Fatalf("unexpected session %#v", sess)
	}
	if gotName != "clip.mp4" || gotMode != "batch" || gotAuto != "true" || string(gotBody) != "frames" {
		t.Fatalf("unexpected upload: name=%q mode=%q auto=%q body=%q", gotName, gotMode, gotAuto, gotBody)
	}
}

func TestSendOffer(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.OfferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode offer: %v", err)
		}
		if string(req.Offer) != `{"type":"offer"}` {
			t.Errorf("unexpected offer %s", req.Offer)
		}
		_ = json.NewEncoder(w).Encode(api.OfferResponse{Answer: json.RawMessage(`{"type":"answer"}`)})
	}))

	answer, err := client.SendOffer(context.Background(), "task-1", json.RawMessage(`{"type":"offer"}`))
	if err != nil {
		t.Fatalf("SendOffer failed: %v", err)
	}
	if string(answer) != `{"type":"answer"}` {
		t.Fatalf("unexpected answer %s", answer)
	}
}
