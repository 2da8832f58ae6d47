package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"roadwatch/internal/api"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	path := filepath.Join(base, "config.toml")
	content := fmt.Sprintf(`[paths]
data_dir = %q
log_dir = %q
api_bind = "127.0.0.1:0"
`, filepath.Join(base, "data"), filepath.Join(base, "logs"))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func fakeDaemon(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return strings.TrimPrefix(server.URL, "http://")
}

func TestStatusCommandJSON(t *testing.T) {
	cfgPath := writeTestConfig(t)
	address := fakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(api.DaemonStatus{
			Running: true,
			PID:     4242,
		})
	})

	out, err := runCommand(t, "--config", cfgPath, "--address", address, "status", "--json")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, `"pid": 4242`) {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestSessionsListRendersTable(t *testing.T) {
	cfgPath := writeTestConfig(t)
	address := fakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.SessionListResponse{
			Sessions: []api.SessionPayload{{
				TaskID:   "0123456789abcdef",
				Mode:     "batch",
				Status:   "processing",
				Progress: 42,
				MediaRef: "clip.mp4",
			}},
		})
	})

	out, err := runCommand(t, "--config", cfgPath, "--address", address, "sessions")
	if err != nil {
		t.Fatalf("sessions failed: %v", err)
	}
	for _, want := range []string{"01234567", "Processing", "42%", "clip.mp4"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSessionsEmptyList(t *testing.T) {
	cfgPath := writeTestConfig(t)
	address := fakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.SessionListResponse{})
	})

	out, err := runCommand(t, "--config", cfgPath, "--address", address, "sessions")
	if err != nil {
		t.Fatalf("sessions failed: %v", err)
	}
	if !strings.Contains(out, "No sessions") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestIncidentsTail(t *testing.T) {
	cfgPath := writeTestConfig(t)
	address := fakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("tail") != "1" {
			t.Errorf("expected tail=1, got %q", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(api.IncidentStreamResponse{
			Incidents: []api.IncidentPayload{{
				Seq:      9,
				TaskID:   "0123456789abcdef",
				Type:     "accident",
				Location: "km 7",
			}},
			Next: 9,
		})
	})

	out, err := runCommand(t, "--config", cfgPath, "--address", address, "incidents")
	if err != nil {
		t.Fatalf("incidents failed: %v", err)
	}
	if !strings.Contains(out, "#9") || !strings.Contains(out, "Accident") || !strings.Contains(out, "km 7") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestIncidentAddRequiresType(t *testing.T) {
	cfgPath := writeTestConfig(t)
	if _, err := runCommand(t, "--config", cfgPath, "--address", "127.0.0.1:1", "incidents", "add", "task-1"); err == nil {
		t.Fatal("expected an error without --type")
	}
}

func TestStopCommand(t *testing.T) {
	cfgPath := writeTestConfig(t)
	address := fakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/stop") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(api.SessionResponse{
			Session: api.SessionPayload{
				TaskID:       "0123456789abcdef",
				Status:       "failed",
				ErrorMessage: "stopped by request",
			},
		})
	})

	out, err := runCommand(t, "--config", cfgPath, "--address", address, "stop", "0123456789abcdef")
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if !strings.Contains(out, "stopped by request") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}
