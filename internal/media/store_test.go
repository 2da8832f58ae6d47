package media_test

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"strings"
	"testing"

	"roadwatch/internal/media"
	"roadwatch/internal/testsupport"
)

func newStore(t *testing.T) *media.Store {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store, err := media.NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

func uploadForm(t *testing.T, filename, content string) (multipart.File, *multipart.FileHeader) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}

	req := httptest.NewRequest("POST", "/", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	file, header, err := req.FormFile("file")
	if err != nil {
		t.Fatalf("parse form file: %v", err)
	}
	t.Cleanup(func() { file.Close() })
	return file, header
}

func TestSaveUploadRoundTrip(t *testing.T) {
	store := newStore(t)
	file, header := uploadForm(t, "dashcam.mp4", "not really a video")

	ref, err := store.SaveUpload(file, header)
	if err != nil {
		t.Fatalf("SaveUpload failed: %v", err)
	}
	if !strings.HasSuffix(ref, ".mp4") {
		t.Fatalf("expected extension preserved, got %q", ref)
	}
	if strings.Contains(ref, "dashcam") {
		t.Fatalf("original name leaked into ref %q", ref)
	}

	f, size, err := store.Open(ref)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()
	content, _ := io.ReadAll(f)
	if string(content) != "not really a video" || size != int64(len(content)) {
		t.Fatalf("unexpected content %q size %d", content, size)
	}
}

func TestSaveSnapshot(t *testing.T) {
	store := newStore(t)
	ref, err := store.SaveSnapshot("task-1", strings.NewReader("jpeg bytes"), ".jpg")
	if err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if !strings.HasPrefix(ref, "snapshots/task-1/") || !strings.HasSuffix(ref, ".jpg") {
		t.Fatalf("unexpected snapshot ref %q", ref)
	}
	if !store.Exists(ref) {
		t.Fatal("snapshot not stored")
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	store := newStore(t)

	for _, ref := range []string{"", ".", "../outside", "a/../../outside", "/etc/passwd"} {
		if _, err := store.Resolve(ref); !errors.Is(err, media.ErrInvalidRef) {
			t.Fatalf("ref %q: expected ErrInvalidRef, got %v", ref, err)
		}
	}
}

func TestOpenMissing(t *testing.T) {
	store := newStore(t)
	if _, _, err := store.Open("nope.mp4"); !errors.Is(err, media.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	store := newStore(t)
	ref, err := store.SaveSnapshot("task-1", strings.NewReader("x"), ".png")
	if err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if err := store.Remove(ref); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if store.Exists(ref) {
		t.Fatal("file still present after Remove")
	}
	// Removing again is not an error.
	if err := store.Remove(ref); err != nil {
		t.Fatalf("second Remove errored: %v", err)
	}
}
