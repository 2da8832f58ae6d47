package testsupport

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// WriteFile creates path with size bytes of filler, making parent directories
// as needed. A size <= 0 still produces a non-empty file.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	filler := bytes.Repeat([]byte{0x42}, 32*1024)
	if _, err := io.CopyN(f, repeatReader{filler}, size); err != nil {
		f.Close()
		t.Fatalf("write %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}

// repeatReader yields its buffer forever.
type repeatReader struct{ buf []byte }

func (r repeatReader) Read(p []byte) (int, error) {
	return copy(p, r.buf), nil
}
