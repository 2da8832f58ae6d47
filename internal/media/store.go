// Package media is the local store for uploaded videos and incident
// snapshots. References handed out to clients are storage-relative names,
// never absolute paths, so the directory can move without invalidating
// recorded sessions.
package media

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"roadwatch/internal/config"
)

// ErrInvalidRef indicates a reference that escapes the media directory.
var ErrInvalidRef = errors.New("invalid media reference")

// ErrNotFound indicates the referenced file does not exist.
var ErrNotFound = errors.New("media file not found")

// Store saves and resolves media files under a single root directory.
type Store struct {
	root string
}

// NewStore creates the media root under the configured data directory.
func NewStore(cfg *config.Config) (*Store, error) {
	root := filepath.Join(cfg.Paths.DataDir, "media")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the media root directory.
func (s *Store) Root() string {
	return s.root
}

// SaveUpload streams an uploaded video into the store and returns its
// reference. The stored name is unique; the original filename only
// contributes its extension.
func (s *Store) SaveUpload(file multipart.File, header *multipart.FileHeader) (string, error) {
	if file == nil || header == nil {
		return "", errors.New("upload is empty")
	}
	ext := sanitizeExt(filepath.Ext(header.Filename))
	name := uuid.NewString() + ext
	if err := s.write(name, file); err != nil {
		return "", err
	}
	return name, nil
}

// SaveSnapshot stores a snapshot image for a session and returns its
// reference.
func (s *Store) SaveSnapshot(taskID string, r io.Reader, ext string) (string, error) {
	name := filepath.Join("snapshots", taskID, uuid.NewString()+sanitizeExt(ext))
	if err := s.write(name, r); err != nil {
		return "", err
	}
	return filepath.ToSlash(name), nil
}

func (s *Store) write(name string, r io.Reader) error {
	target, err := s.Resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create media subdirectory: %w", err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create media file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		_ = os.Remove(target)
		return fmt.Errorf("write media file: %w", err)
	}
	return out.Close()
}

// Resolve maps a reference to an absolute path inside the media root. It
// rejects references that would escape the root.
func (s *Store) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrInvalidRef
	}
	cleaned := filepath.Clean(filepath.FromSlash(ref))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", ErrInvalidRef
	}
	return filepath.Join(s.root, cleaned), nil
}

// Open opens a stored file for reading along with its size.
func (s *Store) Open(ref string) (*os.File, int64, error) {
	path, err := s.Resolve(ref)
	if err != nil {
		return nil, 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("stat media file: %w", err)
	}
	if info.IsDir() {
		return nil, 0, ErrInvalidRef
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open media file: %w", err)
	}
	return f, info.Size(), nil
}

// Exists reports whether a reference points at a stored file.
func (s *Store) Exists(ref string) bool {
	path, err := s.Resolve(ref)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Remove deletes a stored file. Missing files are not an error.
func (s *Store) Remove(ref string) error {
	path, err := s.Resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove media file: %w", err)
	}
	return nil
}

func sanitizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" || ext == "." || strings.ContainsAny(ext, `/\`) {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
