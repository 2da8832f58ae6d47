package testsupport

import (
	"context"
	"testing"

	"roadwatch/internal/config"
	"roadwatch/internal/session"
)

// MustOpenStore opens a session.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *session.Store {
	t.Helper()

	store, err := session.Open(cfg)
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewSession creates a pending batch session for tests using the provided store.
func NewSession(t testing.TB, store *session.Store, mediaRef string) *session.Session {
	t.Helper()

	sess, err := store.Create(context.Background(), session.ModeBatch, mediaRef, false)
	if err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return sess
}
