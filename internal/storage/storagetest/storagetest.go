// Package storagetest opens throwaway stores for package tests.
package storagetest

import (
	"path/filepath"
	"testing"

	"herald/internal/storage"
	logx "herald/pkg/logx"
)

// SQLite opens a fresh sqlite store in a temp dir, closed on test cleanup.
func SQLite(t testing.TB) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "herald.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}
