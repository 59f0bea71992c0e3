package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/heartreel/heartreel/storage"
	"github.com/heartreel/heartreel/storage/storagetest"
)

func TestSQLiteStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		s, err := Open(filepath.Join(t.TempDir(), "heartreel.db"))
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer s.Close()
	if err := s.Put("ns", "SITE", "s1", &storage.Record{}); err != nil {
		t.Fatalf("Put with empty data failed: %v", err)
	}
	got, err := s.Get("ns", "SITE", "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.Data) != 0 {
		t.Errorf("expected empty data, got %q", got.Data)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for blank path")
	}
}

func TestNotFoundErrorReportsQueryFailure(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	err = notFoundError(context.Background(), s.db, "ns", "SITE", "s1")
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, storage.ErrNamespaceNotFound) || errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("database failure reported as not found: %v", err)
	}
}
