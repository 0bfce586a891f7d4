package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenMemory(t *testing.T) {
	store, err := Open("memory://")
	if err != nil {
		t.Fatalf("open memory store failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", store)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := Open("file://" + path)
	if err != nil {
		t.Fatalf("open file store failed: %v", err)
	}
	fs, ok := store.(*FileStore)
	if !ok {
		t.Fatalf("expected *FileStore, got %T", store)
	}
	if fs.Path != path {
		t.Fatalf("expected path %s, got %s", path, fs.Path)
	}

	bare, err := Open(path)
	if err != nil {
		t.Fatalf("open bare path failed: %v", err)
	}
	if _, ok := bare.(*FileStore); !ok {
		t.Fatalf("expected bare path to open a file store, got %T", bare)
	}
}

func TestOpenSQLite(t *testing.T) {
	store, err := Open("sqlite://" + filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("open sqlite store failed: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*SQLiteStore); !ok {
		t.Fatalf("expected *SQLiteStore, got %T", store)
	}
}

func TestOpenPostgresIsLazy(t *testing.T) {
	store, err := Open("postgres://localhost/rtcp?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres store to be available, got %v", err)
	}
	if _, ok := store.(*PostgresStore); !ok {
		t.Fatalf("expected *PostgresStore, got %T", store)
	}
}

func TestOpenUnsupported(t *testing.T) {
	if _, err := Open("redis://localhost:6379"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for redis, got %v", err)
	}
	if _, err := Open("gopher://localhost"); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
	if _, err := Open("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty dsn, got %v", err)
	}
}

func TestRegisterFactory(t *testing.T) {
	scheme := "storetestcustom"
	called := false
	RegisterFactory(scheme, func(dsn string) (Store, error) {
		called = true
		return NewMemoryStore(), nil
	})
	store, err := Open(scheme + "://example")
	if err != nil {
		t.Fatalf("open via registered factory failed: %v", err)
	}
	if store == nil || !called {
		t.Fatalf("expected registered factory to build the store")
	}
}
