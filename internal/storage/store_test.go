package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "group.app/one", "rtcp_inbox"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, "group.app/one", "rtcp_inbox", "[]"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "group.app/one", "rtcp_inbox", `[{"push_id":"a"}]`); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if err := store.Set(ctx, "group.app/two", "rtcp_inbox", "[]"); err != nil {
		t.Fatalf("set second namespace failed: %v", err)
	}
	value, ok, err := store.Get(ctx, "group.app/one", "rtcp_inbox")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if value != `[{"push_id":"a"}]` {
		t.Fatalf("expected overwritten value, got %q", value)
	}

	if err := store.Delete(ctx, "group.app/one", "rtcp_inbox"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "group.app/one", "rtcp_inbox"); ok {
		t.Fatalf("expected key to be deleted")
	}

	if err := store.Clear(ctx, "group.app/two"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "group.app/two", "rtcp_inbox"); ok {
		t.Fatalf("expected namespace to be cleared")
	}

	if err := store.Set(ctx, "", "k", "v"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty namespace, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "shared", "store.json"))
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	exerciseStore(t, store)
}

func TestFileStoreCommitLeavesNoStagedFiles(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFileStore(filepath.Join(dir, "store.json"))
	ctx := context.Background()
	for _, v := range []string{"a", "b", "c"} {
		if err := store.Set(ctx, "ns", "k", v); err != nil {
			t.Fatalf("set %s failed: %v", v, err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "store.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only store.json, got %v", names)
	}
	info, err := os.Stat(filepath.Join(dir, "store.json"))
	if err != nil || info.Mode().Perm() != 0o644 {
		t.Fatalf("expected 0644 store file, got %v err=%v", info, err)
	}
}

func TestFileStoreSeesWritesFromAnotherInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	app, _ := NewFileStore(path)
	ext, _ := NewFileStore(path)
	ctx := context.Background()

	if err := app.Set(ctx, "ns", "rtcp_inbox", "app"); err != nil {
		t.Fatalf("app write failed: %v", err)
	}
	if err := ext.Set(ctx, "ns", "rtcp_inbox", "ext"); err != nil {
		t.Fatalf("extension write failed: %v", err)
	}
	value, _, err := app.Get(ctx, "ns", "rtcp_inbox")
	if err != nil {
		t.Fatalf("app read failed: %v", err)
	}
	if value != "ext" {
		t.Fatalf("expected last writer to win, got %q", value)
	}
}

func TestFileStoreRejectsCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file failed: %v", err)
	}
	store, _ := NewFileStore(path)
	if _, _, err := store.Get(context.Background(), "ns", "k"); err == nil {
		t.Fatalf("expected decode error for corrupt store file")
	}
}

func TestFileStoreWatchReportsExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	app, _ := NewFileStore(path)
	ext, _ := NewFileStore(path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan struct{}, 16)
	done := make(chan error, 1)
	go func() {
		done <- app.Watch(ctx, func() { changes <- struct{}{} })
	}()
	time.Sleep(50 * time.Millisecond)

	if err := app.Set(context.Background(), "ns", "k", "own"); err != nil {
		t.Fatalf("own write failed: %v", err)
	}
	select {
	case <-changes:
		t.Fatalf("own write must not be reported as external change")
	case <-time.After(150 * time.Millisecond):
	}

	if err := ext.Set(context.Background(), "ns", "k", "external"); err != nil {
		t.Fatalf("external write failed: %v", err)
	}
	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected external write to be reported")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned error: %v", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("new sqlite store failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("closing sqlite store: %v", err)
		}
	})
	exerciseStore(t, store)
}

func TestSQLiteStoreSharedBetweenHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	app, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open app handle failed: %v", err)
	}
	defer app.Close()
	ext, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open extension handle failed: %v", err)
	}
	defer ext.Close()

	ctx := context.Background()
	if err := ext.Set(ctx, "ns", "rtcp_inbox", "[]"); err != nil {
		t.Fatalf("extension write failed: %v", err)
	}
	value, ok, err := app.Get(ctx, "ns", "rtcp_inbox")
	if err != nil || !ok || value != "[]" {
		t.Fatalf("expected app to read extension write, got %q ok=%v err=%v", value, ok, err)
	}
}
