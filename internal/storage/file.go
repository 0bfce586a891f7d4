package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileStore keeps all namespaces in one JSON document. Every operation re-reads
// the file so that writes made by another process are observed.
type FileStore struct {
	Path string

	mu       sync.Mutex
	lastHash string
}

type fileStoreDocument struct {
	Namespaces map[string]map[string]string `json:"namespaces"`
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileStore{Path: filepath.Clean(path)}, nil
}

func (s *FileStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	if err := validateKey(namespace, key); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return "", false, err
	}
	value, ok := doc.Namespaces[namespace][key]
	return value, ok, nil
}

func (s *FileStore) Set(ctx context.Context, namespace, key, value string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	return s.update(func(doc *fileStoreDocument) {
		bucket, ok := doc.Namespaces[namespace]
		if !ok {
			bucket = map[string]string{}
			doc.Namespaces[namespace] = bucket
		}
		bucket[key] = value
	})
}

func (s *FileStore) Delete(ctx context.Context, namespace, key string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	return s.update(func(doc *fileStoreDocument) {
		delete(doc.Namespaces[namespace], key)
	})
}

func (s *FileStore) Clear(ctx context.Context, namespace string) error {
	if strings.TrimSpace(namespace) == "" {
		return ErrInvalidInput
	}
	return s.update(func(doc *fileStoreDocument) {
		delete(doc.Namespaces, namespace)
	})
}

func (s *FileStore) Close() error {
	return nil
}

// Watch blocks until ctx is done, calling onChange whenever the file is
// rewritten by someone other than this FileStore.
func (s *FileStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// Writes replace the file by rename, so the directory is watched rather
	// than the file itself.
	if err := watcher.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(s.Path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if s.isOwnWrite() {
				continue
			}
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", s.Path, err)
		}
	}
}

func (s *FileStore) isOwnWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return false
	}
	return s.lastHash != "" && hashBytes(data) == s.lastHash
}

func (s *FileStore) update(mutate func(doc *fileStoreDocument)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	mutate(doc)
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.commitLocked(data)
}

func (s *FileStore) readLocked() (*fileStoreDocument, error) {
	doc := &fileStoreDocument{Namespaces: map[string]map[string]string{}}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decode store %s: %w", s.Path, err)
	}
	if doc.Namespaces == nil {
		doc.Namespaces = map[string]map[string]string{}
	}
	return doc, nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// commitLocked replaces the store file in one rename. The document is synced
// to disk first so the extension process never reads a partial inbox.
func (s *FileStore) commitLocked(data []byte) error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".*")
	if err != nil {
		return fmt.Errorf("stage store %s: %w", s.Path, err)
	}
	staged := tmp.Name()
	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Chmod(0o644)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(staged, s.Path)
	}
	if err != nil {
		_ = os.Remove(staged)
		return fmt.Errorf("commit store %s: %w", s.Path, err)
	}
	s.lastHash = hashBytes(data)
	return nil
}
