package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps all entries in a single JSON document readable only by the
// current user.
type FileStore struct {
	path string
	mu   sync.Mutex
}

type fileDocument struct {
	Entries map[string]*entry `json:"entries"`
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (fs *FileStore) Get(ctx context.Context, key string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	doc, err := fs.load()
	if err != nil {
		return "", err
	}
	item, ok := doc.Entries[key]
	if !ok || item.expired(time.Now()) {
		return "", ErrNotFound
	}
	return item.Value, nil
}

func (fs *FileStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	doc, err := fs.load()
	if err != nil {
		return err
	}
	doc.Entries[key] = newEntry(value, ttl)
	return fs.save(doc)
}

func (fs *FileStore) Remove(ctx context.Context, key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	doc, err := fs.load()
	if err != nil {
		return err
	}
	if _, ok := doc.Entries[key]; !ok {
		return nil
	}
	delete(doc.Entries, key)
	return fs.save(doc)
}

func (fs *FileStore) Close() error {
	return nil
}

func (fs *FileStore) load() (*fileDocument, error) {
	doc := &fileDocument{Entries: map[string]*entry{}}

	content, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(content, doc); err != nil {
		return nil, fmt.Errorf("failed to parse storage file: %w", err)
	}
	if doc.Entries == nil {
		doc.Entries = map[string]*entry{}
	}

	now := time.Now()
	for key, item := range doc.Entries {
		if item == nil || item.expired(now) {
			delete(doc.Entries, key)
		}
	}
	return doc, nil
}

func (fs *FileStore) save(doc *fileDocument) error {
	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal storage file: %w", err)
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, fs.path)
}
