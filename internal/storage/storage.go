// Package storage persists JSON documents as files under a base directory.
// Keys are path segments; the last segment becomes "<name>.json".
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidKey = errors.New("invalid key")
)

// Item describes a stored document.
type Item struct {
	Key     string
	ModTime time.Time
	Size    int64
}

// Storage provides file-based JSON storage.
type Storage struct {
	basePath string
	mu       sync.Mutex
	locks    map[string]*FileLock
}

// New creates a new Storage instance rooted at basePath.
func New(basePath string) *Storage {
	return &Storage{
		basePath: basePath,
		locks:    make(map[string]*FileLock),
	}
}

// BasePath returns the storage root.
func (s *Storage) BasePath() string {
	return s.basePath
}

func (s *Storage) resolve(key []string, ext string) (string, error) {
	if len(key) == 0 {
		return "", ErrInvalidKey
	}
	for _, seg := range key {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, `/\`) {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, seg)
		}
	}
	return filepath.Join(append([]string{s.basePath}, key...)...) + ext, nil
}

// ReadRaw returns the stored bytes for key.
func (s *Storage) ReadRaw(ctx context.Context, key ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := s.resolve(key, ".json")
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// WriteRaw stores data under key. The write goes to a temp file that is
// renamed into place while holding the key's lock.
func (s *Storage) WriteRaw(ctx context.Context, data []byte, key ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	filePath, err := s.resolve(key, ".json")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	return s.lockFor(filePath).With(func() error {
		tmpPath := filePath + ".tmp"
		if err := os.WriteFile(tmpPath, data, 0644); err != nil {
			return fmt.Errorf("failed to write temp file: %w", err)
		}
		if err := os.Rename(tmpPath, filePath); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to rename file: %w", err)
		}
		return nil
	})
}

// Get decodes the document at key into v.
func (s *Storage) Get(ctx context.Context, v any, key ...string) error {
	data, err := s.ReadRaw(ctx, key...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", strings.Join(key, "/"), err)
	}
	return nil
}

// Put encodes v as indented JSON and stores it under key.
func (s *Storage) Put(ctx context.Context, v any, key ...string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return s.WriteRaw(ctx, data, key...)
}

// Delete removes the document at key. Deleting a missing key is not an error.
func (s *Storage) Delete(ctx context.Context, key ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	filePath, err := s.resolve(key, ".json")
	if err != nil {
		return err
	}

	return s.lockFor(filePath).With(func() error {
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete file: %w", err)
		}
		return nil
	})
}

// Exists reports whether a document is stored under key.
func (s *Storage) Exists(ctx context.Context, key ...string) bool {
	filePath, err := s.resolve(key, ".json")
	if err != nil {
		return false
	}
	_, err = os.Stat(filePath)
	return err == nil
}

// List returns the documents directly under prefix, most recently modified
// first. Sub-directories and non-JSON files are skipped.
func (s *Storage) List(ctx context.Context, prefix ...string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirPath := s.basePath
	if len(prefix) > 0 {
		p, err := s.resolve(prefix, "")
		if err != nil {
			return nil, err
		}
		dirPath = p
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Item{}, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	items := make([]Item, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		items = append(items, Item{
			Key:     strings.TrimSuffix(name, ".json"),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].ModTime.Equal(items[j].ModTime) {
			return items[i].Key < items[j].Key
		}
		return items[i].ModTime.After(items[j].ModTime)
	})
	return items, nil
}

// Scan calls fn for every document under prefix, in List order. Documents
// that disappear or cannot be read mid-scan are skipped.
func (s *Storage) Scan(ctx context.Context, fn func(key string, data json.RawMessage) error, prefix ...string) error {
	items, err := s.List(ctx, prefix...)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := s.ReadRaw(ctx, append(append([]string{}, prefix...), item.Key)...)
		if err != nil {
			continue
		}
		if err := fn(item.Key, json.RawMessage(data)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) lockFor(filePath string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[filePath]
	if !ok {
		lock = NewFileLock(filePath)
		s.locks[filePath] = lock
	}
	return lock
}
