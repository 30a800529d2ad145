package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/killallgit/s24/pkg/logger"
)

// Durable is shared storage for the persisted session. Watch blocks until
// ctx is done, calling onChange whenever another writer may have changed
// the stored value.
type Durable interface {
	Load() (Persisted, error)
	Save(Persisted) error
	Clear() error
	Watch(ctx context.Context, onChange func()) error
}

// FileStore keeps the session in a JSON file. Writes are atomic and
// serialized across processes by a lock file.
type FileStore struct {
	path string
	log  *logger.ComponentLogger
}

// NewFileStore creates a store backed by path
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path: filepath.Clean(path),
		log:  logger.WithComponent("session.file"),
	}
}

// Path returns the backing file
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the session. A missing or corrupt file reads as no session.
func (f *FileStore) Load() (Persisted, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Persisted{}, nil
	}
	if err != nil {
		return Persisted{}, fmt.Errorf("failed to read session file: %w", err)
	}

	var p Persisted
	if err := json.Unmarshal(data, &p); err != nil {
		f.log.Warn("ignoring corrupt session file", "path", f.path, "error", err)
		return Persisted{}, nil
	}
	return p.Normalize(), nil
}

// Save writes p, or removes the file when p is not an active session
func (f *FileStore) Save(p Persisted) error {
	p = p.Normalize()
	if !p.IsActive {
		return f.Clear()
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	return withLock(f.path, func() error {
		return atomicWrite(f.path, data, 0600)
	})
}

// Clear removes the session file
func (f *FileStore) Clear() error {
	return withLock(f.path, func() error {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove session file: %w", err)
		}
		return nil
	})
}

// Watch follows the parent directory so that atomic renames and removals of
// the session file are both observed.
func (f *FileStore) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	f.log.Debug("watching session file", "path", f.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.log.Warn("watch error", "path", f.path, "error", err)
		}
	}
}

// MemoryStore is an in-process Durable for tests and single-process use
type MemoryStore struct {
	mu       sync.Mutex
	value    Persisted
	watchers map[int]chan struct{}
	next     int
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{watchers: make(map[int]chan struct{})}
}

func (m *MemoryStore) Load() (Persisted, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clonePersisted(m.value), nil
}

func (m *MemoryStore) Save(p Persisted) error {
	m.mu.Lock()
	m.value = clonePersisted(p.Normalize())
	m.mu.Unlock()
	m.broadcast()
	return nil
}

func (m *MemoryStore) Clear() error {
	return m.Save(Persisted{})
}

func (m *MemoryStore) Watch(ctx context.Context, onChange func()) error {
	ch := make(chan struct{}, 1)

	m.mu.Lock()
	id := m.next
	m.next++
	m.watchers[id] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			onChange()
		}
	}
}

func (m *MemoryStore) broadcast() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func clonePersisted(p Persisted) Persisted {
	out := Persisted{IsActive: p.IsActive, PreviewMessages: clonePreview(p.PreviewMessages)}
	if p.StartedAt != nil {
		t := *p.StartedAt
		out.StartedAt = &t
	}
	return out
}
