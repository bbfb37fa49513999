package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// FileStorage persists items as a JSON object on disk. Writes from another
// process are picked up through fsnotify and reported to change listeners.
type FileStorage struct {
	path  string
	mu    sync.RWMutex
	items map[string]string
	// flushed is the last document this process wrote.
	flushed []byte

	watcher   *fsnotify.Watcher
	listeners listeners[[]string]
	done      chan struct{}
	closeOnce sync.Once
}

var _ IStorage = (*FileStorage)(nil)

// OpenFileStorage loads path, creating no file until the first write.
func OpenFileStorage(path string) (*FileStorage, error) {
	if path == "" {
		return nil, errors.New("no storage path set")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	fs := &FileStorage{path: abs, items: map[string]string{}, done: make(chan struct{})}
	items, err := fs.read()
	if err != nil {
		return nil, err
	}
	fs.items = items
	return fs, nil
}

func (f *FileStorage) read() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read storage file: %w", err)
	}
	return f.parse(raw)
}

func (f *FileStorage) parse(raw []byte) (map[string]string, error) {
	items := map[string]string{}
	if len(raw) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("parse storage file %s: %w", f.path, err)
	}
	return items, nil
}

// flush must be called with f.mu held.
func (f *FileStorage) flush() error {
	raw, err := json.MarshalIndent(f.items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write storage: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace storage file: %w", err)
	}
	f.flushed = raw
	return nil
}

func (f *FileStorage) GetItem(key string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.items[key]
	return v, ok, nil
}

func (f *FileStorage) SetItem(key string, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[key] = value
	return f.flush()
}

func (f *FileStorage) RemoveItem(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[key]; !ok {
		return nil
	}
	delete(f.items, key)
	return f.flush()
}

func (f *FileStorage) Keys() ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := make([]string, 0, len(f.items))
	for k := range f.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// OnChange registers fn for external modifications. The returned func
// unregisters it.
func (f *FileStorage) OnChange(fn ChangeListener) func() {
	return f.listeners.add(fn)
}

// Watch starts reloading the file when it changes on disk. The directory is
// watched because writes replace the file through a rename.
func (f *FileStorage) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("create storage dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	f.watcher = watcher

	go func() {
		for {
			select {
			case <-f.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != f.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				f.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("storage watcher: %v", err)
			}
		}
	}()
	return nil
}

// reload holds the write lock from read to swap so a concurrent SetItem
// cannot be rolled back by an older file.
func (f *FileStorage) reload() {
	f.mu.Lock()
	raw, err := os.ReadFile(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		f.mu.Unlock()
		log.Debugf("storage reload skipped: %v", err)
		return
	}
	if err == nil && (len(raw) == 0 || bytes.Equal(raw, f.flushed)) {
		// our own write, or truncated by a writer that has not finished yet
		f.mu.Unlock()
		return
	}
	items, err := f.parse(raw)
	if err != nil {
		f.mu.Unlock()
		// partially written by another process, the next event retries
		log.Debugf("storage reload skipped: %v", err)
		return
	}
	changed := diffKeys(f.items, items)
	f.items = items
	f.mu.Unlock()

	if len(changed) > 0 {
		log.Debugf("storage file changed externally: %v", changed)
		f.listeners.notify(changed)
	}
}

// Close stops watching.
func (f *FileStorage) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		if f.watcher != nil {
			err = f.watcher.Close()
		}
	})
	return err
}

func diffKeys(old, updated map[string]string) []string {
	var keys []string
	for k, v := range updated {
		if prev, ok := old[k]; !ok || prev != v {
			keys = append(keys, k)
		}
	}
	for k := range old {
		if _, ok := updated[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
