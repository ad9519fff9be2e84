package kvstore

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// fileExt is the extension for value files inside the store directory.
const fileExt = ".kv"

// FileStore is a Store backed by one file per key inside a directory.
// Client instances running as separate processes share the directory;
// change notification uses fsnotify.
//
// Own-change suppression is best effort: an observed value identical to
// this process's last write for the same key is treated as an echo of
// that write and not delivered to watchers, and the removal event for a
// key this process just deleted is likewise swallowed.
type FileStore struct {
	dir     string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	nextID   int
	watchers map[int]WatchFunc

	// lastWritten tracks this process's most recent write per key,
	// lastDeleted the keys it removed whose fsnotify echo is still
	// pending. Both exist for own-change suppression.
	lastWritten map[string]string
	lastDeleted map[string]bool

	closed bool
	done   chan struct{}
}

// NewFileStore opens (creating if needed) a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch store directory: %w", err)
	}

	s := &FileStore{
		dir:         dir,
		watcher:     watcher,
		watchers:    make(map[int]WatchFunc),
		lastWritten: make(map[string]string),
		lastDeleted: make(map[string]bool),
		done:        make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// path maps a key to its file path. Keys are escaped so separators and
// other unsafe characters cannot leave the store directory.
func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, url.QueryEscape(key)+fileExt)
}

// keyFor reverses path for fsnotify events. Returns false for files that
// do not belong to the store.
func (s *FileStore) keyFor(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, fileExt) {
		return "", false
	}
	key, err := url.QueryUnescape(strings.TrimSuffix(base, fileExt))
	if err != nil {
		return "", false
	}
	return key, true
}

// Get returns the value for key.
func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", false, ErrClosed
	}

	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// Set stores value under key. The write is atomic (temp file + rename) so
// sibling processes never observe a partial value.
func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.lastWritten[key] = value
	s.mu.Unlock()

	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Delete removes key.
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	delete(s.lastWritten, key)
	s.lastDeleted[key] = true
	s.mu.Unlock()

	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		// Nothing was removed, so no event will arrive to consume the
		// marker; drop it or it would swallow a real sibling delete.
		s.mu.Lock()
		delete(s.lastDeleted, key)
		s.mu.Unlock()
		return nil
	}
	return err
}

// Watch registers fn for changes made by sibling processes.
func (s *FileStore) Watch(fn WatchFunc) (stop func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// Close stops the watcher goroutine and releases the fsnotify watcher.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.watcher.Close()
	<-s.done
	return err
}

// run consumes fsnotify events and dispatches changes to watchers.
func (s *FileStore) run() {
	defer close(s.done)

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are transient (e.g. overflow); values are
			// re-read on the next event, so nothing to do here.
		}
	}
}

func (s *FileStore) handleEvent(event fsnotify.Event) {
	key, ok := s.keyFor(event.Name)
	if !ok {
		return
	}

	var ch Change
	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) && !fileExists(event.Name):
		ch = Change{Key: key, Deleted: true}
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename):
		data, err := os.ReadFile(event.Name)
		if err != nil {
			return
		}
		ch = Change{Key: key, Value: string(data)}
	default:
		return
	}

	s.mu.Lock()
	if ch.Deleted {
		if s.lastDeleted[key] {
			// Echo of our own delete.
			delete(s.lastDeleted, key)
			s.mu.Unlock()
			return
		}
	} else {
		if last, ok := s.lastWritten[key]; ok && last == ch.Value {
			// Echo of our own write.
			s.mu.Unlock()
			return
		}
	}
	fns := make([]WatchFunc, 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Compile-time interface satisfaction check.
var _ Store = (*FileStore)(nil)
