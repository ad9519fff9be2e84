package kvstore

import "sync"

// MemoryStore is an in-process shared store. Multiple clients obtained via
// NewClient share the same data; each client's watchers see only mutations
// performed through *other* clients, matching browser storage-event
// semantics.
//
// The zero value is not usable; call NewMemoryStore.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]string
	watchers map[*MemoryClient]map[int]WatchFunc
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string]string),
		watchers: make(map[*MemoryClient]map[int]WatchFunc),
	}
}

// NewClient returns a new client handle onto the shared store.
func (s *MemoryStore) NewClient() *MemoryClient {
	c := &MemoryClient{store: s}
	s.mu.Lock()
	s.watchers[c] = make(map[int]WatchFunc)
	s.mu.Unlock()
	return c
}

// notify invokes all watchers except those registered by origin.
// Callbacks run synchronously; tests rely on that determinism.
func (s *MemoryStore) notify(origin *MemoryClient, ch Change) {
	s.mu.RLock()
	var fns []WatchFunc
	for client, m := range s.watchers {
		if client == origin {
			continue
		}
		for _, fn := range m {
			fns = append(fns, fn)
		}
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(ch)
	}
}

// MemoryClient is one client's handle onto a MemoryStore.
type MemoryClient struct {
	store *MemoryStore

	mu      sync.Mutex
	nextID  int
	closed  bool
}

// Get returns the value for key.
func (c *MemoryClient) Get(key string) (string, bool, error) {
	if err := c.check(); err != nil {
		return "", false, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	v, ok := c.store.data[key]
	return v, ok, nil
}

// Set stores value under key and notifies sibling clients.
func (c *MemoryClient) Set(key, value string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.store.mu.Lock()
	c.store.data[key] = value
	c.store.mu.Unlock()

	c.store.notify(c, Change{Key: key, Value: value})
	return nil
}

// Delete removes key and notifies sibling clients.
func (c *MemoryClient) Delete(key string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.store.mu.Lock()
	_, existed := c.store.data[key]
	delete(c.store.data, key)
	c.store.mu.Unlock()

	if existed {
		c.store.notify(c, Change{Key: key, Deleted: true})
	}
	return nil
}

// Watch registers fn for changes made by sibling clients.
func (c *MemoryClient) Watch(fn WatchFunc) (stop func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.mu.Unlock()

	c.store.mu.Lock()
	if m, ok := c.store.watchers[c]; ok {
		m[id] = fn
	}
	c.store.mu.Unlock()

	return func() {
		c.store.mu.Lock()
		if m, ok := c.store.watchers[c]; ok {
			delete(m, id)
		}
		c.store.mu.Unlock()
	}
}

// Close detaches the client from the store.
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.store.mu.Lock()
	delete(c.store.watchers, c)
	c.store.mu.Unlock()
	return nil
}

func (c *MemoryClient) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Compile-time interface satisfaction check.
var _ Store = (*MemoryClient)(nil)
