package index

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"github.com/pkg/errors"

	"github.com/caravel-store/caravel/internal/item"
)

const indexFile = "index.json"

// Local is an in-memory id-to-item map mirrored to a single JSON file under
// the base directory. Every create persists the map before returning, so a
// fresh index opened on the same directory sees the item.
type Local struct {
	path string

	mu    sync.Mutex
	items map[string]*item.Item
}

// OpenLocal loads the index file under baseDir, creating the directory if
// needed. A missing index file yields an empty index.
func OpenLocal(baseDir string) (*Local, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create index dir")
	}
	idx := &Local{
		path:  filepath.Join(baseDir, indexFile),
		items: make(map[string]*item.Item),
	}

	data, err := os.ReadFile(idx.path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read index")
	}
	if err := json.Unmarshal(data, &idx.items); err != nil {
		return nil, errors.Wrap(err, "parse index")
	}
	return idx, nil
}

// Get returns the item for id or ErrNotFound.
func (l *Local) Get(id string) (*item.Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.items[id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	return it, nil
}

// Create inserts a new item and persists the map before returning. The
// metadata is adopted by reference and considered frozen; a second create
// with the same id is ErrExists.
func (l *Local) Create(id string, metadata map[string]any) (*item.Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.items[id]; ok {
		return nil, errors.Wrap(ErrExists, id)
	}
	it := item.New(id, metadata)
	l.items[id] = it
	if err := l.persist(); err != nil {
		delete(l.items, id)
		return nil, err
	}
	return it, nil
}

// Items returns a snapshot of every item in the index.
func (l *Local) Items() []*item.Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*item.Item, 0, len(l.items))
	for _, it := range l.items {
		out = append(out, it)
	}
	return out
}

// Remove drops an entry from the map. The caller flushes when done.
func (l *Local) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.items, id)
	return nil
}

// Flush persists the current map.
func (l *Local) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.persist()
}

// Close flushes the index.
func (l *Local) Close() error { return l.Flush() }

// persist writes the map atomically. Callers hold l.mu.
func (l *Local) persist() error {
	data, err := json.Marshal(l.items)
	if err != nil {
		return errors.Wrap(err, "marshal index")
	}
	if err := renameio.WriteFile(l.path, data, 0o644); err != nil {
		return errors.Wrap(err, "persist index")
	}
	return nil
}
