package item

import (
	"encoding/hex"
	"io"
	"net/http"
	"sync"
)

// Status records the outcome of a device operation for one device. Codes
// follow HTTP conventions: 200 for success, 500 for failure.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// OK reports whether the status records a successful operation.
func (s Status) OK() bool { return s.Code == http.StatusOK }

// Item is an addressable unit of content plus metadata. The id and metadata
// are frozen at creation; Status and the Deleted flag are the mutable fields.
// Status maps device ids to the outcome of the last operation attempted
// there. A device with no entry was never attempted.
//
// Source yields a fresh sequential read of the content on every call. It is
// attached by whichever component currently knows where the bytes live (the
// ingest spool, a device, a peer fetch) and is never serialized.
type Item struct {
	ID       string            `json:"id"`
	Metadata map[string]any    `json:"metadata"`
	Status   map[string]Status `json:"status"`
	Deleted  bool              `json:"deleted,omitempty"`

	Source func() (io.ReadCloser, error) `json:"-"`

	mu sync.Mutex
}

// New creates an item with the given id and metadata and an empty status map.
func New(id string, metadata map[string]any) *Item {
	return &Item{
		ID:       id,
		Metadata: metadata,
		Status:   make(map[string]Status),
	}
}

// Compose builds an item id from a content digest and an optional namespace.
// The namespace is appended verbatim, never hashed: the same namespace under
// different content hashes is a distinct item.
func Compose(digest []byte, namespace string) string {
	id := hex.EncodeToString(digest)
	if namespace != "" {
		id += "_" + namespace
	}
	return id
}

// Qualify appends the namespace suffix to an already-hex id.
func Qualify(id, namespace string) string {
	if namespace != "" {
		return id + "_" + namespace
	}
	return id
}

// MarkOK records a successful device operation. Safe for concurrent use
// across the per-device fan-out of a single save.
func (it *Item) MarkOK(deviceID string) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.Status == nil {
		it.Status = make(map[string]Status)
	}
	it.Status[deviceID] = Status{Code: http.StatusOK}
}

// MarkFailed records a failed device operation with the error's message.
func (it *Item) MarkFailed(deviceID string, err error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.Status == nil {
		it.Status = make(map[string]Status)
	}
	it.Status[deviceID] = Status{Code: http.StatusInternalServerError, Message: err.Error()}
}

// StatusOf returns the recorded status for a device and whether the device
// was ever attempted.
func (it *Item) StatusOf(deviceID string) (Status, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	s, ok := it.Status[deviceID]
	return s, ok
}

// Failures counts devices whose last attempt did not succeed.
func (it *Item) Failures() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	n := 0
	for _, s := range it.Status {
		if !s.OK() {
			n++
		}
	}
	return n
}

// Missing reports whether the item has been attempted somewhere and no
// device holds a good copy. An item with no status entries was never
// attempted and is not considered missing.
func (it *Item) Missing() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if len(it.Status) == 0 {
		return false
	}
	for _, s := range it.Status {
		if s.OK() {
			return false
		}
	}
	return true
}
