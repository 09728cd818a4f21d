// Package index maintains the authoritative mapping from item ids to item
// descriptors and per-device placement status.
package index

import (
	"github.com/pkg/errors"

	"github.com/caravel-store/caravel/internal/item"
)

// Sentinel errors for lookup and creation.
var (
	ErrNotFound = errors.New("item not found")
	ErrExists   = errors.New("item already exists")
)

// Index is the id-to-item mapping the store treats as the source of truth.
// Create persists before returning; Flush makes any status mutations
// durable.
type Index interface {
	Get(id string) (*item.Item, error)
	Create(id string, metadata map[string]any) (*item.Item, error)
	Items() []*item.Item
	Remove(id string) error
	Flush() error
	Close() error
}
