// Package device implements storage backends with put/get/exists/ping
// capability. The store fans items out to a fixed set of devices; a device
// records the outcome of each attempt in the item's status.
package device

import (
	"github.com/pkg/errors"

	"github.com/caravel-store/caravel/internal/item"
)

// ErrNotStored is returned by Get when a device does not hold the item.
var ErrNotStored = errors.New("item not stored on device")

// Device is a storage backend. Put streams the item's bytes in; Get swaps
// the item's source for one reading the stored copy; Remove is best-effort
// physical deletion.
type Device interface {
	ID() string
	Put(it *item.Item) error
	Get(it *item.Item) error
	Exists(it *item.Item) (bool, error)
	Ping() bool
	Remove(it *item.Item) error
}
