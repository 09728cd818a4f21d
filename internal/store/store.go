// Package store implements the replication core: ingest with
// hash-while-streaming, fan-out to a fixed set of devices, per-item
// placement status, and the reconciling sync process.
package store

import (
	"crypto/sha256"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/caravel-store/caravel/internal/device"
	"github.com/caravel-store/caravel/internal/index"
	"github.com/caravel-store/caravel/internal/item"
)

// Sentinel errors surfaced to callers.
var (
	// ErrPartialReplication accompanies an item that was indexed but not
	// accepted by every device.
	ErrPartialReplication = errors.New("item could not be sent to some devices")
	// ErrNoDevice is returned when no reachable device holds the item.
	ErrNoDevice = errors.New("no available device")
	// ErrNoSource is returned by sync when no healthy device can supply
	// the item's bytes for re-replication.
	ErrNoSource = errors.New("no healthy device holds the item")
)

// ErrorHandler receives failure notifications out of band. op is one of
// "save", "get", "delete", "sync". Notification-only: the handler's return
// is ignored and it must not panic.
type ErrorHandler func(err error, id, namespace, op string)

// Config wires a DataStore. Zero values get defaults.
type Config struct {
	Index   index.Index
	Devices []device.Device
	// TempDir holds per-save spool files (default os.TempDir()).
	TempDir string
	OnError ErrorHandler
}

// DataStore replicates content-addressed items across a fixed device set.
// The index is the source of truth: an item is indexed even when every
// device rejected it, so a later sync can re-attempt placement.
type DataStore struct {
	index   index.Index
	devices []device.Device
	tempDir string
	errh    ErrorHandler
}

// New creates a DataStore from the config.
func New(cfg Config) *DataStore {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &DataStore{
		index:   cfg.Index,
		devices: cfg.Devices,
		tempDir: cfg.TempDir,
		errh:    cfg.OnError,
	}
}

func (s *DataStore) report(err error, id, namespace, op string) {
	if s.errh != nil {
		s.errh(err, id, namespace, op)
	}
}

// Save ingests a byte stream: the bytes are hashed while spooling to a
// temporary file, the item is created in the index under
// hex(SHA-256) plus the optional "_"+namespace suffix, and the spool is fanned out to every device in
// parallel. The spool is removed on every exit path. Index errors abort
// the save; device failures are absorbed into the item's status and
// surfaced once as ErrPartialReplication alongside the indexed item.
func (s *DataStore) Save(r io.Reader, namespace string, metadata map[string]any) (*item.Item, error) {
	spool, err := os.CreateTemp(s.tempDir, "spool-")
	if err != nil {
		return nil, errors.Wrap(err, "create spool")
	}
	spoolPath := spool.Name()
	defer os.Remove(spoolPath)

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(hasher, spool), r); err != nil {
		spool.Close()
		return nil, errors.Wrap(err, "spool stream")
	}
	if err := spool.Close(); err != nil {
		return nil, errors.Wrap(err, "close spool")
	}

	id := item.Compose(hasher.Sum(nil), namespace)
	it, err := s.index.Create(id, metadata)
	if err != nil {
		return nil, err
	}
	it.Source = func() (io.ReadCloser, error) {
		return os.Open(spoolPath)
	}

	var wg sync.WaitGroup
	for _, d := range s.devices {
		wg.Add(1)
		go func(d device.Device) {
			defer wg.Done()
			if err := d.Put(it); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"item":   id,
					"device": d.ID(),
				}).Debug("store: device put")
			}
		}(d)
	}
	wg.Wait()

	if err := s.index.Flush(); err != nil {
		logrus.WithError(err).WithField("item", id).Warn("store: persist statuses")
	}

	if it.Failures() > 0 {
		s.report(ErrPartialReplication, id, namespace, "save")
		return it, ErrPartialReplication
	}
	return it, nil
}

// Get fetches the item and attaches a byte source from the first device
// that is reachable and holds a copy.
func (s *DataStore) Get(id, namespace string) (*item.Item, error) {
	full := item.Qualify(id, namespace)
	it, err := s.index.Get(full)
	if err != nil {
		return nil, err
	}
	if it.Deleted {
		return nil, errors.Wrap(index.ErrNotFound, full)
	}

	for _, d := range s.devices {
		if !d.Ping() {
			continue
		}
		ok, err := d.Exists(it)
		if err != nil || !ok {
			continue
		}
		if err := d.Get(it); err != nil {
			s.report(err, full, namespace, "get")
			continue
		}
		return it, nil
	}

	s.report(ErrNoDevice, full, namespace, "get")
	return nil, errors.Wrap(ErrNoDevice, full)
}

// Delete removes the physical item from every device best-effort, then
// marks the index entry deleted. The entry itself survives until purge.
func (s *DataStore) Delete(id, namespace string) error {
	full := item.Qualify(id, namespace)
	it, err := s.index.Get(full)
	if err != nil {
		return err
	}
	for _, d := range s.devices {
		if err := d.Remove(it); err != nil {
			s.report(err, full, namespace, "delete")
		}
	}
	it.Deleted = true
	return s.index.Flush()
}

// Sync re-replicates items whose status is non-200 on any device. With a
// non-empty id only that item is reconciled; otherwise the whole index is
// walked. Per-item errors are swallowed and reported through the error
// handler.
func (s *DataStore) Sync(id string) error {
	if id != "" {
		it, err := s.index.Get(id)
		if err != nil {
			return err
		}
		s.syncItem(it)
		return s.index.Flush()
	}

	for _, it := range s.index.Items() {
		s.syncItem(it)
	}
	return s.index.Flush()
}

// syncItem re-attempts placement on every device whose last attempt
// failed. Returns whether a re-attempt happened.
func (s *DataStore) syncItem(it *item.Item) bool {
	if it.Deleted || it.ID == index.NetworkMapID {
		return false
	}

	var failing []device.Device
	for _, d := range s.devices {
		if st, attempted := it.StatusOf(d.ID()); attempted && !st.OK() {
			failing = append(failing, d)
		}
	}
	if len(failing) == 0 {
		return false
	}

	if err := s.restoreSource(it); err != nil {
		s.report(err, it.ID, "", "sync")
		return false
	}

	for _, d := range failing {
		if err := d.Put(it); err != nil {
			s.report(err, it.ID, "", "sync")
		}
	}
	return true
}

// restoreSource attaches a byte source from a healthy device so a failed
// device can be re-fed.
func (s *DataStore) restoreSource(it *item.Item) error {
	for _, d := range s.devices {
		if !d.Ping() {
			continue
		}
		ok, err := d.Exists(it)
		if err != nil || !ok {
			continue
		}
		if err := d.Get(it); err == nil {
			return nil
		}
	}
	return errors.Wrap(ErrNoSource, it.ID)
}

// Purge drops index entries that are marked deleted or whose placement has
// fully failed.
func (s *DataStore) Purge() error {
	for _, it := range s.index.Items() {
		if it.Deleted || it.Missing() {
			if err := s.index.Remove(it.ID); err != nil {
				return err
			}
		}
	}
	return s.index.Flush()
}

// Close flushes the index.
func (s *DataStore) Close() error {
	return s.index.Flush()
}
