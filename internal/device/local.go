package device

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/caravel-store/caravel/internal/item"
)

// Local is a content-addressed filesystem device. Items live at
// <baseDir>/<id[0:2]>/<id[2:6]>/<id[4:10]>/<id>; directories are created on
// demand. For ids shorter than ten characters the segments are cut at the
// end of the id.
type Local struct {
	id      string
	baseDir string
}

// NewLocal creates a device rooted at baseDir. Multiple local devices are
// distinguished by base directory; the id is what item statuses are keyed
// by.
func NewLocal(id, baseDir string) *Local {
	return &Local{id: id, baseDir: baseDir}
}

// ID returns the device id.
func (d *Local) ID() string { return d.id }

// path returns the content-addressed location for an item id.
func (d *Local) path(id string) string {
	seg := func(lo, hi int) string {
		if lo > len(id) {
			lo = len(id)
		}
		if hi > len(id) {
			hi = len(id)
		}
		return id[lo:hi]
	}
	return filepath.Join(d.baseDir, seg(0, 2), seg(2, 6), seg(4, 10), id)
}

// Put streams the item's bytes into the device and records the outcome in
// the item's status: 200 on success, 500 with the error message on any
// failure. Failed writes are not retried.
func (d *Local) Put(it *item.Item) error {
	if it.Source == nil {
		err := errors.New("item has no source")
		it.MarkFailed(d.id, err)
		return err
	}
	src, err := it.Source()
	if err != nil {
		it.MarkFailed(d.id, err)
		return errors.Wrapf(err, "open source for %s", it.ID)
	}
	defer src.Close()

	if err := d.store(it.ID, src); err != nil {
		it.MarkFailed(d.id, err)
		return errors.Wrapf(err, "store %s", it.ID)
	}
	it.MarkOK(d.id)
	return nil
}

// store writes a byte stream to the item's content-addressed path. Partial
// files are removed on error.
func (d *Local) store(id string, src io.Reader) error {
	target := d.path(id)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(target)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(target)
		return err
	}
	return nil
}

// Ingest stores bytes arriving from outside the item's own source (a peer
// fetch) and marks the device good for the item.
func (d *Local) Ingest(it *item.Item, src io.Reader) error {
	if err := d.store(it.ID, src); err != nil {
		it.MarkFailed(d.id, err)
		return errors.Wrapf(err, "ingest %s", it.ID)
	}
	it.MarkOK(d.id)
	return nil
}

// Get substitutes the item's source with one reading the stored file.
func (d *Local) Get(it *item.Item) error {
	target := d.path(it.ID)
	if _, err := os.Stat(target); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(ErrNotStored, it.ID)
		}
		return errors.Wrapf(err, "stat %s", it.ID)
	}
	it.Source = func() (io.ReadCloser, error) {
		return os.Open(target)
	}
	return nil
}

// Open returns a fresh reader over the stored bytes for an item id.
func (d *Local) Open(id string) (io.ReadCloser, error) {
	f, err := os.Open(d.path(id))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotStored, id)
	}
	return f, err
}

// Exists reports whether the item's content file is present.
func (d *Local) Exists(it *item.Item) (bool, error) {
	_, err := os.Stat(d.path(it.ID))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Ping always succeeds for a local device.
func (d *Local) Ping() bool { return true }

// Remove unlinks the stored file. A missing file is not an error.
func (d *Local) Remove(it *item.Item) error {
	err := os.Remove(d.path(it.ID))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", it.ID)
	}
	return nil
}
