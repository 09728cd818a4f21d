package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func TestLocalCreateGet(t *testing.T) {
	idx, err := OpenLocal(t.TempDir())
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}

	it, err := idx.Create("id1", map[string]any{"name": "t"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if it.ID != "id1" {
		t.Fatalf("item id = %q, want id1", it.ID)
	}

	got, err := idx.Get("id1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Metadata["name"] != "t" {
		t.Fatalf("metadata = %+v", got.Metadata)
	}
}

func TestLocalGetNotFound(t *testing.T) {
	idx, err := OpenLocal(t.TempDir())
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	_, err = idx.Get("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestLocalCreateCollision(t *testing.T) {
	idx, err := OpenLocal(t.TempDir())
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	if _, err := idx.Create("id1", nil); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err = idx.Create("id1", nil)
	if !errors.Is(err, ErrExists) {
		t.Fatalf("second Create = %v, want ErrExists", err)
	}
}

func TestLocalCreateIsDurable(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenLocal(dir)
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	if _, err := idx.Create("id1", map[string]any{"name": "t"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The index file exists before Create returns.
	if _, err := os.Stat(filepath.Join(dir, "index.json")); err != nil {
		t.Fatalf("index.json not written: %v", err)
	}

	// A fresh index over the same directory sees the item.
	idx2, err := OpenLocal(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := idx2.Get("id1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Metadata["name"] != "t" {
		t.Fatalf("metadata after reopen = %+v", got.Metadata)
	}
}

func TestLocalFlushPersistsStatus(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenLocal(dir)
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	it, err := idx.Create("id1", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	it.MarkOK("dev-a")
	if err := idx.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	idx2, err := OpenLocal(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := idx2.Get("id1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st, ok := got.StatusOf("dev-a"); !ok || !st.OK() {
		t.Fatalf("status after reopen = %+v", got.Status)
	}
}

func TestLocalRemove(t *testing.T) {
	idx, err := OpenLocal(t.TempDir())
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	if _, err := idx.Create("id1", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := idx.Remove("id1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := idx.Get("id1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get removed = %v, want ErrNotFound", err)
	}
}
