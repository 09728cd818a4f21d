package device

import (
	"bytes"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hlubek/readercomp"
	"github.com/pkg/errors"

	"github.com/caravel-store/caravel/internal/item"
)

// newTestItem builds an item whose id matches its content and whose source
// replays the content.
func newTestItem(t *testing.T, content []byte, namespace string) *item.Item {
	t.Helper()
	digest := sha256.Sum256(content)
	it := item.New(item.Compose(digest[:], namespace), map[string]any{"name": "t"})
	it.Source = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(content)), nil
	}
	return it
}

func TestLocalPutGetRoundtrip(t *testing.T) {
	d := NewLocal("dev-a", t.TempDir())
	content := []byte("some replicated bytes")
	it := newTestItem(t, content, "")

	if err := d.Put(it); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if st, ok := it.StatusOf("dev-a"); !ok || !st.OK() {
		t.Fatalf("status after Put = %+v", it.Status)
	}

	ok, err := d.Exists(it)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}

	// Get swaps the source for one reading the stored file.
	it.Source = nil
	if err := d.Get(it); err != nil {
		t.Fatalf("Get: %v", err)
	}
	src, err := it.Source()
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	defer src.Close()
	same, err := readercomp.Equal(bytes.NewReader(content), src, 4096)
	if err != nil {
		t.Fatalf("readercomp.Equal: %v", err)
	}
	if !same {
		t.Fatal("retrieved bytes differ from stored bytes")
	}
}

func TestLocalLayout(t *testing.T) {
	base := t.TempDir()
	d := NewLocal("dev-a", base)
	it := newTestItem(t, []byte{0x01, 0x02, 0x03, 0x04}, "")

	if err := d.Put(it); err != nil {
		t.Fatalf("Put: %v", err)
	}

	id := it.ID
	want := filepath.Join(base, id[0:2], id[2:6], id[4:10], id)
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("content not at %s: %v", want, err)
	}
}

func TestLocalPutFailureSetsStatus(t *testing.T) {
	d := NewLocal("dev-a", t.TempDir())
	it := item.New(strings.Repeat("ab", 32), nil)
	it.Source = func() (io.ReadCloser, error) {
		return nil, errors.New("source is gone")
	}

	if err := d.Put(it); err == nil {
		t.Fatal("expected Put to fail")
	}
	st, ok := it.StatusOf("dev-a")
	if !ok || st.Code != 500 {
		t.Fatalf("status = %+v, want 500", st)
	}
	if st.Message == "" {
		t.Fatal("failure status carries no message")
	}
}

func TestLocalPutStreamErrorRemovesPartialFile(t *testing.T) {
	base := t.TempDir()
	d := NewLocal("dev-a", base)
	it := item.New(strings.Repeat("cd", 32), nil)
	it.Source = func() (io.ReadCloser, error) {
		return io.NopCloser(io.MultiReader(
			strings.NewReader("partial"),
			failingReader{},
		)), nil
	}

	if err := d.Put(it); err == nil {
		t.Fatal("expected Put to fail")
	}
	ok, err := d.Exists(it)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatal("partial file left behind after failed Put")
	}
}

func TestLocalGetMissing(t *testing.T) {
	d := NewLocal("dev-a", t.TempDir())
	it := item.New(strings.Repeat("ef", 32), nil)
	if err := d.Get(it); !errors.Is(err, ErrNotStored) {
		t.Fatalf("Get missing = %v, want ErrNotStored", err)
	}
}

func TestLocalRemove(t *testing.T) {
	d := NewLocal("dev-a", t.TempDir())
	it := newTestItem(t, []byte("to be removed"), "")

	if err := d.Put(it); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.Remove(it); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ok, err := d.Exists(it)
	if err != nil || ok {
		t.Fatalf("Exists after Remove = %v, %v", ok, err)
	}

	// Removing again is not an error.
	if err := d.Remove(it); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestLocalPing(t *testing.T) {
	if !NewLocal("dev-a", t.TempDir()).Ping() {
		t.Fatal("local device ping must always succeed")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("stream interrupted")
}
