package device

import (
	"bytes"
	"crypto/sha256"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/hlubek/readercomp"

	"github.com/caravel-store/caravel/internal/index"
	"github.com/caravel-store/caravel/internal/item"
	"github.com/caravel-store/caravel/internal/swarm"
	"github.com/caravel-store/caravel/internal/transport"
)

// testPeer bundles one in-process peer: roster, messenger, network index,
// and a network device over a local device.
type testPeer struct {
	sw    *swarm.Swarm
	msgr  *transport.Messenger
	loc   *index.Local
	nidx  *index.Network
	local *Local
	ndev  *Network
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	dir := t.TempDir()

	sw, err := swarm.Open(dir)
	if err != nil {
		t.Fatalf("swarm.Open: %v", err)
	}

	self := sw.LocalNode()
	self.Address = "127.0.0.1"
	self.Port = 0
	msgr, err := transport.NewMessenger(self, transport.Config{
		BroadcastTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewMessenger: %v", err)
	}
	t.Cleanup(func() { msgr.Close() })

	loc, err := index.OpenLocal(dir)
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	nidx, err := index.OpenNetwork(loc, sw, msgr, nil)
	if err != nil {
		t.Fatalf("OpenNetwork: %v", err)
	}

	local := NewLocal("p2p", filepath.Join(dir, "p2p"))
	ndev, err := NewNetwork(local, nidx, msgr, nil)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	t.Cleanup(func() { ndev.Close() })

	return &testPeer{sw: sw, msgr: msgr, loc: loc, nidx: nidx, local: local, ndev: ndev}
}

func connectPeers(t *testing.T, a, b *testPeer) {
	t.Helper()
	if err := a.nidx.Join(b.msgr.LocalPeer()); err != nil {
		t.Fatalf("a join b: %v", err)
	}
	if err := b.nidx.Join(a.msgr.LocalPeer()); err != nil {
		t.Fatalf("b join a: %v", err)
	}
}

// seed stores content on the peer's local device and indexes it.
func (p *testPeer) seed(t *testing.T, content []byte) *item.Item {
	t.Helper()
	digest := sha256.Sum256(content)
	id := item.Compose(digest[:], "")
	it, err := p.nidx.Create(id, map[string]any{"name": "seed"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	it.Source = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(content)), nil
	}
	if err := p.local.Put(it); err != nil {
		t.Fatalf("local Put: %v", err)
	}
	return it
}

func TestNetworkGetServesLocalCopy(t *testing.T) {
	p := newTestPeer(t)
	content := []byte("locally held bytes")
	seeded := p.seed(t, content)

	it := item.New(seeded.ID, nil)
	if err := p.ndev.Get(it); err != nil {
		t.Fatalf("Get: %v", err)
	}
	src, err := it.Source()
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	defer src.Close()
	same, err := readercomp.Equal(bytes.NewReader(content), src, 4096)
	if err != nil || !same {
		t.Fatalf("bytes differ (err=%v)", err)
	}
}

func TestNetworkGetFetchesFromPeer(t *testing.T) {
	a := newTestPeer(t)
	b := newTestPeer(t)
	connectPeers(t, a, b)

	content := []byte("content held only by peer a")
	seeded := a.seed(t, content)

	// b has no local copy.
	it := item.New(seeded.ID, seeded.Metadata)
	if ok, _ := b.local.Exists(it); ok {
		t.Fatal("precondition: b must not hold the item")
	}

	if err := b.ndev.Get(it); err != nil {
		t.Fatalf("b.Get: %v", err)
	}
	src, err := it.Source()
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	defer src.Close()
	same, err := readercomp.Equal(bytes.NewReader(content), src, 4096)
	if err != nil || !same {
		t.Fatalf("fetched bytes differ (err=%v)", err)
	}

	// The fetch spooled the bytes into b's local device: future reads are
	// local hits.
	ok, err := b.local.Exists(it)
	if err != nil || !ok {
		t.Fatalf("item not cached locally after peer fetch (ok=%v err=%v)", ok, err)
	}
	if st, attempted := it.StatusOf("p2p"); !attempted || !st.OK() {
		t.Fatalf("status after fetch = %+v", it.Status)
	}
}

func TestNetworkGetFailsWhenNoPeerHoldsItem(t *testing.T) {
	a := newTestPeer(t)
	b := newTestPeer(t)
	connectPeers(t, a, b)

	it := item.New("feedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedface", nil)
	if err := b.ndev.Get(it); err == nil {
		t.Fatal("expected Get to fail when nobody holds the item")
	}
}

func TestNetworkExistsConsultsIndex(t *testing.T) {
	a := newTestPeer(t)
	b := newTestPeer(t)
	connectPeers(t, a, b)

	content := []byte("indexed on a only")
	seeded := a.seed(t, content)

	// b's network device reports existence from the distributed index even
	// though no local copy is present: the bytes can arrive on demand.
	it := item.New(seeded.ID, nil)
	ok, err := b.ndev.Exists(it)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatal("Exists = false for an item the swarm knows about")
	}

	unknown := item.New("deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef", nil)
	ok, err = b.ndev.Exists(unknown)
	if err != nil {
		t.Fatalf("Exists unknown: %v", err)
	}
	if ok {
		t.Fatal("Exists = true for an unknown item")
	}
}

func TestNetworkPutDelegatesToLocal(t *testing.T) {
	p := newTestPeer(t)
	content := []byte("written through the network device")
	digest := sha256.Sum256(content)

	it := item.New(item.Compose(digest[:], ""), nil)
	it.Source = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(content)), nil
	}
	if err := p.ndev.Put(it); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := p.local.Exists(it)
	if err != nil || !ok {
		t.Fatalf("local Exists after Put = %v, %v", ok, err)
	}
}
