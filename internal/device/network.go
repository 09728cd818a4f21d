package device

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/caravel-store/caravel/internal/gateway"
	"github.com/caravel-store/caravel/internal/index"
	"github.com/caravel-store/caravel/internal/item"
	"github.com/caravel-store/caravel/internal/transport"
)

// Datagram namespace and types served by the network device.
const (
	Namespace = "p2p-device"
	TypeGet   = "nd:get"
)

type getResponse struct {
	Port int `json:"port"`
}

// Network wraps a local device with lazy peer fetches. A get that misses
// locally asks the swarm which peer holds the item, pulls the bytes over
// the peer's HTTP content server, and spools them into the local device so
// future reads are local hits.
type Network struct {
	local  *Local
	nidx   *index.Network
	msgr   *transport.Messenger
	server *transport.ContentServer
}

// NewNetwork starts the HTTP content server (mapping its port through the
// gateway when one is ready) and registers the peer-side handlers.
func NewNetwork(local *Local, nidx *index.Network, msgr *transport.Messenger, gw *gateway.Gateway) (*Network, error) {
	d := &Network{local: local, nidx: nidx, msgr: msgr}

	server, err := transport.ServeContent(gw, http.HandlerFunc(d.serveContent))
	if err != nil {
		return nil, errors.Wrap(err, "start content server")
	}
	d.server = server

	msgr.Handle(Namespace, TypeGet, d.handleGet)
	return d, nil
}

// ID returns the wrapped local device's id.
func (d *Network) ID() string { return d.local.ID() }

// Put delegates to the local device.
func (d *Network) Put(it *item.Item) error { return d.local.Put(it) }

// Ping delegates to the local device.
func (d *Network) Ping() bool { return d.local.Ping() }

// Remove delegates to the local device.
func (d *Network) Remove(it *item.Item) error { return d.local.Remove(it) }

// Exists reports existence according to the distributed index: content the
// swarm knows about can be fetched on demand even when no local copy is
// present yet.
func (d *Network) Exists(it *item.Item) (bool, error) {
	if _, err := d.nidx.Get(it.ID); err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Get serves the item from the local device when present; otherwise it
// locates a peer holding the item and pulls the bytes into the local
// device before serving.
func (d *Network) Get(it *item.Item) error {
	ok, err := d.local.Exists(it)
	if err != nil {
		return err
	}
	if ok {
		return d.local.Get(it)
	}

	resp, err := d.msgr.Broadcast(d.nidx.PeerList(), Namespace, TypeGet, it)
	if err != nil {
		return errors.Wrapf(err, "locate %s", it.ID)
	}
	var remote getResponse
	if err := json.Unmarshal(resp.Data, &remote); err != nil {
		return errors.Wrap(err, "parse peer device response")
	}

	if err := d.fetch(it, resp.Peer.Address, remote.Port, resp.Peer.ID); err != nil {
		return errors.Wrapf(err, "fetch %s from %s", it.ID, resp.Peer.ID)
	}
	return d.local.Get(it)
}

// fetch pulls the item's bytes over the peer's content server and spools
// them into the local device.
func (d *Network) fetch(it *item.Item, address string, port int, peerID string) error {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s:%d/", address, port), nil)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(it)
	if err != nil {
		return errors.Wrap(err, "encode item header")
	}
	req.Header.Set("target", peerID)
	req.Header.Set("item", string(encoded))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("peer returned %d: %s", resp.StatusCode, msg)
	}
	return d.local.Ingest(it, resp.Body)
}

// handleGet answers a peer's location broadcast: when the local device
// holds the item, reply with the content server's port.
func (d *Network) handleGet(env *transport.Envelope) (any, error) {
	var it item.Item
	if err := json.Unmarshal(env.Data, &it); err != nil {
		return nil, errors.Wrap(err, "parse device request")
	}
	ok, err := d.local.Exists(&it)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrap(ErrNotStored, it.ID)
	}
	return getResponse{Port: d.server.Port()}, nil
}

// serveContent streams a stored item's bytes to a fetching peer. The
// request names the intended peer in the target header and carries the
// item descriptor in the item header.
func (d *Network) serveContent(w http.ResponseWriter, r *http.Request) {
	if target := r.Header.Get("target"); target != d.msgr.LocalPeer().ID {
		http.Error(w, "wrong target peer", http.StatusInternalServerError)
		return
	}
	var it item.Item
	if err := json.Unmarshal([]byte(r.Header.Get("item")), &it); err != nil {
		http.Error(w, "malformed item header", http.StatusInternalServerError)
		return
	}
	src, err := d.local.Open(it.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer src.Close()
	if _, err := io.Copy(w, src); err != nil {
		logrus.WithError(err).WithField("item", it.ID).
			Debug("device: content stream")
	}
}

// Close stops the content server.
func (d *Network) Close() error { return d.server.Close() }
