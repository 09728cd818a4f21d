package index

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/caravel-store/caravel/internal/gateway"
	"github.com/caravel-store/caravel/internal/item"
	"github.com/caravel-store/caravel/internal/swarm"
	"github.com/caravel-store/caravel/internal/transport"
)

// NetworkMapID is the reserved index entry whose metadata holds the peer
// roster.
const NetworkMapID = "__p2p__"

// Datagram namespace and types served by the network index.
const (
	Namespace      = "p2p:index"
	TypeGetItem    = "index:getItem"
	TypeCreateItem = "index:createItem"
)

type getItemRequest struct {
	ID string `json:"id"`
}

type getItemResponse struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata"`
}

type createItemRequest struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata"`
}

// Network wraps a local index with broadcast-fallback reads and
// broadcast-announce writes. Lookups that miss locally are resolved by the
// first peer that answers; the result is cached as a local entry so
// subsequent reads are local hits.
type Network struct {
	local *Local
	sw    *swarm.Swarm
	msgr  *transport.Messenger
}

// OpenNetwork wires a network index over local. When the gateway is ready,
// the uPnP external address replaces the local peer's address before the
// peer is registered in the network map, so remote peers never learn the
// bootstrap "localhost" address.
func OpenNetwork(local *Local, sw *swarm.Swarm, msgr *transport.Messenger, gw *gateway.Gateway) (*Network, error) {
	n := &Network{local: local, sw: sw, msgr: msgr}

	if gw != nil && gw.Ready() {
		addr, err := gw.ExternalAddress()
		if err != nil {
			logrus.WithError(err).Warn("index: resolve external address")
		} else if err := sw.UpdateLocalNode(addr); err != nil {
			return nil, err
		}
	}

	if err := n.registerLocalNode(); err != nil {
		return nil, err
	}

	msgr.Handle(Namespace, TypeGetItem, n.handleGetItem)
	msgr.Handle(Namespace, TypeCreateItem, n.handleCreateItem)
	return n, nil
}

// registerLocalNode ensures the network map entry exists and carries the
// current local peer under the reserved key.
func (n *Network) registerLocalNode() error {
	localPeer := n.sw.LocalNode()
	entry, err := n.local.Get(NetworkMapID)
	if errors.Is(err, ErrNotFound) {
		_, err = n.local.Create(NetworkMapID, map[string]any{swarm.LocalName: localPeer})
		return err
	}
	if err != nil {
		return err
	}
	entry.Metadata[swarm.LocalName] = localPeer
	return n.local.Flush()
}

// Get returns the item for id, falling back to a peer broadcast on a local
// miss. A winning response is cached locally with the responding peer
// recorded under metadata.nodes; no response within the broadcast deadline
// surfaces ErrNotFound.
func (n *Network) Get(id string) (*item.Item, error) {
	it, err := n.local.Get(id)
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	resp, err := n.msgr.Broadcast(n.PeerList(), Namespace, TypeGetItem, getItemRequest{ID: id})
	if err != nil {
		return nil, errors.Wrap(ErrNotFound, id)
	}

	var remote getItemResponse
	if err := json.Unmarshal(resp.Data, &remote); err != nil {
		return nil, errors.Wrap(err, "parse peer index response")
	}

	metadata := remote.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}
	metadata["nodes"] = []string{resp.Peer.ID}

	it, err = n.local.Create(id, metadata)
	if errors.Is(err, ErrExists) {
		return n.local.Get(id)
	}
	return it, err
}

// Create inserts the item locally, then announces it to every peer without
// waiting for acknowledgments. Peer-side failures are their own concern.
func (n *Network) Create(id string, metadata map[string]any) (*item.Item, error) {
	it, err := n.local.Create(id, metadata)
	if err != nil {
		return nil, err
	}
	n.msgr.Notify(n.PeerList(), Namespace, TypeCreateItem, createItemRequest{ID: id, Metadata: metadata})
	return it, nil
}

// Join registers a peer in the swarm roster and the network map entry.
func (n *Network) Join(p swarm.Peer) error {
	if err := n.sw.Join(p); err != nil {
		return err
	}
	entry, err := n.local.Get(NetworkMapID)
	if err != nil {
		return err
	}
	entry.Metadata[p.ID] = p
	return n.local.Flush()
}

// Leave removes a peer from the roster and the network map entry.
func (n *Network) Leave(p swarm.Peer) error {
	if err := n.sw.Leave(p); err != nil {
		return err
	}
	entry, err := n.local.Get(NetworkMapID)
	if err != nil {
		return err
	}
	delete(entry.Metadata, p.ID)
	return n.local.Flush()
}

// PeerList returns every peer in the network map except the local node.
func (n *Network) PeerList() []swarm.Peer {
	entry, err := n.local.Get(NetworkMapID)
	if err != nil {
		return nil
	}
	var out []swarm.Peer
	for key, val := range entry.Metadata {
		if key == swarm.LocalName {
			continue
		}
		p, err := decodePeer(val)
		if err != nil {
			logrus.WithError(err).WithField("peer", key).
				Warn("index: malformed network map entry")
			continue
		}
		out = append(out, p)
	}
	return out
}

// Items returns the local snapshot.
func (n *Network) Items() []*item.Item { return n.local.Items() }

// Remove drops a local entry.
func (n *Network) Remove(id string) error { return n.local.Remove(id) }

// Flush persists the local index.
func (n *Network) Flush() error { return n.local.Flush() }

// Close flushes the local index.
func (n *Network) Close() error { return n.local.Close() }

// handleGetItem answers a remote lookup from the local index.
func (n *Network) handleGetItem(env *transport.Envelope) (any, error) {
	var req getItemRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return nil, errors.Wrap(err, "parse getItem request")
	}
	it, err := n.local.Get(req.ID)
	if err != nil {
		return nil, err
	}
	return getItemResponse{ID: it.ID, Metadata: it.Metadata}, nil
}

// handleCreateItem mirrors a remote create into the local index. The
// requester does not wait; errors only reach the response envelope.
func (n *Network) handleCreateItem(env *transport.Envelope) (any, error) {
	var req createItemRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return nil, errors.Wrap(err, "parse createItem request")
	}
	if _, err := n.local.Create(req.ID, req.Metadata); err != nil {
		return nil, err
	}
	return nil, nil
}

// decodePeer converts a network map metadata value (a Peer struct in this
// process, a plain map after a disk or wire round-trip) into a Peer.
func decodePeer(val any) (swarm.Peer, error) {
	if p, ok := val.(swarm.Peer); ok {
		return p, nil
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return swarm.Peer{}, err
	}
	var p swarm.Peer
	if err := json.Unmarshal(raw, &p); err != nil {
		return swarm.Peer{}, err
	}
	if p.ID == "" {
		return swarm.Peer{}, errors.New("network map value is not a peer")
	}
	return p, nil
}
