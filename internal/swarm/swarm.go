package swarm

import (
	"encoding/json"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/renameio"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// LocalName is the reserved roster filename for the local peer.
const LocalName = "__local__"

const (
	portFloor = 1024
	portSpan  = 12000 // ports are drawn from [1024, 13024)
)

// Peer is a participant in the replication network.
type Peer struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Master   bool   `json:"master"`
}

// Addr returns the peer's host:port dial address.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

// Swarm is the persistent roster of peers the local node trusts. Each peer
// is stored as one JSON file under <baseDir>/peers/; the local peer lives
// under the reserved LocalName filename.
type Swarm struct {
	dir string

	mu    sync.Mutex
	local Peer
	peers map[string]Peer
}

// Open loads the roster from <baseDir>/peers/, creating the directory and a
// fresh local peer (random id, "localhost", random port) on first run.
func Open(baseDir string) (*Swarm, error) {
	dir := filepath.Join(baseDir, "peers")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create peers dir")
	}

	s := &Swarm{dir: dir, peers: make(map[string]Peer)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read peers dir")
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p, err := readPeer(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "load peer %s", e.Name())
		}
		if e.Name() == LocalName {
			s.local = p
			continue
		}
		s.peers[p.ID] = p
	}

	if s.local.ID == "" {
		s.local = Peer{
			ID:       uuid.New().String(),
			Address:  "localhost",
			Port:     RandomPort(),
			Protocol: "http",
		}
		if err := s.write(LocalName, s.local); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// RandomPort draws an unprivileged port from [1024, 13024).
func RandomPort() int {
	return portFloor + rand.Intn(portSpan)
}

// LocalNode returns the local peer.
func (s *Swarm) LocalNode() Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Peers returns every known remote peer. The local peer is excluded.
func (s *Swarm) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// UpdateLocalNode rewrites the local peer's address (typically with the
// gateway-derived external address) and persists it.
func (s *Swarm) UpdateLocalNode(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local.Address = address
	return s.write(LocalName, s.local)
}

// SetLocalPort records the port the transport actually bound and persists
// the local peer.
func (s *Swarm) SetLocalPort(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local.Port = port
	return s.write(LocalName, s.local)
}

// Join adds a peer to the roster, updating the stored record if the peer is
// already known.
func (s *Swarm) Join(p Peer) error {
	if p.ID == "" {
		return errors.New("peer has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.ID] = p
	return s.write(p.ID, p)
}

// Leave removes a peer from the roster.
func (s *Swarm) Leave(p Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, p.ID)
	err := os.Remove(filepath.Join(s.dir, p.ID))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove peer %s", p.ID)
	}
	return nil
}

func (s *Swarm) write(name string, p Peer) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal peer")
	}
	if err := renameio.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return errors.Wrapf(err, "persist peer %s", name)
	}
	return nil
}

func readPeer(path string) (Peer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Peer{}, err
	}
	var p Peer
	if err := json.Unmarshal(data, &p); err != nil {
		return Peer{}, err
	}
	return p, nil
}
