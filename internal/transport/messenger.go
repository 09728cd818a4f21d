package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/caravel-store/caravel/internal/swarm"
)

// Sentinel errors for request outcomes.
var (
	// ErrNoResponse is returned when no peer answered a broadcast before
	// its deadline, or a single request timed out.
	ErrNoResponse = errors.New("no peer response")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("messenger closed")
)

// Envelope is the JSON datagram exchanged between peers. Requests carry
// ping=true; responses carry pong=true and optionally an error string.
type Envelope struct {
	ID        string          `json:"id"`
	Namespace string          `json:"namespace"`
	Source    string          `json:"source"`
	Target    string          `json:"target"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Broadcast bool            `json:"broadcast"`
	Ping      bool            `json:"ping,omitempty"`
	Pong      bool            `json:"pong,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Handler processes one incoming request and returns the response payload.
// A non-nil error is carried back to the requester in the envelope's error
// field.
type Handler func(env *Envelope) (any, error)

// Response is the winning answer to a broadcast.
type Response struct {
	Peer swarm.Peer
	Data json.RawMessage
}

// Config holds messenger timeouts. Zero values get defaults.
type Config struct {
	// RequestTimeout bounds a single request/response exchange (default 6s).
	// The deadline covers the peer's response, not just the local send.
	RequestTimeout time.Duration
	// BroadcastTimeout bounds the first-response window of a broadcast
	// (default 10s).
	BroadcastTimeout time.Duration
}

// waiter collects responses for one outstanding correlation id.
type waiter struct {
	ch chan *Envelope
}

// Messenger is a message-oriented request/response channel over a shared
// UDP socket. Handlers register by (namespace, type); datagrams whose
// target is not the local peer id are dropped. Outgoing requests are
// correlated by a UUID; the first matching response wins and duplicates
// are discarded.
type Messenger struct {
	self swarm.Peer
	cfg  Config
	conn *net.UDPConn

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]*waiter
	closed   bool
}

// NewMessenger binds a UDP socket on self's port and starts the receive
// loop. With self.Port == 0 an ephemeral port is bound and reflected in
// LocalPeer.
func NewMessenger(self swarm.Peer, cfg Config) (*Messenger, error) {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 6 * time.Second
	}
	if cfg.BroadcastTimeout == 0 {
		cfg.BroadcastTimeout = 10 * time.Second
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: self.Port})
	if err != nil {
		return nil, errors.Wrapf(err, "bind udp :%d", self.Port)
	}
	self.Port = conn.LocalAddr().(*net.UDPAddr).Port

	m := &Messenger{
		self:     self,
		cfg:      cfg,
		conn:     conn,
		handlers: make(map[string]Handler),
		pending:  make(map[string]*waiter),
	}
	go m.receive()
	return m, nil
}

// LocalPeer returns the local peer with the effective bound port.
func (m *Messenger) LocalPeer() swarm.Peer { return m.self }

// Handle registers a handler for (namespace, type). Registering the same
// pair twice replaces the previous handler.
func (m *Messenger) Handle(namespace, msgType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[handlerKey(namespace, msgType)] = h
}

func handlerKey(namespace, msgType string) string {
	return namespace + "/" + msgType
}

// Close releases the socket. Outstanding waits fail with ErrNoResponse.
func (m *Messenger) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.conn.Close()
}

// Request sends one request to a peer and waits for the correlated
// response up to the request timeout.
func (m *Messenger) Request(peer swarm.Peer, namespace, msgType string, data any) (json.RawMessage, error) {
	env, err := m.newRequest(peer, namespace, msgType, data, false)
	if err != nil {
		return nil, err
	}

	w := m.addWaiter(env.ID, 1)
	defer m.removeWaiter(env.ID)

	if err := m.send(peer, env); err != nil {
		return nil, err
	}

	select {
	case resp := <-w.ch:
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return resp.Data, nil
	case <-time.After(m.cfg.RequestTimeout):
		return nil, errors.Wrapf(ErrNoResponse, "%s %s to %s", namespace, msgType, peer.ID)
	}
}

// Notify sends a request to every peer without waiting for responses.
// Send failures are logged and swallowed.
func (m *Messenger) Notify(peers []swarm.Peer, namespace, msgType string, data any) {
	for _, p := range peers {
		env, err := m.newRequest(p, namespace, msgType, data, true)
		if err != nil {
			return
		}
		if err := m.send(p, env); err != nil {
			logrus.WithError(err).WithField("peer", p.ID).
				Debug("transport: notify send")
		}
	}
}

// Broadcast sends the same request to every peer and resolves with the
// first non-error response. Error responses and late duplicates are
// dropped. With no qualifying response before the broadcast deadline,
// ErrNoResponse is returned.
func (m *Messenger) Broadcast(peers []swarm.Peer, namespace, msgType string, data any) (*Response, error) {
	if len(peers) == 0 {
		return nil, ErrNoResponse
	}

	id := uuid.New().String()
	w := m.addWaiter(id, len(peers))
	defer m.removeWaiter(id)

	byID := make(map[string]swarm.Peer, len(peers))
	sent := 0
	for _, p := range peers {
		env, err := m.newRequest(p, namespace, msgType, data, true)
		if err != nil {
			return nil, err
		}
		env.ID = id
		if err := m.send(p, env); err != nil {
			logrus.WithError(err).WithField("peer", p.ID).
				Debug("transport: broadcast send")
			continue
		}
		byID[p.ID] = p
		sent++
	}
	if sent == 0 {
		return nil, ErrNoResponse
	}

	deadline := time.After(m.cfg.BroadcastTimeout)
	for {
		select {
		case resp := <-w.ch:
			if resp.Error != "" {
				continue
			}
			return &Response{Peer: byID[resp.Source], Data: resp.Data}, nil
		case <-deadline:
			return nil, errors.Wrapf(ErrNoResponse, "%s %s broadcast", namespace, msgType)
		}
	}
}

func (m *Messenger) newRequest(peer swarm.Peer, namespace, msgType string, data any, broadcast bool) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request data")
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Namespace: namespace,
		Source:    m.self.ID,
		Target:    peer.ID,
		Type:      msgType,
		Data:      raw,
		Broadcast: broadcast,
		Ping:      true,
	}, nil
}

func (m *Messenger) addWaiter(id string, capacity int) *waiter {
	w := &waiter{ch: make(chan *Envelope, capacity)}
	m.mu.Lock()
	m.pending[id] = w
	m.mu.Unlock()
	return w
}

func (m *Messenger) removeWaiter(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

func (m *Messenger) send(peer swarm.Peer, env *Envelope) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	addr, err := net.ResolveUDPAddr("udp4", peer.Addr())
	if err != nil {
		return errors.Wrapf(err, "resolve peer %s", peer.ID)
	}
	if _, err := m.conn.WriteToUDP(raw, addr); err != nil {
		return errors.Wrapf(err, "send to %s", peer.ID)
	}
	return nil
}

// receive is the socket read loop. Requests dispatch to a handler in their
// own goroutine; responses resolve the matching waiter.
func (m *Messenger) receive() {
	buf := make([]byte, 64*1024)
	for {
		n, remote, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(buf[:n], &env); err != nil {
			logrus.WithError(err).Debug("transport: malformed datagram")
			continue
		}
		// The socket is shared; the target check is the only multiplexing
		// filter.
		if env.Target != m.self.ID {
			continue
		}
		if env.Pong {
			m.deliver(&env)
			continue
		}
		go m.dispatch(&env, remote)
	}
}

// deliver routes a response to the waiting caller. Responses with no
// waiter (late duplicates, abandoned exchanges) are dropped.
func (m *Messenger) deliver(env *Envelope) {
	m.mu.Lock()
	w, ok := m.pending[env.ID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.ch <- env:
	default:
	}
}

// dispatch runs the registered handler and answers the origin with a
// response envelope. The reply goes to the datagram's remote address,
// overriding the stated source.
func (m *Messenger) dispatch(env *Envelope, remote *net.UDPAddr) {
	m.mu.Lock()
	h, ok := m.handlers[handlerKey(env.Namespace, env.Type)]
	m.mu.Unlock()

	resp := &Envelope{
		ID:        env.ID,
		Namespace: env.Namespace,
		Source:    m.self.ID,
		Target:    env.Source,
		Type:      env.Type,
		Broadcast: env.Broadcast,
		Pong:      true,
	}

	if !ok {
		resp.Error = fmt.Sprintf("Message %s not found", env.Type)
	} else {
		result, err := h(env)
		if err != nil {
			resp.Error = err.Error()
		} else if result != nil {
			raw, err := json.Marshal(result)
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Data = raw
			}
		}
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if _, err := m.conn.WriteToUDP(raw, remote); err != nil {
		logrus.WithError(err).WithField("peer", env.Source).
			Debug("transport: response send")
	}
}
