package protocol

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"gramlink/pkg/transport"
)

// SocketStatus tracks the lifecycle of a socket.
type SocketStatus int

const (
	// StatusAlive indicates an established socket accepting traffic.
	StatusAlive SocketStatus = iota

	// StatusDead indicates a closed socket; its dispatcher ignores all
	// further arrivals.
	StatusDead
)

// Mode says whether a socket speaks to one fixed peer or accepts many.
type Mode int

const (
	// ModeClient sockets are bound to a single peer address.
	ModeClient Mode = iota

	// ModeServer sockets accept any peer that completes a handshake.
	ModeServer
)

// Delivery is one buffered inbound frame with the ancillary values that
// arrived alongside it.
type Delivery struct {
	Frame  *Frame
	Values [][]byte
}

// Listener receives every frame the dispatcher buffers for a socket,
// synchronously and in registration order. Implementations must be
// comparable (a pointer receiver is) and must not block or call back
// into the same socket from OnFrame.
type Listener interface {
	OnFrame(*Frame, [][]byte)
}

// AdmissionFunc is consulted for every Create request from an
// unregistered peer; a non-nil return rejects admission and the error
// text travels to the peer in the Err reply. The same func is invoked
// again, result ignored, when a registered peer sends Destroy, so it
// doubles as a connect/disconnect notification.
type AdmissionFunc func(*Frame, [][]byte) error

// Peer is one accepted (address, channel) pair of a server socket.
type Peer struct {
	Addr    transport.Address
	Channel uint16
}

// Socket is a connection endpoint over a shared datagram medium. Client
// sockets are produced by Dial, server sockets by Listen. A socket's
// dispatcher, reads, and close are serialized behind one mutex; all
// operations except the Dial handshake return without blocking.
type Socket struct {
	t        transport.Transport
	mode     Mode
	channel  uint16
	peer     transport.Address // fixed peer, client mode only
	settings map[string]string
	opened   bool // this socket opened the channel and owns its release

	mu        sync.Mutex
	status    SocketStatus
	buffer    []Delivery
	listeners []Listener
	peers     map[Peer]struct{}
	admit     AdmissionFunc
}

// Dial establishes a client session with peer on channel: it opens the
// channel, unicasts a Create frame, and blocks until the peer answers
// or timeout elapses (DefaultDialTimeout when timeout is zero).
//
// No reply within the timeout yields ErrNoReply and releases the
// channel if this call opened it. A non-Ok reply yields a RefusedError
// and leaves the channel open; callers that own the channel must
// release it themselves in that case.
func Dial(t transport.Transport, peer transport.Address, channel uint16, settings map[string]string, timeout time.Duration) (*Socket, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	opened := t.Open(channel)

	wire, err := NewFrame(KindCreate, channel, settings, 0, t.Address()).Encode()
	if err != nil {
		if opened {
			t.Close(channel)
		}
		return nil, err
	}
	if err := t.Send(peer, channel, wire); err != nil {
		if opened {
			t.Close(channel)
		}
		return nil, err
	}

	reply, err := t.Await(timeout, func(d transport.Datagram) bool {
		return d.Channel == channel && d.From == peer
	})
	if err != nil {
		if opened {
			t.Close(channel)
		}
		return nil, ErrNoReply
	}

	rf, err := Decode(reply.Frame)
	if err != nil {
		return nil, err
	}
	if rf.Kind != KindOk {
		reason := ""
		if len(reply.Values) > 0 {
			reason = string(reply.Values[0])
		}
		return nil, &RefusedError{Kind: rf.Kind, Reason: reason}
	}

	s := &Socket{
		t:        t,
		mode:     ModeClient,
		channel:  channel,
		peer:     peer,
		settings: settings,
		opened:   opened,
		status:   StatusAlive,
		peers:    make(map[Peer]struct{}),
	}
	t.Subscribe(s)
	return s, nil
}

// Listen opens a server session accepting any peer on channel. There is
// no handshake on this side; peers register through Create requests
// handled by the dispatcher.
func Listen(t transport.Transport, channel uint16, settings map[string]string) *Socket {
	s := &Socket{
		t:        t,
		mode:     ModeServer,
		channel:  channel,
		settings: settings,
		opened:   t.Open(channel),
		status:   StatusAlive,
		peers:    make(map[Peer]struct{}),
	}
	t.Subscribe(s)
	return s
}

// Mode returns the socket's mode.
func (s *Socket) Mode() Mode { return s.mode }

// Channel returns the bound transport channel.
func (s *Socket) Channel() uint16 { return s.channel }

// RemoteAddr returns the fixed peer address of a client socket, empty
// for server sockets.
func (s *Socket) RemoteAddr() transport.Address { return s.peer }

// Alive reports whether the socket has not been closed.
func (s *Socket) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusAlive
}

// CanRead reports whether a buffered delivery is waiting.
func (s *Socket) CanRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer) > 0
}

// Read pops the oldest buffered delivery, or nil when the buffer is
// empty. It never blocks waiting for data.
func (s *Socket) Read() *Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// ReadN pops up to count deliveries in arrival order, padding with nil
// entries once the buffer is exhausted. count must be at least 1.
func (s *Socket) ReadN(count int) ([]*Delivery, error) {
	if count < 1 {
		return nil, ErrInvalidCount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Delivery, count)
	for i := range out {
		out[i] = s.readLocked()
	}
	return out, nil
}

func (s *Socket) readLocked() *Delivery {
	if len(s.buffer) == 0 {
		return nil
	}
	d := s.buffer[0]
	s.buffer = s.buffer[1:]
	return &d
}

// Write sends payload values to the connection: unicast to the fixed
// peer in client mode, broadcast on the channel in server mode. Writes
// exceeding one datagram's capacity fail with ErrTooLarge and send
// nothing; oversized payloads are never fragmented.
func (s *Socket) Write(values ...[]byte) error {
	wire, err := s.seal(s.channel, len(values))
	if err != nil {
		return err
	}
	if s.mode == ModeClient {
		return s.t.Send(s.peer, s.channel, wire, values...)
	}
	return s.t.Broadcast(s.channel, wire, values...)
}

// Send unicasts payload values back to the originator of to. Server
// sockets use it to answer one peer instead of broadcasting.
func (s *Socket) Send(to *Frame, values ...[]byte) error {
	wire, err := s.seal(to.Channel, len(values))
	if err != nil {
		return err
	}
	return s.t.Send(to.Origin, to.Channel, wire, values...)
}

// SendStatus unicasts a control frame of the given kind back to the
// originator of to. A non-empty reason travels as the single payload
// value, which is how Err replies carry their cause.
func (s *Socket) SendStatus(to *Frame, kind byte, reason string) error {
	if reason == "" {
		wire, err := s.statusFrame(to.Channel, kind, 0)
		if err != nil {
			return err
		}
		return s.t.Send(to.Origin, to.Channel, wire)
	}
	wire, err := s.statusFrame(to.Channel, kind, 1)
	if err != nil {
		return err
	}
	return s.t.Send(to.Origin, to.Channel, wire, []byte(reason))
}

func (s *Socket) seal(channel uint16, payloadLen int) ([]byte, error) {
	if payloadLen > s.t.MaxValues()-1 {
		return nil, ErrTooLarge
	}
	return NewFrame(KindWrite, channel, s.settings, payloadLen, s.t.Address()).Encode()
}

func (s *Socket) statusFrame(channel uint16, kind byte, payloadLen int) ([]byte, error) {
	return NewFrame(kind, channel, s.settings, payloadLen, s.t.Address()).Encode()
}

// Close tears the connection down: it sends a Destroy frame (unicast in
// client mode, broadcast in server mode), detaches the dispatcher from
// the transport, releases the channel if this socket opened it, and
// marks the socket dead. Close is deliberately not idempotent; a second
// call re-sends teardown traffic.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wire, err := NewFrame(KindDestroy, s.channel, s.settings, 0, s.t.Address()).Encode()
	if err == nil {
		if s.mode == ModeClient {
			err = s.t.Send(s.peer, s.channel, wire)
		} else {
			err = s.t.Broadcast(s.channel, wire)
		}
	}
	if err != nil {
		log.Warn().Err(err).Uint16("channel", s.channel).Msg("destroy frame not sent")
	}

	s.t.Unsubscribe(s)
	if s.opened {
		s.t.Close(s.channel)
	}
	s.status = StatusDead
	return err
}

// AddListener registers l for synchronous fan-out of buffered frames.
// It reports false, without registering, when l is already present.
func (s *Socket) AddListener(l Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, reg := range s.listeners {
		if reg == l {
			return false
		}
	}
	s.listeners = append(s.listeners, l)
	return true
}

// RemoveListener removes l. It reports false when l was not registered.
func (s *Socket) RemoveListener(l Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, reg := range s.listeners {
		if reg == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// SetAdmission replaces the admission callback. A nil callback admits
// every peer. Meaningful for server sockets only.
func (s *Socket) SetAdmission(fn AdmissionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admit = fn
}

// Peers snapshots the accepted (address, channel) pairs of a server
// socket.
func (s *Socket) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

// HasPeer reports whether the (addr, channel) pair is registered.
func (s *Socket) HasPeer(addr transport.Address, channel uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[Peer{Addr: addr, Channel: channel}]
	return ok
}
