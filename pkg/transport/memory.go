package transport

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// inboxDepth bounds how many undelivered datagrams one node queues.
// The medium is lossy: datagrams beyond the bound are dropped.
const inboxDepth = 128

// Mesh is an in-process broadcast medium connecting Nodes. Every node
// joined to the same mesh can reach every other by address or by
// broadcasting on a channel both have open.
type Mesh struct {
	maxValues int

	mu    sync.Mutex
	nodes map[Address]*Node
}

// NewMesh creates an empty mesh with the default per-datagram value
// capacity.
func NewMesh() *Mesh {
	return &Mesh{
		maxValues: DefaultMaxValues,
		nodes:     make(map[Address]*Node),
	}
}

// Join attaches a new node to the mesh and starts its delivery loop.
func (m *Mesh) Join() *Node {
	n := &Node{
		mesh:     m,
		addr:     uuid.NewString(),
		channels: make(map[uint16]bool),
		inbox:    make(chan Datagram, inboxDepth),
		done:     make(chan struct{}),
	}
	m.mu.Lock()
	m.nodes[n.addr] = n
	m.mu.Unlock()
	go n.run()
	return n
}

func (m *Mesh) lookup(addr Address) *Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes[addr]
}

func (m *Mesh) others(from Address) []*Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]*Node, 0, len(m.nodes))
	for addr, n := range m.nodes {
		if addr != from {
			peers = append(peers, n)
		}
	}
	return peers
}

func (m *Mesh) detach(addr Address) {
	m.mu.Lock()
	delete(m.nodes, addr)
	m.mu.Unlock()
}

// Node is one endpoint on an in-process mesh. It implements Transport.
// Arriving datagrams are delivered by a single per-node goroutine, so
// receivers never run concurrently for the same node.
type Node struct {
	mesh  *Mesh
	addr  Address
	inbox chan Datagram
	done  chan struct{}
	waits waitSet

	mu        sync.Mutex
	closed    bool
	channels  map[uint16]bool
	receivers []Receiver
}

func (n *Node) Address() Address { return n.addr }

func (n *Node) MaxValues() int { return n.mesh.maxValues }

func (n *Node) Open(channel uint16) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.channels[channel] {
		return false
	}
	n.channels[channel] = true
	return true
}

func (n *Node) Close(channel uint16) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.channels[channel] {
		return false
	}
	delete(n.channels, channel)
	return true
}

func (n *Node) Send(to Address, channel uint16, frame []byte, values ...[]byte) error {
	if len(values)+1 > n.MaxValues() {
		return ErrTooManyValues
	}
	select {
	case <-n.done:
		return ErrClosed
	default:
	}
	dst := n.mesh.lookup(to)
	if dst == nil {
		return nil // recipient gone: dropped on the floor, not an error
	}
	dst.enqueue(n.datagram(channel, frame, values))
	return nil
}

func (n *Node) Broadcast(channel uint16, frame []byte, values ...[]byte) error {
	if len(values)+1 > n.MaxValues() {
		return ErrTooManyValues
	}
	select {
	case <-n.done:
		return ErrClosed
	default:
	}
	for _, dst := range n.mesh.others(n.addr) {
		dst.enqueue(n.datagram(channel, frame, values))
	}
	return nil
}

func (n *Node) Await(timeout time.Duration, match func(Datagram) bool) (Datagram, error) {
	w := n.waits.add(match)
	defer n.waits.remove(w)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-w.ch:
		return d, nil
	case <-timer.C:
		return Datagram{}, ErrTimeout
	case <-n.done:
		return Datagram{}, ErrClosed
	}
}

func (n *Node) Subscribe(r Receiver) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, reg := range n.receivers {
		if reg == r {
			return false
		}
	}
	n.receivers = append(n.receivers, r)
	return true
}

func (n *Node) Unsubscribe(r Receiver) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, reg := range n.receivers {
		if reg == r {
			n.receivers = append(n.receivers[:i], n.receivers[i+1:]...)
			return true
		}
	}
	return false
}

// Leave detaches the node from the mesh and stops its delivery loop.
// Queued datagrams are discarded.
func (n *Node) Leave() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	n.mesh.detach(n.addr)
	close(n.done)
}

// datagram snapshots frame and values so later mutation by the sender
// cannot race with delivery.
func (n *Node) datagram(channel uint16, frame []byte, values [][]byte) Datagram {
	d := Datagram{
		From:    n.addr,
		Channel: channel,
		Frame:   append([]byte(nil), frame...),
	}
	if len(values) > 0 {
		d.Values = make([][]byte, len(values))
		for i, v := range values {
			d.Values[i] = append([]byte(nil), v...)
		}
	}
	return d
}

func (n *Node) enqueue(d Datagram) {
	select {
	case n.inbox <- d:
	case <-n.done:
	default:
		// inbox full: the medium drops, it does not block senders
	}
}

func (n *Node) run() {
	for {
		select {
		case <-n.done:
			return
		case d := <-n.inbox:
			n.deliver(d)
		}
	}
}

func (n *Node) deliver(d Datagram) {
	n.mu.Lock()
	open := n.channels[d.Channel]
	receivers := append([]Receiver(nil), n.receivers...)
	n.mu.Unlock()

	if !open {
		return
	}

	n.waits.offer(d)
	for _, r := range receivers {
		r.OnDatagram(d)
	}
}
