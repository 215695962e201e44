// Package transport abstracts the shared datagram medium that gramlink
// sessions run over. It defines the contract the protocol engine needs
// from a medium: channel lifecycle, unicast and broadcast sends, a
// blocking wait used during the connection handshake, and asynchronous
// delivery of arriving datagrams to subscribed receivers.
//
// Two implementations ship with the module: an in-process mesh used by
// tests and local runs, and a mesh backed by Azure Blob Storage mailboxes
// for communication across hosts.
package transport

import (
	"errors"
	"sync"
	"time"
)

// Address identifies one node on the medium. The in-process mesh uses a
// generated UUID string, the blob mesh uses the node's container name.
type Address = string

// DefaultMaxValues bounds how many values one datagram carries. One slot
// is always consumed by the serialized frame, the rest carry ancillary
// values.
const DefaultMaxValues = 8

// Error values for transport operations.
var (
	ErrTimeout       = errors.New("transport: wait timed out")
	ErrClosed        = errors.New("transport: node closed")
	ErrTooManyValues = errors.New("transport: too many values for one datagram")
)

// Datagram is one delivery from the medium: a serialized frame plus the
// ancillary values that traveled with it in the same datagram, tagged
// with the sender address and the channel it was addressed to.
type Datagram struct {
	From    Address
	Channel uint16
	Frame   []byte
	Values  [][]byte
}

// Receiver consumes datagrams arriving on channels the local node has
// open. A node invokes its receivers one datagram at a time; no two
// invocations for the same node run concurrently.
type Receiver interface {
	OnDatagram(Datagram)
}

// Transport is the handle to the shared medium handed to the protocol
// engine. All methods are safe for concurrent use.
type Transport interface {
	// Address returns the local node's address on the medium.
	Address() Address

	// Open makes the node listen on channel. It reports whether this
	// call opened the channel; opening an already open channel is a
	// no-op returning false.
	Open(channel uint16) bool

	// Close stops listening on channel. It reports whether the channel
	// was open.
	Close(channel uint16) bool

	// Send unicasts a datagram to the node addressed by to. Delivery is
	// best effort; a vanished recipient is not an error.
	Send(to Address, channel uint16, frame []byte, values ...[]byte) error

	// Broadcast sends a datagram to every node listening on channel.
	Broadcast(channel uint16, frame []byte, values ...[]byte) error

	// Await blocks until a datagram satisfying match arrives on an open
	// channel, the timeout elapses, or the node closes. Used only for
	// the synchronous handshake exchange.
	Await(timeout time.Duration, match func(Datagram) bool) (Datagram, error)

	// Subscribe registers r for asynchronous delivery. It reports false
	// if r is already registered.
	Subscribe(r Receiver) bool

	// Unsubscribe removes r. It reports false if r was not registered.
	Unsubscribe(r Receiver) bool

	// MaxValues returns the medium's per-datagram value capacity,
	// counting the slot occupied by the frame itself.
	MaxValues() int
}

// waiter is one pending Await call.
type waiter struct {
	match func(Datagram) bool
	ch    chan Datagram
}

// waitSet tracks the pending Await calls of one node. A matching
// datagram satisfies each matching waiter at most once.
type waitSet struct {
	mu      sync.Mutex
	waiters map[*waiter]struct{}
}

func (ws *waitSet) add(match func(Datagram) bool) *waiter {
	w := &waiter{match: match, ch: make(chan Datagram, 1)}
	ws.mu.Lock()
	if ws.waiters == nil {
		ws.waiters = make(map[*waiter]struct{})
	}
	ws.waiters[w] = struct{}{}
	ws.mu.Unlock()
	return w
}

func (ws *waitSet) remove(w *waiter) {
	ws.mu.Lock()
	delete(ws.waiters, w)
	ws.mu.Unlock()
}

func (ws *waitSet) offer(d Datagram) {
	ws.mu.Lock()
	for w := range ws.waiters {
		if w.match(d) {
			w.ch <- d
			delete(ws.waiters, w)
		}
	}
	ws.mu.Unlock()
}
