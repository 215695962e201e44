package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testWait = 2 * time.Second

type recorder struct {
	got chan Datagram
}

func newRecorder() *recorder {
	return &recorder{got: make(chan Datagram, 16)}
}

func (r *recorder) OnDatagram(d Datagram) { r.got <- d }

func (r *recorder) next(t *testing.T) Datagram {
	t.Helper()
	select {
	case d := <-r.got:
		return d
	case <-time.After(testWait):
		t.Fatal("no datagram delivered in time")
		return Datagram{}
	}
}

func TestOpenCloseOwnership(t *testing.T) {
	n := NewMesh().Join()
	defer n.Leave()

	require.True(t, n.Open(7), "first open should own the channel")
	require.False(t, n.Open(7), "second open is a no-op")
	require.True(t, n.Close(7))
	require.False(t, n.Close(7), "closing a closed channel is a no-op")
}

func TestUnicastDelivery(t *testing.T) {
	mesh := NewMesh()
	a, b := mesh.Join(), mesh.Join()
	defer a.Leave()
	defer b.Leave()

	b.Open(9)
	rec := newRecorder()
	require.True(t, b.Subscribe(rec))

	require.NoError(t, a.Send(b.Address(), 9, []byte("frame"), []byte("v1"), []byte("v2")))

	d := rec.next(t)
	require.Equal(t, a.Address(), d.From)
	require.Equal(t, uint16(9), d.Channel)
	require.Equal(t, []byte("frame"), d.Frame)
	require.Equal(t, [][]byte{[]byte("v1"), []byte("v2")}, d.Values)
}

func TestClosedChannelDiscards(t *testing.T) {
	mesh := NewMesh()
	a, b := mesh.Join(), mesh.Join()
	defer a.Leave()
	defer b.Leave()

	b.Open(9)
	rec := newRecorder()
	b.Subscribe(rec)

	// Channel 10 is not open on b; only the second send may arrive.
	require.NoError(t, a.Send(b.Address(), 10, []byte("lost")))
	require.NoError(t, a.Send(b.Address(), 9, []byte("kept")))

	d := rec.next(t)
	require.Equal(t, []byte("kept"), d.Frame)
}

func TestSendToUnknownAddressIsDropped(t *testing.T) {
	a := NewMesh().Join()
	defer a.Leave()

	require.NoError(t, a.Send("nobody-home", 9, []byte("frame")))
}

func TestBroadcastSkipsSender(t *testing.T) {
	mesh := NewMesh()
	a, b, c := mesh.Join(), mesh.Join(), mesh.Join()
	defer a.Leave()
	defer b.Leave()
	defer c.Leave()

	for _, n := range []*Node{a, b, c} {
		n.Open(5)
	}
	recA, recB, recC := newRecorder(), newRecorder(), newRecorder()
	a.Subscribe(recA)
	b.Subscribe(recB)
	c.Subscribe(recC)

	require.NoError(t, a.Broadcast(5, []byte("all")))
	require.Equal(t, []byte("all"), recB.next(t).Frame)
	require.Equal(t, []byte("all"), recC.next(t).Frame)

	// The sender must not hear its own broadcast: the next datagram a
	// sees is the unicast below.
	require.NoError(t, b.Send(a.Address(), 5, []byte("direct")))
	require.Equal(t, []byte("direct"), recA.next(t).Frame)
}

func TestAwaitMatchesSenderAndChannel(t *testing.T) {
	mesh := NewMesh()
	a, b, c := mesh.Join(), mesh.Join(), mesh.Join()
	defer a.Leave()
	defer b.Leave()
	defer c.Leave()

	a.Open(5)

	done := make(chan struct{})
	go func() {
		defer close(done)
		d, err := a.Await(testWait, func(d Datagram) bool {
			return d.Channel == 5 && d.From == b.Address()
		})
		if err == nil && string(d.Frame) == "wanted" {
			return
		}
		panic("await returned the wrong datagram")
	}()

	// Give the waiter a moment to register, then send a decoy first.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Send(a.Address(), 5, []byte("decoy")))
	require.NoError(t, b.Send(a.Address(), 5, []byte("wanted")))

	select {
	case <-done:
	case <-time.After(testWait):
		t.Fatal("await did not complete")
	}
}

func TestAwaitTimeout(t *testing.T) {
	n := NewMesh().Join()
	defer n.Leave()

	n.Open(5)
	start := time.Now()
	_, err := n.Await(50*time.Millisecond, func(Datagram) bool { return true })
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), testWait)
}

func TestSubscribeIdentity(t *testing.T) {
	n := NewMesh().Join()
	defer n.Leave()

	rec := newRecorder()
	require.True(t, n.Subscribe(rec))
	require.False(t, n.Subscribe(rec), "duplicate subscription must be rejected")
	require.True(t, n.Unsubscribe(rec))
	require.False(t, n.Unsubscribe(rec))
}

func TestValueCapacity(t *testing.T) {
	mesh := NewMesh()
	a, b := mesh.Join(), mesh.Join()
	defer a.Leave()
	defer b.Leave()

	values := make([][]byte, DefaultMaxValues) // frame slot leaves room for one less
	for i := range values {
		values[i] = []byte{byte(i)}
	}
	require.ErrorIs(t, a.Send(b.Address(), 1, []byte("f"), values...), ErrTooManyValues)
	require.ErrorIs(t, a.Broadcast(1, []byte("f"), values...), ErrTooManyValues)
	require.NoError(t, a.Send(b.Address(), 1, []byte("f"), values[:DefaultMaxValues-1]...))
}

func TestLeaveStopsNode(t *testing.T) {
	mesh := NewMesh()
	a := mesh.Join()
	a.Leave()

	require.ErrorIs(t, a.Send("anyone", 1, []byte("f")), ErrClosed)
	_, err := a.Await(50*time.Millisecond, func(Datagram) bool { return true })
	require.ErrorIs(t, err, ErrClosed)
}
