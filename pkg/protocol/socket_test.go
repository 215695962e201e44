package protocol

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gramlink/pkg/transport"
)

const (
	testChannel = uint16(10)
	testWait    = 2 * time.Second
	testTick    = 10 * time.Millisecond
)

// rawPeer drives the wire directly, without a Socket, so tests can
// observe exactly which frames a socket emits.
type rawPeer struct {
	t    *testing.T
	node *transport.Node
	got  chan transport.Datagram
}

func newRawPeer(t *testing.T, mesh *transport.Mesh, channel uint16) *rawPeer {
	t.Helper()
	node := mesh.Join()
	node.Open(channel)
	p := &rawPeer{t: t, node: node, got: make(chan transport.Datagram, 16)}
	node.Subscribe(p)
	t.Cleanup(node.Leave)
	return p
}

func (p *rawPeer) OnDatagram(d transport.Datagram) { p.got <- d }

func (p *rawPeer) addr() transport.Address { return p.node.Address() }

func (p *rawPeer) send(kind byte, to transport.Address, channel uint16, values ...[]byte) {
	p.t.Helper()
	wire, err := NewFrame(kind, channel, nil, len(values), p.addr()).Encode()
	require.NoError(p.t, err)
	require.NoError(p.t, p.node.Send(to, channel, wire, values...))
}

// next returns the next arriving frame, failing the test on timeout.
func (p *rawPeer) next() (*Frame, [][]byte) {
	p.t.Helper()
	select {
	case d := <-p.got:
		f, err := Decode(d.Frame)
		require.NoError(p.t, err)
		f.Origin = d.From
		return f, d.Values
	case <-time.After(testWait):
		p.t.Fatal("no frame arrived in time")
		return nil, nil
	}
}

// expectSilence asserts that nothing arrives for the given duration.
func (p *rawPeer) expectSilence(d time.Duration) {
	p.t.Helper()
	select {
	case got := <-p.got:
		f, _ := Decode(got.Frame)
		p.t.Fatalf("unexpected frame: %s", KindName(f.Kind))
	case <-time.After(d):
	}
}

// register completes a handshake for the raw peer against a server
// socket and consumes the Ok reply.
func (p *rawPeer) register(server transport.Address) {
	p.t.Helper()
	p.send(KindCreate, server, testChannel)
	f, _ := p.next()
	require.Equal(p.t, KindOk, f.Kind)
}

// okResponder answers the first Create arriving at the raw peer with an
// Ok, letting Dial complete against a hand-driven peer.
func (p *rawPeer) okResponder() {
	go func() {
		d := <-p.got
		f, err := Decode(d.Frame)
		if err != nil || f.Kind != KindCreate {
			return
		}
		wire, err := NewFrame(KindOk, d.Channel, nil, 0, p.addr()).Encode()
		if err != nil {
			return
		}
		p.node.Send(d.From, d.Channel, wire)
	}()
}

type frameLog struct {
	mu     sync.Mutex
	frames []*Frame
}

func (l *frameLog) OnFrame(f *Frame, _ [][]byte) {
	l.mu.Lock()
	l.frames = append(l.frames, f)
	l.mu.Unlock()
}

func (l *frameLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

func newServer(t *testing.T, mesh *transport.Mesh) (*Socket, *transport.Node) {
	t.Helper()
	node := mesh.Join()
	t.Cleanup(node.Leave)
	return Listen(node, testChannel, map[string]string{"role": "server"}), node
}

func TestDialEstablishesSession(t *testing.T) {
	mesh := transport.NewMesh()
	server, _ := newServer(t, mesh)

	nc := mesh.Join()
	defer nc.Leave()
	sock, err := Dial(nc, serverAddr(server), testChannel, map[string]string{"who": "client"}, testWait)
	require.NoError(t, err)
	require.True(t, sock.Alive())
	require.Equal(t, ModeClient, sock.Mode())
	require.Equal(t, testChannel, sock.Channel())
	require.True(t, server.HasPeer(nc.Address(), testChannel))
	require.Len(t, server.Peers(), 1)
}

func TestDialNoReplyReleasesChannel(t *testing.T) {
	mesh := transport.NewMesh()
	nc := mesh.Join()
	defer nc.Leave()

	start := time.Now()
	_, err := Dial(nc, "no-such-node", testChannel, nil, 150*time.Millisecond)
	require.ErrorIs(t, err, ErrNoReply)
	require.Less(t, time.Since(start), testWait)

	// The channel must have been released by the failed dial.
	require.True(t, nc.Open(testChannel))
}

func TestDialRefusedLeavesChannelOpen(t *testing.T) {
	mesh := transport.NewMesh()
	server, _ := newServer(t, mesh)
	server.SetAdmission(func(*Frame, [][]byte) error {
		return errors.New("not welcome")
	})

	nc := mesh.Join()
	defer nc.Leave()
	_, err := Dial(nc, serverAddr(server), testChannel, nil, testWait)

	var refused *RefusedError
	require.ErrorAs(t, err, &refused)
	require.Equal(t, KindErr, refused.Kind)
	require.Equal(t, "not welcome", refused.Reason)
	require.Empty(t, server.Peers(), "rejected peer must not be registered")

	// Historical asymmetry with the timeout path: the channel stays
	// open after a refusal.
	require.False(t, nc.Open(testChannel))
}

func TestDuplicateCreateKeepsRegistryUnchanged(t *testing.T) {
	mesh := transport.NewMesh()
	server, sn := newServer(t, mesh)
	peer := newRawPeer(t, mesh, testChannel)

	peer.register(sn.Address())
	require.Len(t, server.Peers(), 1)

	peer.send(KindCreate, sn.Address(), testChannel)
	f, values := peer.next()
	require.Equal(t, KindErr, f.Kind)
	require.Equal(t, "already connected", string(values[0]))
	require.Len(t, server.Peers(), 1)
}

func TestAdmissionDecidesRegistration(t *testing.T) {
	mesh := transport.NewMesh()
	server, sn := newServer(t, mesh)

	var admitted []byte
	server.SetAdmission(func(f *Frame, _ [][]byte) error {
		admitted = append(admitted, f.Kind)
		if f.Kind == KindCreate && f.Settings["token"] == "" {
			return errors.New("missing token")
		}
		return nil
	})

	peer := newRawPeer(t, mesh, testChannel)
	peer.send(KindCreate, sn.Address(), testChannel)
	f, values := peer.next()
	require.Equal(t, KindErr, f.Kind)
	require.Equal(t, "missing token", string(values[0]))
	require.Empty(t, server.Peers())
	require.Equal(t, []byte{KindCreate}, admitted)
}

func TestWriteTooLargeSendsNothing(t *testing.T) {
	mesh := transport.NewMesh()
	server, sn := newServer(t, mesh)

	nc := mesh.Join()
	defer nc.Leave()
	sock, err := Dial(nc, sn.Address(), testChannel, nil, testWait)
	require.NoError(t, err)

	values := make([][]byte, MaxPayload+1)
	for i := range values {
		values[i] = []byte{byte(i)}
	}
	require.ErrorIs(t, sock.Write(values...), ErrTooLarge)
	require.Never(t, server.CanRead, 200*time.Millisecond, testTick)
}

func TestInboundBufferIsFIFO(t *testing.T) {
	mesh := transport.NewMesh()
	server, sn := newServer(t, mesh)
	peer := newRawPeer(t, mesh, testChannel)
	peer.register(sn.Address())

	for i := 1; i <= 3; i++ {
		peer.send(KindWrite, sn.Address(), testChannel, []byte(fmt.Sprintf("msg-%d", i)))
	}

	for i := 1; i <= 3; i++ {
		require.Eventually(t, server.CanRead, testWait, testTick)
		d := server.Read()
		require.NotNil(t, d)
		require.Equal(t, KindWrite, d.Frame.Kind)
		require.Equal(t, fmt.Sprintf("msg-%d", i), string(d.Values[0]))
	}
	require.Nil(t, server.Read())
	require.False(t, server.CanRead())
}

func TestReadN(t *testing.T) {
	mesh := transport.NewMesh()
	server, sn := newServer(t, mesh)
	peer := newRawPeer(t, mesh, testChannel)
	peer.register(sn.Address())

	_, err := server.ReadN(0)
	require.ErrorIs(t, err, ErrInvalidCount)

	peer.send(KindWrite, sn.Address(), testChannel, []byte("only"))
	require.Eventually(t, server.CanRead, testWait, testTick)

	got, err := server.ReadN(3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "only", string(got[0].Values[0]))
	require.Nil(t, got[1], "reads past the buffer yield nil, not blocking")
	require.Nil(t, got[2])
}

func TestListenerFanOut(t *testing.T) {
	mesh := transport.NewMesh()
	server, sn := newServer(t, mesh)
	peer := newRawPeer(t, mesh, testChannel)
	peer.register(sn.Address())

	l := &frameLog{}
	require.True(t, server.AddListener(l))
	require.False(t, server.AddListener(l), "same listener must not register twice")

	peer.send(KindWrite, sn.Address(), testChannel, []byte("ping me"))
	require.Eventually(t, func() bool { return l.count() == 1 }, testWait, testTick)

	// The duplicate registration was rejected, so the count stays at
	// one per frame.
	peer.send(KindWrite, sn.Address(), testChannel, []byte("again"))
	require.Eventually(t, func() bool { return l.count() == 2 }, testWait, testTick)

	require.True(t, server.RemoveListener(l))
	require.False(t, server.RemoveListener(l))
}

func TestPingRepliesOkWithoutStateChange(t *testing.T) {
	mesh := transport.NewMesh()
	server, sn := newServer(t, mesh)
	peer := newRawPeer(t, mesh, testChannel)

	peer.send(KindPing, sn.Address(), testChannel)
	f, _ := peer.next()
	require.Equal(t, KindOk, f.Kind)
	require.Empty(t, server.Peers())
	require.False(t, server.CanRead(), "ping must not be buffered")
}

func TestDestroyFromUnregisteredPeerIsIgnored(t *testing.T) {
	mesh := transport.NewMesh()
	server, sn := newServer(t, mesh)
	peer := newRawPeer(t, mesh, testChannel)

	peer.send(KindDestroy, sn.Address(), testChannel)
	peer.expectSilence(200 * time.Millisecond)
	require.Empty(t, server.Peers())

	// The dispatcher is still alive afterwards.
	peer.send(KindPing, sn.Address(), testChannel)
	f, _ := peer.next()
	require.Equal(t, KindOk, f.Kind)
}

func TestWriteFromUnregisteredPeerIsDropped(t *testing.T) {
	mesh := transport.NewMesh()
	server, sn := newServer(t, mesh)
	peer := newRawPeer(t, mesh, testChannel)

	peer.send(KindWrite, sn.Address(), testChannel, []byte("sneaky"))
	require.Never(t, server.CanRead, 200*time.Millisecond, testTick)
	peer.expectSilence(50 * time.Millisecond)
}

func TestDestroyUnregistersAndNotifiesAdmission(t *testing.T) {
	mesh := transport.NewMesh()
	server, sn := newServer(t, mesh)

	var kinds []byte
	server.SetAdmission(func(f *Frame, _ [][]byte) error {
		kinds = append(kinds, f.Kind)
		return nil
	})

	peer := newRawPeer(t, mesh, testChannel)
	peer.register(sn.Address())
	require.True(t, server.HasPeer(peer.addr(), testChannel))

	peer.send(KindDestroy, sn.Address(), testChannel)
	require.Eventually(t, func() bool {
		return !server.HasPeer(peer.addr(), testChannel)
	}, testWait, testTick)
	require.Equal(t, []byte{KindCreate, KindDestroy}, kinds)
}

func TestClientRejectsSecondCreate(t *testing.T) {
	mesh := transport.NewMesh()
	peer := newRawPeer(t, mesh, testChannel)
	peer.okResponder()

	nc := mesh.Join()
	defer nc.Leave()
	sock, err := Dial(nc, peer.addr(), testChannel, nil, testWait)
	require.NoError(t, err)

	peer.send(KindCreate, nc.Address(), testChannel)
	f, values := peer.next()
	require.Equal(t, KindErr, f.Kind)
	require.Equal(t, "already connected", string(values[0]))

	// Ordinary traffic from the peer is buffered and fanned out.
	l := &frameLog{}
	sock.AddListener(l)
	peer.send(KindWrite, nc.Address(), testChannel, []byte("data"))
	require.Eventually(t, sock.CanRead, testWait, testTick)
	require.Equal(t, 1, l.count())
	require.Equal(t, "data", string(sock.Read().Values[0]))
}

func TestServerBroadcastReachesClient(t *testing.T) {
	mesh := transport.NewMesh()
	server, sn := newServer(t, mesh)

	nc := mesh.Join()
	defer nc.Leave()
	sock, err := Dial(nc, sn.Address(), testChannel, nil, testWait)
	require.NoError(t, err)

	require.NoError(t, server.Write([]byte("to everyone")))
	require.Eventually(t, sock.CanRead, testWait, testTick)
	d := sock.Read()
	require.Equal(t, KindWrite, d.Frame.Kind)
	require.Equal(t, "to everyone", string(d.Values[0]))
	require.Equal(t, "server", d.Frame.Settings["role"], "settings are echoed on every frame")
}

func TestSendRepliesToOriginator(t *testing.T) {
	mesh := transport.NewMesh()
	server, sn := newServer(t, mesh)
	peer := newRawPeer(t, mesh, testChannel)
	peer.register(sn.Address())

	peer.send(KindWrite, sn.Address(), testChannel, []byte("question"))
	require.Eventually(t, server.CanRead, testWait, testTick)
	d := server.Read()

	require.NoError(t, server.Send(d.Frame, []byte("answer")))
	f, values := peer.next()
	require.Equal(t, KindWrite, f.Kind)
	require.Equal(t, "answer", string(values[0]))
	require.Equal(t, sn.Address(), f.Origin)
}

func TestCloseReleasesChannelAndNotifiesServer(t *testing.T) {
	mesh := transport.NewMesh()
	server, sn := newServer(t, mesh)

	nc := mesh.Join()
	defer nc.Leave()
	sock, err := Dial(nc, sn.Address(), testChannel, nil, testWait)
	require.NoError(t, err)
	require.True(t, server.HasPeer(nc.Address(), testChannel))

	require.NoError(t, sock.Close())
	require.False(t, sock.Alive())
	require.Eventually(t, func() bool {
		return !server.HasPeer(nc.Address(), testChannel)
	}, testWait, testTick)

	// The channel the dial opened is released again.
	require.True(t, nc.Open(testChannel))
}

func TestDoubleCloseResendsTeardown(t *testing.T) {
	mesh := transport.NewMesh()
	peer := newRawPeer(t, mesh, testChannel)
	peer.okResponder()

	nc := mesh.Join()
	defer nc.Leave()
	sock, err := Dial(nc, peer.addr(), testChannel, nil, testWait)
	require.NoError(t, err)

	require.NoError(t, sock.Close())
	f, _ := peer.next()
	require.Equal(t, KindDestroy, f.Kind)

	// Close is not idempotent: a second call repeats the teardown.
	sock.Close()
	f, _ = peer.next()
	require.Equal(t, KindDestroy, f.Kind)

	// A dead socket ignores all further arrivals.
	peer.send(KindWrite, nc.Address(), testChannel, []byte("late"))
	require.Never(t, sock.CanRead, 200*time.Millisecond, testTick)
}

func serverAddr(s *Socket) transport.Address {
	return s.t.Address()
}
