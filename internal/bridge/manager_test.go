package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/edgecli/btlite/internal/radio/memradio"
	"github.com/edgecli/btlite/internal/registry"
)

type acceptRecorder struct {
	ids chan string
}

func (r *acceptRecorder) Accepted(id string) { r.ids <- id }

type pair struct {
	network  *memradio.Network
	local    *memradio.Adapter
	remote   *memradio.Adapter
	records  *registry.Registry
	dialer   *Manager
	acceptor *Manager
	accepted *acceptRecorder
	clock    clock.Clock
}

// newPair wires a dialing manager on "local" to an accepting manager on "remote"
func newPair(t *testing.T, opts ...Option) *pair {
	t.Helper()

	network := memradio.NewNetwork()
	p := &pair{
		network:  network,
		local:    network.Adapter("local"),
		remote:   network.Adapter("remote"),
		records:  registry.NewRegistry(0),
		accepted: &acceptRecorder{ids: make(chan string, 4)},
	}
	network.Pair("local", "remote")

	logger := zaptest.NewLogger(t)
	remoteService := uuid.New()
	p.dialer = NewManager(p.local, p.records, nil, Config{
		ServiceID: uuid.New(),
		LocalAddr: "127.0.0.1:0",
	}, logger, nil, opts...)
	p.acceptor = NewManager(p.remote, registry.NewRegistry(0), p.accepted, Config{
		ServiceID: remoteService,
		LocalAddr: "127.0.0.1:0",
	}, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.acceptor.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		p.dialer.Close()
		p.acceptor.Close()
	})

	require.Eventually(t, func() bool {
		return p.remote.Listening(remoteService)
	}, time.Second, 5*time.Millisecond)
	p.records.Upsert("remote", remoteService)
	return p
}

func (p *pair) connect(t *testing.T) (local, remote *Endpoint) {
	t.Helper()

	id, err := p.dialer.Connect(context.Background(), "addr=remote,port=1")
	require.NoError(t, err)
	local, ok := p.dialer.Endpoint(id)
	require.True(t, ok)

	select {
	case rid := <-p.accepted.ids:
		remote, ok = p.acceptor.Endpoint(rid)
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("remote did not accept")
	}
	return local, remote
}

// attach connects a local TCP client to the endpoint once it is listening
func attach(t *testing.T, ep *Endpoint) net.Conn {
	t.Helper()
	require.Eventually(t, func() bool { return ep.LocalAddr() != "" }, time.Second, 5*time.Millisecond)

	conn, err := net.Dial("tcp", ep.LocalAddr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestConnectUnknownServiceMakesNoDial(t *testing.T) {
	p := newPair(t)
	p.local.SetScanning(true)

	_, err := p.dialer.Connect(context.Background(), "addr=stranger,port=3")
	assert.ErrorIs(t, err, ErrUnknownService)
	assert.Zero(t, p.local.DialCount())
	assert.Empty(t, p.dialer.Endpoints())
	// The scan is cancelled whatever the lookup finds
	assert.EqualValues(t, 1, p.local.CancelCount())
	assert.False(t, p.local.IsScanning())
}

func TestConnectInvalidSpec(t *testing.T) {
	p := newPair(t)

	_, err := p.dialer.Connect(context.Background(), "port=3")
	assert.ErrorIs(t, err, ErrInvalidConnectSpec)
	assert.Zero(t, p.local.DialCount())
}

func TestConnectCancelsScan(t *testing.T) {
	p := newPair(t)
	p.local.SetScanning(true)

	p.connect(t)
	assert.EqualValues(t, 1, p.local.CancelCount())
	assert.False(t, p.local.IsScanning())
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	mock := clock.NewMock()
	p := newPair(t, WithClock(mock))
	p.local.FailNextDials("remote", 2)

	type result struct {
		id  string
		err error
	}
	res := make(chan result, 1)
	go func() {
		id, err := p.dialer.Connect(context.Background(), "addr=remote,port=1")
		res <- result{id, err}
	}()

	var got result
	require.Eventually(t, func() bool {
		select {
		case got = <-res:
			return true
		default:
			mock.Add(DefaultRetryDelay)
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, got.err)
	assert.NotEmpty(t, got.id)
	assert.EqualValues(t, 3, p.local.DialCount())
}

func TestConnectFailsAfterThreeAttempts(t *testing.T) {
	mock := clock.NewMock()
	p := newPair(t, WithClock(mock))
	p.local.FailNextDials("remote", 10)

	res := make(chan error, 1)
	go func() {
		_, err := p.dialer.Connect(context.Background(), "addr=remote,port=1")
		res <- err
	}()

	var err error
	require.Eventually(t, func() bool {
		select {
		case err = <-res:
			return true
		default:
			mock.Add(DefaultRetryDelay)
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.EqualValues(t, 3, p.local.DialCount())
	assert.Empty(t, p.dialer.Endpoints())
}

func TestBridgeRelaysBytesBothWays(t *testing.T) {
	p := newPair(t)
	local, remote := p.connect(t)

	localConn := attach(t, local)
	remoteConn := attach(t, remote)

	outbound := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	go func() {
		localConn.Write(outbound)
	}()
	got := make([]byte, len(outbound))
	_, err := io.ReadFull(remoteConn, got)
	require.NoError(t, err)
	assert.Equal(t, outbound, got)

	reply := []byte("pong")
	_, err = remoteConn.Write(reply)
	require.NoError(t, err)
	got = make([]byte, len(reply))
	_, err = io.ReadFull(localConn, got)
	require.NoError(t, err)
	assert.Equal(t, reply, got)
}

func TestBytesBeforeLocalPeerAreQueued(t *testing.T) {
	p := newPair(t)
	local, remote := p.connect(t)

	remoteConn := attach(t, remote)
	_, err := remoteConn.Write([]byte("early"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return local.toLocal.Len() > 0 }, time.Second, 5*time.Millisecond)

	localConn := attach(t, local)
	got := make([]byte, 5)
	_, err = io.ReadFull(localConn, got)
	require.NoError(t, err)
	assert.Equal(t, "early", string(got))
}

func TestEndpointExitClosesSocketsOnce(t *testing.T) {
	p := newPair(t)
	local, _ := p.connect(t)
	localConn := attach(t, local)
	require.Eventually(t, func() bool { return local.Info().Connected }, time.Second, 5*time.Millisecond)

	assert.True(t, p.dialer.EndpointExit(local.ID()))
	assert.False(t, p.dialer.EndpointExit(local.ID()), "second exit is a no-op")
	local.Exit()

	require.NoError(t, local.Wait())
	sock := local.radio.(*memradio.Socket)
	assert.EqualValues(t, 1, sock.CloseCount())

	_, err := localConn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "local peer should see the bridge close")

	_, ok := p.dialer.Endpoint(local.ID())
	assert.False(t, ok)
}

func TestRemoteExitTearsDownPeerEndpoint(t *testing.T) {
	p := newPair(t)
	local, remote := p.connect(t)

	p.acceptor.EndpointExit(remote.ID())

	select {
	case <-local.Done():
	case <-time.After(time.Second):
		t.Fatal("local endpoint did not observe remote close")
	}
	require.NoError(t, local.Wait())
	assert.EqualValues(t, 1, local.radio.(*memradio.Socket).CloseCount())
	assert.ErrorIs(t, local.Err(), ErrStreamDisconnect)
	assert.NoError(t, remote.Err(), "explicit exit is not a disconnect")

	// the entry stays until the daemon asks for it to go
	require.Len(t, p.dialer.Endpoints(), 1)
	assert.True(t, p.dialer.EndpointExit(local.ID()))
	assert.Empty(t, p.dialer.Endpoints())
}

func TestDisconnectBySpec(t *testing.T) {
	p := newPair(t)
	p.connect(t)
	p.connect(t)

	assert.Equal(t, 0, p.dialer.Disconnect("addr=elsewhere,port=1"))
	assert.Equal(t, 2, p.dialer.Disconnect("addr=remote,port=1"))
	assert.Empty(t, p.dialer.Endpoints())
	assert.Equal(t, 0, p.acceptor.Disconnect(""), "accepted endpoints have no spec")
}

func TestEndpointsSnapshot(t *testing.T) {
	p := newPair(t)
	local, _ := p.connect(t)

	infos := p.dialer.Endpoints()
	require.Len(t, infos, 1)
	assert.Equal(t, local.ID(), infos[0].ID)
	assert.Equal(t, "addr=remote,port=1", infos[0].Spec)
	assert.Equal(t, "remote", infos[0].RemoteAddr)
	assert.Equal(t, 1, infos[0].Channel)
}

var errRadioDown = errors.New("rfcomm accept failed")

// startAcceptor starts an accepting manager on adapter and returns it with the
// channel its Run result arrives on
func startAcceptor(t *testing.T, adapter *memradio.Adapter, service uuid.UUID, rec *acceptRecorder) (*Manager, <-chan error) {
	t.Helper()

	m := NewManager(adapter, registry.NewRegistry(0), rec, Config{
		ServiceID: service,
		LocalAddr: "127.0.0.1:0",
	}, zaptest.NewLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		m.Close()
	})
	return m, done
}

func TestRunStopsOnListenFailure(t *testing.T) {
	network := memradio.NewNetwork()
	remote := network.Adapter("remote")
	service := uuid.New()
	remote.FailListen(service, errRadioDown)

	_, done := startAcceptor(t, remote, service, &acceptRecorder{ids: make(chan string, 1)})
	select {
	case err := <-done:
		assert.ErrorIs(t, err, errRadioDown)
	case <-time.After(5 * time.Second):
		t.Fatal("Run kept going after listen failed")
	}
}

func TestAcceptFailureKeepsLiveEndpoints(t *testing.T) {
	network := memradio.NewNetwork()
	local := network.Adapter("local")
	remote := network.Adapter("remote")
	network.Pair("local", "remote")

	service := uuid.New()
	rec := &acceptRecorder{ids: make(chan string, 4)}
	acceptor, done := startAcceptor(t, remote, service, rec)
	require.Eventually(t, func() bool { return remote.Listening(service) }, time.Second, 5*time.Millisecond)

	records := registry.NewRegistry(0)
	records.Upsert("remote", service)
	dialer := NewManager(local, records, nil, Config{
		ServiceID: uuid.New(),
		LocalAddr: "127.0.0.1:0",
	}, zaptest.NewLogger(t), nil)
	t.Cleanup(dialer.Close)

	id, err := dialer.Connect(context.Background(), "addr=remote,port=1")
	require.NoError(t, err)
	localEp, ok := dialer.Endpoint(id)
	require.True(t, ok)

	var remoteEp *Endpoint
	select {
	case rid := <-rec.ids:
		remoteEp, ok = acceptor.Endpoint(rid)
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("remote did not accept")
	}

	remote.FailAccept(service, errRadioDown)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, errRadioDown)
	case <-time.After(5 * time.Second):
		t.Fatal("Run kept going after accept failed")
	}
	require.Eventually(t, func() bool { return !remote.Listening(service) }, time.Second, 5*time.Millisecond)

	// The bridge accepted before the failure still relays
	select {
	case <-remoteEp.Done():
		t.Fatal("endpoint torn down by accept failure")
	default:
	}
	assert.Len(t, acceptor.Endpoints(), 1)

	localConn := attach(t, localEp)
	remoteConn := attach(t, remoteEp)
	_, err = localConn.Write([]byte("still here"))
	require.NoError(t, err)
	got := make([]byte, len("still here"))
	_, err = io.ReadFull(remoteConn, got)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(got))
}
