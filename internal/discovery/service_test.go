package discovery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/edgecli/btlite/internal/radio/memradio"
	"github.com/edgecli/btlite/internal/registry"
)

type found struct {
	names, guid, addr, port string
}

type recordingController struct {
	guid  string
	mu    sync.Mutex
	found []found
}

func (c *recordingController) GlobalGUID() string { return c.guid }

func (c *recordingController) FoundName(names, guid, addr, port string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.found = append(c.found, found{names, guid, addr, port})
}

func (c *recordingController) Found() []found {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]found, len(c.found))
	copy(out, c.found)
	return out
}

type node struct {
	adapter    *memradio.Adapter
	controller *recordingController
	records    *registry.Registry
	svc        *Service
}

// startNode runs a name service on addr and waits for its listener
func startNode(t *testing.T, network *memradio.Network, addr string) *node {
	t.Helper()

	n := &node{
		adapter:    network.Adapter(addr),
		controller: &recordingController{guid: "guid-" + addr},
		records:    registry.NewRegistry(0),
	}
	n.svc = NewService(n.adapter, n.controller, n.records, Config{
		SessionTimeout: 5 * time.Second,
	}, zaptest.NewLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		n.svc.Stop()
	})

	require.Eventually(t, func() bool {
		return n.adapter.Listening(NameServiceUUID)
	}, time.Second, 5*time.Millisecond)
	return n
}

func waitIdle(t *testing.T, svc *Service) {
	t.Helper()
	require.Eventually(t, func() bool {
		return svc.State() == StateIdle && svc.Pending() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestLocateVisitsPeersOneAtATime(t *testing.T) {
	network := memradio.NewNetwork()
	local := startNode(t, network, "local")

	const peers = 5
	for i := 0; i < peers; i++ {
		addr := fmt.Sprintf("peer-%d", i)
		p := startNode(t, network, addr)
		p.svc.advertised.Add("org.example." + addr)
		network.Pair("local", addr)
	}

	require.NoError(t, local.svc.Locate(context.Background(), "org.example"))
	waitIdle(t, local.svc)

	assert.EqualValues(t, peers, local.adapter.DialCount())
	assert.EqualValues(t, 1, local.adapter.MaxConcurrentDials(), "sessions must not overlap")

	got := local.controller.Found()
	require.Len(t, got, peers)
	for i, f := range got {
		addr := fmt.Sprintf("peer-%d", i)
		assert.Equal(t, "org.example."+addr, f.names)
		assert.Equal(t, "guid-"+addr, f.guid)
		assert.Equal(t, addr, f.addr)
		assert.Equal(t, "1", f.port)
	}
	assert.Len(t, local.records.List(), peers)
}

func TestLocateWithoutPairedPeers(t *testing.T) {
	network := memradio.NewNetwork()
	local := startNode(t, network, "local")

	err := local.svc.Locate(context.Background(), "org")
	assert.ErrorIs(t, err, ErrNoPairedPeers)
	assert.Equal(t, StateIdle, local.svc.State())
	assert.Zero(t, local.adapter.DialCount())
}

func TestDiscoverRequestJoinsMatches(t *testing.T) {
	network := memradio.NewNetwork()
	remote := startNode(t, network, "remote")
	for _, n := range []string{"foo.bar", "foo.baz", "other"} {
		require.True(t, remote.svc.Advertise(context.Background(), n))
	}

	client := network.Adapter("client")
	sock, err := client.Dial(context.Background(), "remote", NameServiceUUID)
	require.NoError(t, err)
	defer sock.Close()

	require.NoError(t, WriteMessage(sock, NewDiscoverRequest("foo")))
	reply, err := ReadMessage(sock)
	require.NoError(t, err)

	assert.Equal(t, MessageTypeDiscoverReply, reply.Type)
	assert.Equal(t, "foo.bar;foo.baz", reply.Names)
	assert.Equal(t, "guid-remote", reply.GUID)
	assert.Equal(t, remote.svc.ServiceID().String(), reply.ServiceID)
}

func TestEmptyReplyReportsNothing(t *testing.T) {
	network := memradio.NewNetwork()
	local := startNode(t, network, "local")
	startNode(t, network, "remote")
	network.Pair("local", "remote")

	require.NoError(t, local.svc.Locate(context.Background(), "org"))
	waitIdle(t, local.svc)

	assert.Empty(t, local.controller.Found())
	assert.Zero(t, local.records.Count())
}

func TestAdvertisePushesToPairedPeers(t *testing.T) {
	network := memradio.NewNetwork()
	local := startNode(t, network, "local")
	remote := startNode(t, network, "remote")
	network.Pair("local", "remote")

	require.True(t, local.svc.Advertise(context.Background(), "org.example.chat"))
	waitIdle(t, local.svc)

	require.Eventually(t, func() bool {
		return len(remote.controller.Found()) == 1
	}, time.Second, 5*time.Millisecond)

	f := remote.controller.Found()[0]
	assert.Equal(t, "org.example.chat", f.names)
	assert.Equal(t, "guid-local", f.guid)
	assert.Equal(t, "local", f.addr)

	svc, ok := remote.records.Lookup("local")
	require.True(t, ok)
	assert.Equal(t, local.svc.ServiceID(), svc)
	assert.Equal(t, StateIdle, remote.svc.State(), "acceptor sessions never drive the coordinator")
}

func TestFailedDialAdvancesToNextPeer(t *testing.T) {
	network := memradio.NewNetwork()
	local := startNode(t, network, "local")
	for _, addr := range []string{"down", "up"} {
		p := startNode(t, network, addr)
		p.svc.advertised.Add("org." + addr)
		network.Pair("local", addr)
	}
	local.adapter.FailNextDials("down", 1)

	require.NoError(t, local.svc.Locate(context.Background(), "org"))
	waitIdle(t, local.svc)

	got := local.controller.Found()
	require.Len(t, got, 1)
	assert.Equal(t, "org.up", got[0].names)
	assert.EqualValues(t, 2, local.adapter.DialCount(), "failed tasks are not retried")
}

func TestInitiatorCancelsScan(t *testing.T) {
	network := memradio.NewNetwork()
	local := startNode(t, network, "local")
	startNode(t, network, "remote")
	network.Pair("local", "remote")
	local.adapter.SetScanning(true)

	require.NoError(t, local.svc.Locate(context.Background(), "org"))
	waitIdle(t, local.svc)

	assert.False(t, local.adapter.IsScanning())
	assert.EqualValues(t, 1, local.adapter.CancelCount())
}

func TestOversizeRequestClosesSession(t *testing.T) {
	network := memradio.NewNetwork()
	remote := startNode(t, network, "remote")
	remote.svc.advertised.Add("foo")

	client := network.Adapter("client")
	sock, err := client.Dial(context.Background(), "remote", NameServiceUUID)
	require.NoError(t, err)
	defer sock.Close()

	_, err = sock.Write(binary.AppendUvarint(nil, MaxMessageSize+1))
	require.NoError(t, err)

	_, err = ReadMessage(sock)
	assert.ErrorIs(t, err, io.EOF, "acceptor should close without replying")
	assert.Empty(t, remote.controller.Found())
}

func TestStopDiscoveryDropsQueuedTasks(t *testing.T) {
	network := memradio.NewNetwork()
	local := startNode(t, network, "local")
	for i := 0; i < 3; i++ {
		addr := fmt.Sprintf("peer-%d", i)
		startNode(t, network, addr)
		network.Pair("local", addr)
	}

	release := make(chan struct{})
	var once sync.Once
	local.adapter.OnDial(func(addr string, service uuid.UUID) {
		once.Do(func() { <-release })
	})

	require.NoError(t, local.svc.Locate(context.Background(), "org"))
	require.Eventually(t, func() bool {
		return local.adapter.DialCount() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, StateQuerying, local.svc.State())
	assert.Equal(t, 2, local.svc.Pending())
	assert.Equal(t, 0, local.svc.StopDiscovery("net"))
	assert.Equal(t, 2, local.svc.StopDiscovery("org"))

	close(release)
	waitIdle(t, local.svc)
	assert.EqualValues(t, 1, local.adapter.DialCount())
}

func TestUnadvertise(t *testing.T) {
	network := memradio.NewNetwork()
	local := startNode(t, network, "local")

	assert.True(t, local.svc.Advertise(context.Background(), "org.a"))
	assert.True(t, local.svc.Advertise(context.Background(), "org.a"))
	assert.Equal(t, "org.a;org.a", local.svc.MatchPrefix("org"))

	assert.True(t, local.svc.Unadvertise("org.a"))
	assert.Equal(t, []string{"org.a"}, local.svc.AdvertisedNames())
	assert.False(t, local.svc.Unadvertise("org.b"))
}

var errRadioDown = errors.New("rfcomm accept failed")

func newService(t *testing.T, adapter *memradio.Adapter) *Service {
	t.Helper()
	return NewService(adapter, &recordingController{guid: "g"}, registry.NewRegistry(0), Config{}, zaptest.NewLogger(t), nil)
}

func TestRunStopsForGoodOnAcceptFailure(t *testing.T) {
	network := memradio.NewNetwork()
	adapter := network.Adapter("local")
	peer := network.Adapter("peer")
	svc := newService(t, adapter)
	defer svc.Stop()

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()
	require.Eventually(t, func() bool { return adapter.Listening(NameServiceUUID) }, time.Second, 5*time.Millisecond)

	adapter.FailAccept(NameServiceUUID, errRadioDown)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, errRadioDown)
	case <-time.After(5 * time.Second):
		t.Fatal("Run kept going after accept failed")
	}

	// Nobody listens any more
	assert.False(t, adapter.Listening(NameServiceUUID))
	_, err := peer.Dial(context.Background(), "local", NameServiceUUID)
	assert.Error(t, err)
}

func TestRunFailsWhenListenFails(t *testing.T) {
	network := memradio.NewNetwork()
	adapter := network.Adapter("local")
	adapter.FailListen(NameServiceUUID, errRadioDown)
	svc := newService(t, adapter)
	defer svc.Stop()

	err := svc.Run(context.Background())
	assert.ErrorIs(t, err, errRadioDown)
}

func TestStoppedServiceStartsNoSessions(t *testing.T) {
	network := memradio.NewNetwork()
	adapter := network.Adapter("local")
	network.Pair("local", "peer")
	svc := newService(t, adapter)

	svc.Stop()

	assert.True(t, svc.Advertise(context.Background(), "org.a"))
	require.NoError(t, svc.Locate(context.Background(), "org"))
	assert.Equal(t, StateIdle, svc.State())
	assert.Zero(t, svc.Pending())
	assert.Zero(t, adapter.DialCount())

	// Stop is idempotent
	svc.Stop()
}
