// Package memradio is an in-process radio.Adapter. Adapters join a shared
// Network and reach each other over net.Pipe. Used by tests and by the
// single-host "mem" radio mode.
package memradio

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/edgecli/btlite/internal/radio"
)

// Network connects a set of in-memory adapters.
type Network struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{adapters: make(map[string]*Adapter)}
}

// Adapter returns the adapter for addr, creating it on first use
func (n *Network) Adapter(addr string) *Adapter {
	n.mu.Lock()
	defer n.mu.Unlock()

	if a, ok := n.adapters[addr]; ok {
		return a
	}
	a := &Adapter{
		addr:       addr,
		network:    n,
		paired:     make(map[string]bool),
		listeners:  make(map[uuid.UUID]*Listener),
		failDials:  make(map[string]int),
		failListen: make(map[uuid.UUID]error),
		failAccept: make(map[uuid.UUID]error),
	}
	n.adapters[addr] = a
	return a
}

// Pair pairs two adapters with each other
func (n *Network) Pair(a, b string) {
	n.Adapter(a).pair(b)
	n.Adapter(b).pair(a)
}

func (n *Network) lookup(addr string) (*Adapter, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	a, ok := n.adapters[addr]
	return a, ok
}

// Adapter is one device on the network.
type Adapter struct {
	addr    string
	network *Network

	mu           sync.Mutex
	paired       map[string]bool
	pairOrder    []string
	listeners    map[uuid.UUID]*Listener
	failDials    map[string]int
	failListen   map[uuid.UUID]error
	failAccept   map[uuid.UUID]error
	discoverable bool
	scanning     bool
	nextChannel  int

	dials        atomic.Int64
	cancels      atomic.Int64
	activeDials  atomic.Int64
	maxActive    atomic.Int64
	dialObserver func(addr string, service uuid.UUID)
}

var _ radio.Adapter = (*Adapter)(nil)

// Addr returns the adapter's radio address
func (a *Adapter) Addr() string { return a.addr }

func (a *Adapter) pair(peer string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.paired[peer] {
		a.paired[peer] = true
		a.pairOrder = append(a.pairOrder, peer)
	}
}

// EnsureDiscoverable marks the adapter discoverable
func (a *Adapter) EnsureDiscoverable(ctx context.Context) error {
	a.mu.Lock()
	a.discoverable = true
	a.mu.Unlock()
	return nil
}

// Discoverable reports whether EnsureDiscoverable was called
func (a *Adapter) Discoverable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.discoverable
}

// PairedPeers returns paired addresses in pairing order
func (a *Adapter) PairedPeers(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.pairOrder))
	copy(out, a.pairOrder)
	return out, nil
}

// SetScanning simulates an inquiry scan in progress
func (a *Adapter) SetScanning(on bool) {
	a.mu.Lock()
	a.scanning = on
	a.mu.Unlock()
}

// IsScanning reports whether a scan is in progress
func (a *Adapter) IsScanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

// CancelScan stops a simulated scan
func (a *Adapter) CancelScan() error {
	a.cancels.Add(1)
	a.SetScanning(false)
	return nil
}

// CancelCount returns how many times CancelScan was called
func (a *Adapter) CancelCount() int64 { return a.cancels.Load() }

// FailNextDials makes the next n dials to addr fail with radio.ErrUnreachable
func (a *Adapter) FailNextDials(addr string, n int) {
	a.mu.Lock()
	a.failDials[addr] = n
	a.mu.Unlock()
}

// FailListen makes every Listen for service return err
func (a *Adapter) FailListen(service uuid.UUID, err error) {
	a.mu.Lock()
	a.failListen[service] = err
	a.mu.Unlock()
}

// FailAccept makes Accept on the listener for service return err, including
// an Accept already blocked and listeners registered later
func (a *Adapter) FailAccept(service uuid.UUID, err error) {
	a.mu.Lock()
	a.failAccept[service] = err
	l := a.listeners[service]
	a.mu.Unlock()

	if l != nil {
		l.breakWith(err)
	}
}

// OnDial registers a hook invoked at the start of every dial
func (a *Adapter) OnDial(fn func(addr string, service uuid.UUID)) {
	a.mu.Lock()
	a.dialObserver = fn
	a.mu.Unlock()
}

// DialCount returns the number of dial attempts made
func (a *Adapter) DialCount() int64 { return a.dials.Load() }

// MaxConcurrentDials returns the highest number of simultaneously open dialed sockets
func (a *Adapter) MaxConcurrentDials() int64 { return a.maxActive.Load() }

// Dial connects to service on the adapter at addr
func (a *Adapter) Dial(ctx context.Context, addr string, service uuid.UUID) (radio.Socket, error) {
	a.dials.Add(1)

	a.mu.Lock()
	observer := a.dialObserver
	fail := a.failDials[addr]
	if fail > 0 {
		a.failDials[addr] = fail - 1
	}
	a.mu.Unlock()

	if observer != nil {
		observer(addr, service)
	}
	if fail > 0 {
		return nil, fmt.Errorf("dial %s: %w", addr, radio.ErrUnreachable)
	}

	peer, ok := a.network.lookup(addr)
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", addr, radio.ErrUnreachable)
	}

	peer.mu.Lock()
	l, ok := peer.listeners[service]
	peer.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s service %s: %w", addr, service, radio.ErrNoService)
	}

	local, remote := net.Pipe()
	dialed := &Socket{Conn: local, remote: addr, channel: l.channel}
	accepted := &Socket{Conn: remote, remote: a.addr, channel: l.channel}

	select {
	case l.incoming <- accepted:
	case <-l.closed:
		local.Close()
		remote.Close()
		return nil, fmt.Errorf("dial %s service %s: %w", addr, service, radio.ErrNoService)
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}

	active := a.activeDials.Add(1)
	for {
		peak := a.maxActive.Load()
		if active <= peak || a.maxActive.CompareAndSwap(peak, active) {
			break
		}
	}
	dialed.onClose = func() { a.activeDials.Add(-1) }
	return dialed, nil
}

// Listen registers a listening session for service
func (a *Adapter) Listen(name string, service uuid.UUID) (radio.Listener, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.failListen[service]; err != nil {
		return nil, fmt.Errorf("listen %s: %w", name, err)
	}
	if _, exists := a.listeners[service]; exists {
		return nil, fmt.Errorf("listen %s: service %s already registered", name, service)
	}
	a.nextChannel++
	l := &Listener{
		name:     name,
		service:  service,
		channel:  a.nextChannel,
		owner:    a,
		incoming: make(chan *Socket),
		closed:   make(chan struct{}),
		broken:   make(chan struct{}),
	}
	if err := a.failAccept[service]; err != nil {
		l.breakWith(err)
	}
	a.listeners[service] = l
	return l, nil
}

// Listening reports whether a listener is registered for service
func (a *Adapter) Listening(service uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.listeners[service]
	return ok
}

// Listener accepts in-memory sessions for one service.
type Listener struct {
	name     string
	service  uuid.UUID
	channel  int
	owner    *Adapter
	incoming chan *Socket
	closed   chan struct{}
	once     sync.Once

	broken    chan struct{}
	breakOnce sync.Once
	err       error
}

func (l *Listener) breakWith(err error) {
	l.breakOnce.Do(func() {
		l.err = err
		close(l.broken)
	})
}

// Accept blocks until a peer dials the service or the listener is closed
func (l *Listener) Accept() (radio.Socket, error) {
	select {
	case s := <-l.incoming:
		return s, nil
	case <-l.closed:
		return nil, radio.ErrClosed
	case <-l.broken:
		return nil, l.err
	}
}

// Close unregisters the listener
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.owner.mu.Lock()
		if l.owner.listeners[l.service] == l {
			delete(l.owner.listeners, l.service)
		}
		l.owner.mu.Unlock()
	})
	return nil
}

// Socket is one end of an in-memory session.
type Socket struct {
	net.Conn
	remote  string
	channel int
	closes  atomic.Int64
	onClose func()
}

// RemoteAddr returns the peer's radio address
func (s *Socket) RemoteAddr() string { return s.remote }

// Channel returns the listener channel the session was opened on
func (s *Socket) Channel() int { return s.channel }

// Close closes the pipe end and counts the call
func (s *Socket) Close() error {
	if s.closes.Add(1) == 1 && s.onClose != nil {
		s.onClose()
	}
	return s.Conn.Close()
}

// CloseCount returns how many times Close was called
func (s *Socket) CloseCount() int64 { return s.closes.Load() }
