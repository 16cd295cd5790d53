// Package lanradio emulates a point-to-point radio on a LAN so the bridge can
// run between ordinary hosts. Presence (which peers are "paired") comes from
// UDP broadcast announcements; sessions are TCP connections to the peer's
// session port, opened with a short header naming the target service UUID.
package lanradio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgecli/btlite/internal/radio"
)

const (
	// DefaultPresencePort is the default UDP port for presence broadcasts
	DefaultPresencePort = 50060
	// DefaultAnnounceInterval is how often to broadcast presence
	DefaultAnnounceInterval = 5 * time.Second
	// DefaultStaleTimeout is how long before a silent peer drops out of range
	DefaultStaleTimeout = 30 * time.Second

	ackAccepted byte = 0x00
	ackNoService     = 0x01
	handshakeTimeout = 5 * time.Second
)

// Config holds the emulated radio settings
type Config struct {
	// Address is this device's radio address, host:port of the session port
	Address string
	// Name is announced alongside the address
	Name string
	// PresencePort is the UDP broadcast port
	PresencePort int
	// AnnounceInterval is the broadcast period while discoverable
	AnnounceInterval time.Duration
	// StaleTimeout drops peers that stopped announcing
	StaleTimeout time.Duration
	// SeedPeers are radio addresses always treated as paired
	SeedPeers []string
}

// Adapter is a radio.Adapter over UDP presence and TCP sessions.
type Adapter struct {
	cfg    Config
	logger *zap.Logger

	udp     *net.UDPConn
	tcp     net.Listener
	seedUDP []*net.UDPAddr

	mu           sync.Mutex
	lastSeen     map[string]time.Time
	listeners    map[uuid.UUID]*Listener
	discoverable bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ radio.Adapter = (*Adapter)(nil)

// New creates an adapter; Start binds its sockets
func New(cfg Config, logger *zap.Logger) *Adapter {
	if cfg.PresencePort == 0 {
		cfg.PresencePort = DefaultPresencePort
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultStaleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		cfg:       cfg,
		logger:    logger.Named("lanradio"),
		lastSeen:  make(map[string]time.Time),
		listeners: make(map[uuid.UUID]*Listener),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start binds the presence and session sockets and starts background loops
func (a *Adapter) Start() error {
	for _, seed := range a.cfg.SeedPeers {
		host, _, err := net.SplitHostPort(seed)
		if err != nil {
			return fmt.Errorf("invalid seed peer %s: %w", seed, err)
		}
		udpAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(a.cfg.PresencePort)))
		if err != nil {
			return fmt.Errorf("invalid seed peer %s: %w", seed, err)
		}
		a.seedUDP = append(a.seedUDP, udpAddr)
	}

	udp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: a.cfg.PresencePort})
	if err != nil {
		return fmt.Errorf("failed to bind UDP port %d: %w", a.cfg.PresencePort, err)
	}
	a.udp = udp

	host, port, err := net.SplitHostPort(a.cfg.Address)
	if err != nil {
		udp.Close()
		return fmt.Errorf("invalid radio address %s: %w", a.cfg.Address, err)
	}
	tcp, err := net.Listen("tcp", ":"+port)
	if err != nil {
		udp.Close()
		return fmt.Errorf("failed to bind session port %s: %w", port, err)
	}
	a.tcp = tcp
	if port == "0" {
		// Ephemeral session port: publish the one the kernel picked
		a.cfg.Address = net.JoinHostPort(host, strconv.Itoa(tcp.Addr().(*net.TCPAddr).Port))
	}

	a.wg.Add(3)
	go a.listenLoop()
	go a.cleanupLoop()
	go a.sessionLoop()

	a.logger.Info("LAN radio started",
		zap.String("address", a.cfg.Address),
		zap.Int("presence_port", a.cfg.PresencePort))
	return nil
}

// Stop announces departure and shuts down all loops
func (a *Adapter) Stop() {
	a.mu.Lock()
	discoverable := a.discoverable
	a.mu.Unlock()
	if discoverable && a.udp != nil {
		a.broadcast(MessageTypeLeave)
	}

	a.cancel()
	if a.udp != nil {
		a.udp.Close()
	}
	if a.tcp != nil {
		a.tcp.Close()
	}
	a.wg.Wait()
	a.logger.Info("LAN radio stopped")
}

// Addr returns this device's radio address
func (a *Adapter) Addr() string { return a.cfg.Address }

// EnsureDiscoverable starts announcing presence; later calls are no-ops
func (a *Adapter) EnsureDiscoverable(ctx context.Context) error {
	if a.udp == nil {
		return errors.New("lanradio: not started")
	}
	a.mu.Lock()
	if a.discoverable {
		a.mu.Unlock()
		return nil
	}
	a.discoverable = true
	a.mu.Unlock()

	a.wg.Add(1)
	go a.announceLoop()
	return nil
}

// PairedPeers returns seed peers plus every peer currently in range, sorted
func (a *Adapter) PairedPeers(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{})
	for _, seed := range a.cfg.SeedPeers {
		set[seed] = struct{}{}
	}
	a.mu.Lock()
	for addr := range a.lastSeen {
		set[addr] = struct{}{}
	}
	a.mu.Unlock()

	peers := make([]string, 0, len(set))
	for addr := range set {
		if addr != a.cfg.Address {
			peers = append(peers, addr)
		}
	}
	sort.Strings(peers)
	return peers, nil
}

// IsScanning is always false: presence is learned passively
func (a *Adapter) IsScanning() bool { return false }

// CancelScan is a no-op for the LAN emulation
func (a *Adapter) CancelScan() error { return nil }

// Dial opens a TCP session to addr and asks for service
func (a *Adapter) Dial(ctx context.Context, addr string, service uuid.UUID) (radio.Socket, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %v", addr, radio.ErrUnreachable, err)
	}

	header, err := encodeHeader(service, a.cfg.Address)
	if err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if _, err := conn.Write(header); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dial %s: handshake: %w", addr, err)
	}
	ack := make([]byte, 1)
	if _, err := io.ReadFull(conn, ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dial %s: handshake: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	if ack[0] != ackAccepted {
		conn.Close()
		return nil, fmt.Errorf("dial %s service %s: %w", addr, service, radio.ErrNoService)
	}

	port := 0
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}
	return &Socket{Conn: conn, remote: addr, channel: port}, nil
}

// Listen registers a listening session for service
func (a *Adapter) Listen(name string, service uuid.UUID) (radio.Listener, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.listeners[service]; exists {
		return nil, fmt.Errorf("listen %s: service %s already registered", name, service)
	}
	l := &Listener{
		name:     name,
		service:  service,
		owner:    a,
		incoming: make(chan *Socket),
		closed:   make(chan struct{}),
	}
	a.listeners[service] = l
	a.logger.Debug("Listening", zap.String("name", name), zap.Stringer("service", service))
	return l, nil
}

// sessionLoop accepts TCP sessions and routes them to the registered listener
func (a *Adapter) sessionLoop() {
	defer a.wg.Done()

	for {
		conn, err := a.tcp.Accept()
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.logger.Error("Session accept failed", zap.Error(err))
			return
		}
		go a.route(conn)
	}
}

// route reads the session header and hands the connection to its listener
func (a *Adapter) route(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	service, remote, err := decodeHeader(conn)
	if err != nil {
		a.logger.Debug("Bad session header", zap.Stringer("from", conn.RemoteAddr()), zap.Error(err))
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	a.mu.Lock()
	l, ok := a.listeners[service]
	a.mu.Unlock()
	if !ok {
		conn.Write([]byte{ackNoService})
		conn.Close()
		return
	}

	if _, err := conn.Write([]byte{ackAccepted}); err != nil {
		conn.Close()
		return
	}

	port := 0
	if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}
	sock := &Socket{Conn: conn, remote: remote, channel: port}

	select {
	case l.incoming <- sock:
	case <-l.closed:
		conn.Close()
	case <-a.ctx.Done():
		conn.Close()
	}
}

// Listener accepts TCP sessions for one service.
type Listener struct {
	name     string
	service  uuid.UUID
	owner    *Adapter
	incoming chan *Socket
	closed   chan struct{}
	once     sync.Once
}

// Accept blocks until a session for the service arrives
func (l *Listener) Accept() (radio.Socket, error) {
	select {
	case s := <-l.incoming:
		return s, nil
	case <-l.closed:
		return nil, radio.ErrClosed
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

// Socket is a TCP-backed radio session.
type Socket struct {
	net.Conn
	remote  string
	channel int
}

// RemoteAddr returns the peer's radio address
func (s *Socket) RemoteAddr() string { return s.remote }

// Channel returns the session port the connection was made on
func (s *Socket) Channel() int { return s.channel }
