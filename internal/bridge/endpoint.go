package bridge

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgecli/btlite/internal/metrics"
	"github.com/edgecli/btlite/internal/radio"
)

const (
	readBufferSize = 4096
	// bindRetryInterval paces LocalAcceptor while another endpoint holds the port
	bindRetryInterval = 250 * time.Millisecond
)

// ErrStreamDisconnect records that a socket read or write failed or hit EOF
var ErrStreamDisconnect = errors.New("bridge: stream disconnected")

// Info is a point-in-time view of an endpoint
type Info struct {
	ID         string
	Spec       string
	RemoteAddr string
	Channel    int
	LocalAddr  string
	Connected  bool
	Created    time.Time
}

// Endpoint relays one radio socket to one local TCP connection.
//
// Four loops run per endpoint: RadioReceiver and RadioSender on the radio
// socket, LocalReceiver and LocalSender on the local connection. The local
// side is bound lazily by LocalAcceptor, which accepts exactly one
// connection.
type Endpoint struct {
	id        string
	spec      string
	radio     radio.Socket
	localAddr string
	created   time.Time

	toLocal *queue
	toRadio *queue

	done     chan struct{}
	exitOnce sync.Once

	mu       sync.Mutex
	listener net.Listener
	local    net.Conn
	bound    string
	cause    error

	group   errgroup.Group
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func newEndpoint(id, spec string, sock radio.Socket, localAddr string,
	clk clock.Clock, logger *zap.Logger, m *metrics.Metrics) *Endpoint {
	return &Endpoint{
		id:        id,
		spec:      spec,
		radio:     sock,
		localAddr: localAddr,
		created:   clk.Now(),
		toLocal:   newQueue(),
		toRadio:   newQueue(),
		done:      make(chan struct{}),
		clock:     clk,
		logger:    logger.With(zap.String("endpoint", id), zap.String("peer", sock.RemoteAddr())),
		metrics:   m,
	}
}

// start launches RadioReceiver, RadioSender and LocalAcceptor
func (e *Endpoint) start() {
	e.group.Go(e.radioReceiver)
	e.group.Go(e.radioSender)
	e.group.Go(e.localAcceptor)
}

// ID returns the endpoint's unique id
func (e *Endpoint) ID() string { return e.id }

// Spec returns the connect spec, empty for accepted endpoints
func (e *Endpoint) Spec() string { return e.spec }

// Done is closed once the endpoint has exited
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Exit stops all loops and closes both sockets. Safe to call more than once.
func (e *Endpoint) Exit() {
	e.exitOnce.Do(func() {
		close(e.done)

		e.mu.Lock()
		listener, local := e.listener, e.local
		e.mu.Unlock()

		var err error
		err = multierr.Append(err, e.radio.Close())
		if local != nil {
			err = multierr.Append(err, local.Close())
		}
		if listener != nil {
			err = multierr.Append(err, listener.Close())
		}
		if err != nil {
			e.logger.Debug("Endpoint close errors", zap.Error(err))
		}
		e.logger.Info("Endpoint exited")
	})
}

// Wait blocks until every loop has returned and reports the first loop error
func (e *Endpoint) Wait() error {
	return e.group.Wait()
}

// Info returns a snapshot of the endpoint
func (e *Endpoint) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{
		ID:         e.id,
		Spec:       e.spec,
		RemoteAddr: e.radio.RemoteAddr(),
		Channel:    e.radio.Channel(),
		LocalAddr:  e.bound,
		Connected:  e.local != nil,
		Created:    e.created,
	}
}

// LocalAddr returns the bound local listen address, empty until bound
func (e *Endpoint) LocalAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bound
}

func (e *Endpoint) exited() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Err returns why the endpoint tore itself down, nil if it did not
func (e *Endpoint) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cause
}

// teardown ends the endpoint after a stream failure on either side
func (e *Endpoint) teardown(side string, err error) error {
	if e.exited() {
		return nil
	}
	cause := fmt.Errorf("%w: %s: %w", ErrStreamDisconnect, side, err)
	e.mu.Lock()
	if e.cause == nil {
		e.cause = cause
	}
	e.mu.Unlock()

	if errors.Is(err, io.EOF) {
		e.logger.Info("Stream closed by peer", zap.String("side", side))
		e.Exit()
		return nil
	}
	e.logger.Warn("Stream failed", zap.String("side", side), zap.Error(err))
	e.Exit()
	return cause
}

// receive copies chunks read from r onto q until r fails
func (e *Endpoint) receive(side string, r io.Reader, q *queue, direction string) error {
	counter := e.metrics.BridgedBytes.WithLabelValues(direction)
	for {
		buf := make([]byte, readBufferSize)
		n, err := r.Read(buf)
		if n > 0 && !e.exited() {
			q.Push(buf[:n])
			counter.Add(float64(n))
		}
		if err != nil {
			return e.teardown(side, err)
		}
		if e.exited() {
			return nil
		}
	}
}

// send writes chunks from q to w until the endpoint exits
func (e *Endpoint) send(side string, w io.Writer, q *queue) error {
	for {
		chunk, ok := q.Pop(e.done)
		if !ok || e.exited() {
			return nil
		}
		if _, err := w.Write(chunk); err != nil {
			return e.teardown(side, err)
		}
	}
}

func (e *Endpoint) radioReceiver() error {
	return e.receive("radio", e.radio, e.toLocal, metrics.DirectionToLocal)
}

func (e *Endpoint) radioSender() error {
	return e.send("radio", e.radio, e.toRadio)
}

// localAcceptor binds the local address, accepts one connection and starts
// the local loops. Further local connections are never accepted.
func (e *Endpoint) localAcceptor() error {
	l, err := e.bindLocal()
	if err != nil || l == nil {
		return err
	}

	conn, err := l.Accept()
	l.Close()
	if err != nil {
		if e.exited() {
			return nil
		}
		e.Exit()
		return fmt.Errorf("local accept: %w", err)
	}

	e.mu.Lock()
	e.listener = nil
	if e.exited() {
		e.mu.Unlock()
		conn.Close()
		return nil
	}
	e.local = conn
	e.mu.Unlock()

	e.logger.Info("Local peer attached", zap.Stringer("local", conn.RemoteAddr()))
	e.group.Go(func() error {
		return e.receive("local", conn, e.toRadio, metrics.DirectionToRadio)
	})
	e.group.Go(func() error {
		return e.send("local", conn, e.toLocal)
	})
	return nil
}

// bindLocal listens on the local address, waiting while it is in use.
// Returns a nil listener if the endpoint exits first.
func (e *Endpoint) bindLocal() (net.Listener, error) {
	for {
		l, err := net.Listen("tcp", e.localAddr)
		if err == nil {
			e.mu.Lock()
			if e.exited() {
				e.mu.Unlock()
				l.Close()
				return nil, nil
			}
			e.listener = l
			e.bound = l.Addr().String()
			e.mu.Unlock()
			e.logger.Debug("Waiting for local peer", zap.String("addr", e.bound))
			return l, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			e.Exit()
			return nil, fmt.Errorf("local listen %s: %w", e.localAddr, err)
		}

		select {
		case <-e.done:
			return nil, nil
		case <-e.clock.After(bindRetryInterval):
		}
	}
}
