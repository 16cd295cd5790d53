package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgecli/btlite/internal/metrics"
	"github.com/edgecli/btlite/internal/radio"
	"github.com/edgecli/btlite/internal/registry"
)

const (
	// ListenName is the name the bridge listener registers under
	ListenName = "connectionMgr"
	// DefaultLocalAddr is where endpoints wait for the local daemon
	DefaultLocalAddr = "127.0.0.1:9527"
	// DefaultDialAttempts is how many times Connect dials before giving up
	DefaultDialAttempts = 3
	// DefaultRetryDelay is the pause between dial attempts
	DefaultRetryDelay = 200 * time.Millisecond
)

var (
	// ErrUnknownService is returned by Connect for a peer with no service record
	ErrUnknownService = errors.New("bridge: no service recorded for peer")
	// ErrConnectFailed is returned by Connect when every dial attempt failed
	ErrConnectFailed = errors.New("bridge: connect failed")
)

// AcceptHandler is told about endpoints opened by remote peers
type AcceptHandler interface {
	Accepted(id string)
}

// Config holds bridge settings
type Config struct {
	// ServiceID is the local service remote peers dial
	ServiceID uuid.UUID
	// LocalAddr is the TCP address endpoints bind for the local daemon
	LocalAddr    string
	DialAttempts int
	RetryDelay   time.Duration
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides the time source used for retry pauses
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// Manager creates and tracks bridge endpoints
type Manager struct {
	adapter radio.Adapter
	records *registry.Registry
	handler AcceptHandler
	cfg     Config
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	endpoints map[string]*Endpoint
	mu        sync.RWMutex
}

// NewManager creates a bridge manager
func NewManager(adapter radio.Adapter, records *registry.Registry, handler AcceptHandler,
	cfg Config, logger *zap.Logger, m *metrics.Metrics, opts ...Option) *Manager {
	if cfg.LocalAddr == "" {
		cfg.LocalAddr = DefaultLocalAddr
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = DefaultDialAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if m == nil {
		m = metrics.New(nil)
	}
	mgr := &Manager{
		adapter:   adapter,
		records:   records,
		handler:   handler,
		cfg:       cfg,
		clock:     clock.New(),
		logger:    logger.Named("bridge"),
		metrics:   m,
		endpoints: make(map[string]*Endpoint),
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// Connect opens a bridge to the peer named by spec and returns the endpoint id
func (m *Manager) Connect(ctx context.Context, spec string) (string, error) {
	addr, err := ParseConnectSpec(spec)
	if err != nil {
		m.metrics.ConnectFailures.WithLabelValues("invalid_spec").Inc()
		return "", err
	}

	// The radio cannot scan and connect at once
	if m.adapter.IsScanning() {
		if err := m.adapter.CancelScan(); err != nil {
			m.logger.Debug("Cancel scan failed", zap.Error(err))
		}
	}

	service, ok := m.records.Lookup(addr)
	if !ok {
		m.metrics.ConnectFailures.WithLabelValues("unknown_service").Inc()
		return "", fmt.Errorf("%w: %s", ErrUnknownService, addr)
	}

	sock, err := m.dial(ctx, addr, service)
	if err != nil {
		m.metrics.ConnectFailures.WithLabelValues("dial").Inc()
		return "", err
	}

	ep := m.register(spec, sock)
	m.logger.Info("Bridge connected",
		zap.String("endpoint", ep.ID()),
		zap.String("peer", addr),
		zap.Int("channel", sock.Channel()),
	)
	return ep.ID(), nil
}

// dial tries the peer a fixed number of times with a pause in between
func (m *Manager) dial(ctx context.Context, addr string, service uuid.UUID) (radio.Socket, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.DialAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-m.clock.After(m.cfg.RetryDelay):
			}
		}

		m.metrics.ConnectAttempts.Inc()
		sock, err := m.adapter.Dial(ctx, addr, service)
		if err == nil {
			return sock, nil
		}
		lastErr = err
		m.logger.Debug("Bridge dial failed",
			zap.String("peer", addr),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrConnectFailed, addr, m.cfg.DialAttempts, lastErr)
}

// Run accepts bridge sessions from peers, one listen cycle per connection,
// until ctx ends. A listen or accept failure stops the loop for good.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("Bridge accept loop started", zap.Stringer("service", m.cfg.ServiceID))
	for {
		sock, err := m.acceptOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Error("Bridge accept loop stopped", zap.Error(err))
			return err
		}

		ep := m.register("", sock)
		m.logger.Info("Bridge accepted", zap.String("endpoint", ep.ID()), zap.String("peer", sock.RemoteAddr()))
		if m.handler != nil {
			m.handler.Accepted(ep.ID())
		}
	}
}

func (m *Manager) acceptOne(ctx context.Context) (radio.Socket, error) {
	l, err := m.adapter.Listen(ListenName, m.cfg.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("bridge listen: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	defer l.Close()

	sock, err := l.Accept()
	if err != nil {
		return nil, fmt.Errorf("bridge accept: %w", err)
	}
	return sock, nil
}

func (m *Manager) register(spec string, sock radio.Socket) *Endpoint {
	ep := newEndpoint(uuid.New().String(), spec, sock, m.cfg.LocalAddr, m.clock, m.logger, m.metrics)

	m.mu.Lock()
	m.endpoints[ep.ID()] = ep
	m.metrics.Endpoints.Set(float64(len(m.endpoints)))
	m.mu.Unlock()

	ep.start()
	return ep
}

// Endpoint returns the endpoint registered under id
func (m *Manager) Endpoint(id string) (*Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[id]
	return ep, ok
}

// EndpointExit tears down and forgets the endpoint. Unknown ids are ignored.
func (m *Manager) EndpointExit(id string) bool {
	m.mu.Lock()
	ep, ok := m.endpoints[id]
	delete(m.endpoints, id)
	m.metrics.Endpoints.Set(float64(len(m.endpoints)))
	m.mu.Unlock()

	if !ok {
		return false
	}
	ep.Exit()
	return true
}

// Disconnect tears down every endpoint opened with spec and returns how many
func (m *Manager) Disconnect(spec string) int {
	m.mu.Lock()
	var matched []*Endpoint
	for id, ep := range m.endpoints {
		if ep.Spec() != "" && ep.Spec() == spec {
			matched = append(matched, ep)
			delete(m.endpoints, id)
		}
	}
	m.metrics.Endpoints.Set(float64(len(m.endpoints)))
	m.mu.Unlock()

	for _, ep := range matched {
		ep.Exit()
	}
	return len(matched)
}

// Endpoints returns a snapshot of registered endpoints, oldest first
func (m *Manager) Endpoints() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		out = append(out, ep.Info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Close tears down every endpoint and waits for their loops
func (m *Manager) Close() {
	m.mu.Lock()
	eps := m.endpoints
	m.endpoints = make(map[string]*Endpoint)
	m.metrics.Endpoints.Set(0)
	m.mu.Unlock()

	for _, ep := range eps {
		ep.Exit()
	}
	for _, ep := range eps {
		if err := ep.Wait(); err != nil {
			m.logger.Debug("Endpoint ended with error", zap.String("endpoint", ep.ID()), zap.Error(err))
		}
	}
}
