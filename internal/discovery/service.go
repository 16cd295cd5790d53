// Package discovery implements the radio name service: advertising
// well-known names to paired peers and discovering the names they host, one
// peer session at a time.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgecli/btlite/internal/metrics"
	"github.com/edgecli/btlite/internal/radio"
	"github.com/edgecli/btlite/internal/registry"
)

const (
	// ListenName is the name the discovery listener registers under
	ListenName = "discovery"
	// DefaultSessionTimeout bounds one peer session, dial included
	DefaultSessionTimeout = 30 * time.Second
)

// NameServiceUUID is the well-known service every name service listens on
var NameServiceUUID = uuid.MustParse("e9a24e10-b190-11e0-a00b-0800200c9a66")

// ErrNoPairedPeers is returned by Locate when there is nobody to ask
var ErrNoPairedPeers = errors.New("discovery: no paired peers")

// Controller is the daemon side of the name service
type Controller interface {
	// GlobalGUID identifies the local bus instance
	GlobalGUID() string
	// FoundName reports names hosted by the bus guid at addr
	FoundName(names, guid, addr, port string)
}

// Config holds name service tunables
type Config struct {
	// ServiceID is the local service UUID peers dial to open a bridge
	ServiceID uuid.UUID
	// SessionTimeout bounds dial plus exchange of one session
	SessionTimeout time.Duration
}

// Service advertises and discovers well-known names over the radio
type Service struct {
	adapter    radio.Adapter
	controller Controller
	records    *registry.Registry
	advertised *Advertised
	serviceID  uuid.UUID
	timeout    time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics

	// queue and state change together under mu; once stopped is set no
	// session goroutine is started
	mu      sync.Mutex
	queue   []Task
	state   State
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a name service
func NewService(adapter radio.Adapter, controller Controller, records *registry.Registry,
	cfg Config, logger *zap.Logger, m *metrics.Metrics) *Service {
	if cfg.ServiceID == uuid.Nil {
		cfg.ServiceID = uuid.New()
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if m == nil {
		m = metrics.New(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		adapter:    adapter,
		controller: controller,
		records:    records,
		advertised: NewAdvertised(),
		serviceID:  cfg.ServiceID,
		timeout:    cfg.SessionTimeout,
		logger:     logger.Named("nameservice"),
		metrics:    m,
		state:      StateIdle,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// ServiceID returns the local service UUID
func (s *Service) ServiceID() uuid.UUID {
	return s.serviceID
}

// Advertise adds name to the local list and pushes it to every paired peer
func (s *Service) Advertise(ctx context.Context, name string) bool {
	if !s.advertised.Add(name) {
		return false
	}

	peers, err := s.adapter.PairedPeers(ctx)
	if err != nil {
		s.logger.Warn("Cannot enumerate paired peers, advertisement kept local",
			zap.String("name", name), zap.Error(err))
		return true
	}

	tasks := make([]Task, 0, len(peers))
	for _, peer := range peers {
		tasks = append(tasks, Task{Action: ActionAdvertise, Peer: peer, Payload: name})
	}
	s.enqueue(tasks)

	s.logger.Info("Advertising name", zap.String("name", name), zap.Int("peers", len(peers)))
	return true
}

// Unadvertise removes the first entry equal to name
func (s *Service) Unadvertise(name string) bool {
	removed := s.advertised.Remove(name)
	if removed {
		s.logger.Info("Stopped advertising name", zap.String("name", name))
	}
	return removed
}

// MatchPrefix returns local names starting with prefix joined by ';'
func (s *Service) MatchPrefix(prefix string) string {
	return s.advertised.MatchPrefix(prefix)
}

// AdvertisedNames returns the local list in registration order
func (s *Service) AdvertisedNames() []string {
	return s.advertised.Names()
}

// Run serves discovery sessions from peers until ctx ends. An accept failure
// stops the listener for good and is returned.
func (s *Service) Run(ctx context.Context) error {
	l, err := s.adapter.Listen(ListenName, NameServiceUUID)
	if err != nil {
		return fmt.Errorf("name service listen: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	defer l.Close()

	s.logger.Info("Name service listening", zap.Stringer("service", NameServiceUUID))
	for {
		sock, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("Name service accept failed, listener stopped", zap.Error(err))
			return fmt.Errorf("name service accept: %w", err)
		}
		if !s.track() {
			sock.Close()
			return nil
		}
		go s.runAcceptor(sock)
	}
}

// track counts a new session goroutine unless the service is stopping
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

// Stop abandons queued tasks and waits for running sessions
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
