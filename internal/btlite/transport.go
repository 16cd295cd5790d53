// Package btlite is the transport surface the daemon drives: name
// advertisement and discovery over the radio, plus bridged sessions.
package btlite

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgecli/btlite/internal/bridge"
	"github.com/edgecli/btlite/internal/discovery"
	"github.com/edgecli/btlite/internal/metrics"
	"github.com/edgecli/btlite/internal/radio"
	"github.com/edgecli/btlite/internal/registry"
)

// Controller is the daemon the transport reports to
type Controller interface {
	discovery.Controller
	bridge.AcceptHandler
}

// Config holds transport settings. Zero values take package defaults.
type Config struct {
	// ServiceID is the bridge service peers dial; random when zero
	ServiceID      uuid.UUID
	SessionTimeout time.Duration
	LocalAddr      string
	DialAttempts   int
	RetryDelay     time.Duration
	RecordTTL      time.Duration
	RecordCapacity int
}

// Option configures a Transport
type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock overrides the time source for record staleness and dial pauses
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Status is a point-in-time view of the transport
type Status struct {
	GUID       string
	ServiceID  uuid.UUID
	State      discovery.State
	Pending    int
	Advertised []string
	Records    []registry.Record
	Endpoints  []bridge.Info
}

// Transport wires the name service and bridge manager to one radio adapter
type Transport struct {
	adapter    radio.Adapter
	controller Controller
	records    *registry.Registry
	names      *discovery.Service
	bridges    *bridge.Manager
	logger     *zap.Logger
}

// New creates a transport on adapter reporting to controller
func New(adapter radio.Adapter, controller Controller, cfg Config, logger *zap.Logger,
	m *metrics.Metrics, opts ...Option) *Transport {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.ServiceID == uuid.Nil {
		cfg.ServiceID = uuid.New()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	ttl := cfg.RecordTTL
	if ttl == 0 {
		ttl = registry.DefaultTTL
	}
	records := registry.NewRegistry(cfg.RecordCapacity, registry.WithClock(o.clock), registry.WithTTL(ttl))

	names := discovery.NewService(adapter, controller, records, discovery.Config{
		ServiceID:      cfg.ServiceID,
		SessionTimeout: cfg.SessionTimeout,
	}, logger, m)

	bridges := bridge.NewManager(adapter, records, controller, bridge.Config{
		ServiceID:    cfg.ServiceID,
		LocalAddr:    cfg.LocalAddr,
		DialAttempts: cfg.DialAttempts,
		RetryDelay:   cfg.RetryDelay,
	}, logger, m, bridge.WithClock(o.clock))

	return &Transport{
		adapter:    adapter,
		controller: controller,
		records:    records,
		names:      names,
		bridges:    bridges,
		logger:     logger.Named("transport"),
	}
}

// Run serves both listener loops until ctx ends, then shuts the transport
// down. A listener that fails stops on its own; the other one, running
// sessions and bridges keep going.
func (t *Transport) Run(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return t.listen(ctx, "nameservice", t.names.Run) })
	g.Go(func() error { return t.listen(ctx, "bridge", t.bridges.Run) })

	<-ctx.Done()
	g.Wait()
	t.names.Stop()
	t.bridges.Close()
	t.logger.Info("Transport stopped")
	return nil
}

func (t *Transport) listen(ctx context.Context, name string, run func(context.Context) error) error {
	if err := run(ctx); err != nil {
		t.logger.Error("Listener stopped for good", zap.String("listener", name), zap.Error(err))
	}
	return nil
}

// EnsureDiscoverable makes the local radio visible to peers
func (t *Transport) EnsureDiscoverable(ctx context.Context) error {
	return t.adapter.EnsureDiscoverable(ctx)
}

// AdvertiseName advertises name to every paired peer
func (t *Transport) AdvertiseName(ctx context.Context, name string) bool {
	return t.names.Advertise(ctx, name)
}

// RemoveAdvertisedName stops advertising one entry of name
func (t *Transport) RemoveAdvertisedName(name string) bool {
	return t.names.Unadvertise(name)
}

// StartDiscovery asks every paired peer for names starting with prefix
func (t *Transport) StartDiscovery(ctx context.Context, prefix string) error {
	return t.names.Locate(ctx, prefix)
}

// StopDiscovery drops queued discovery for prefix and returns how many peer
// visits were cancelled
func (t *Transport) StopDiscovery(prefix string) int {
	return t.names.StopDiscovery(prefix)
}

// Connect opens a bridge to the peer named by spec
func (t *Transport) Connect(ctx context.Context, spec string) (string, error) {
	return t.bridges.Connect(ctx, spec)
}

// Disconnect tears down every bridge opened with spec
func (t *Transport) Disconnect(spec string) int {
	return t.bridges.Disconnect(spec)
}

// EndpointExit tears down one bridge
func (t *Transport) EndpointExit(id string) bool {
	return t.bridges.EndpointExit(id)
}

// Status returns a snapshot of the transport
func (t *Transport) Status() Status {
	return Status{
		GUID:       t.controller.GlobalGUID(),
		ServiceID:  t.names.ServiceID(),
		State:      t.names.State(),
		Pending:    t.names.Pending(),
		Advertised: t.names.AdvertisedNames(),
		Records:    t.records.List(),
		Endpoints:  t.bridges.Endpoints(),
	}
}
