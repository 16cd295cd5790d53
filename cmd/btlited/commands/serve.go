package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/edgecli/btlite/internal/btlite"
	"github.com/edgecli/btlite/internal/config"
	"github.com/edgecli/btlite/internal/control"
	"github.com/edgecli/btlite/internal/controller"
	"github.com/edgecli/btlite/internal/deviceid"
	"github.com/edgecli/btlite/internal/logging"
	"github.com/edgecli/btlite/internal/metrics"
	"github.com/edgecli/btlite/internal/radio"
	"github.com/edgecli/btlite/internal/radio/lanradio"
	"github.com/edgecli/btlite/internal/radio/memradio"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	Long: `Run the btlite daemon: the name service and connection manager listener
loops on the configured radio, the gRPC control plane and, when
metrics_addr is set, a Prometheus /metrics endpoint.

The "mem" radio kind runs an in-process network; peers listed under
radio.mem_peers are hosted alongside the daemon and advertise their names.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.ControlAddr = addr
	}

	logger, err := logging.New(logging.ComponentDaemon, logging.Options{
		Level:  cfg.Log.Level,
		Colors: cfg.Log.Colors,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	guid := cfg.GUID
	if guid == "" {
		paths, err := config.GetPaths()
		if err != nil {
			return err
		}
		if guid, err = deviceid.GetOrCreate(paths.GUIDFile); err != nil {
			return fmt.Errorf("failed to load bus GUID: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	hub := controller.NewHub(guid, logger)
	adapter, err := openRadio(gctx, g, cfg, logger)
	if err != nil {
		return err
	}

	transport := btlite.New(adapter, hub, btlite.Config{
		SessionTimeout: cfg.NameService.SessionTimeout,
		LocalAddr:      cfg.Bridge.LocalAddr,
		DialAttempts:   cfg.Bridge.DialAttempts,
		RetryDelay:     cfg.Bridge.RetryDelay,
		RecordTTL:      cfg.NameService.RecordTTL,
		RecordCapacity: cfg.NameService.RecordCapacity,
	}, logger, m)
	g.Go(func() error { return transport.Run(gctx) })

	lis, err := net.Listen("tcp", cfg.ControlAddr)
	if err != nil {
		stop()
		g.Wait()
		return fmt.Errorf("failed to listen on %s: %w", cfg.ControlAddr, err)
	}
	srv := grpc.NewServer(grpc.UnaryInterceptor(control.LoggingInterceptor(logger.Named(string(logging.ComponentControl)))))
	control.RegisterControlServer(srv, control.NewServer(transport, hub, logger))
	g.Go(func() error {
		<-gctx.Done()
		srv.GracefulStop()
		return nil
	})
	g.Go(func() error { return srv.Serve(lis) })

	if cfg.MetricsAddr != "" {
		serveMetrics(gctx, g, cfg.MetricsAddr, reg, logger)
	}

	logger.Info("btlited started",
		zap.String("guid", guid),
		zap.String("radio", cfg.Radio.Kind),
		zap.String("control", lis.Addr().String()),
		zap.Stringer("service", transport.Status().ServiceID),
	)

	err = g.Wait()
	logger.Info("btlited stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openRadio starts the configured adapter. Its shutdown is tied to ctx.
func openRadio(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *zap.Logger) (radio.Adapter, error) {
	radioLogger := logger.Named(string(logging.ComponentRadio))

	switch cfg.Radio.Kind {
	case config.RadioMem:
		return openMemRadio(ctx, g, cfg, radioLogger), nil
	default:
		adapter := lanradio.New(lanradio.Config{
			Address:          cfg.Radio.Address,
			Name:             cfg.Radio.Name,
			PresencePort:     cfg.Radio.PresencePort,
			AnnounceInterval: cfg.Radio.AnnounceInterval,
			StaleTimeout:     cfg.Radio.StaleTimeout,
			SeedPeers:        cfg.Radio.SeedPeers,
		}, radioLogger)
		if err := adapter.Start(); err != nil {
			return nil, fmt.Errorf("failed to start radio: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			adapter.Stop()
			return nil
		})
		return adapter, nil
	}
}

// openMemRadio builds an in-process network with the configured peers
// paired to the local adapter. Each peer runs its own transport.
func openMemRadio(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *zap.Logger) radio.Adapter {
	name := cfg.Radio.Name
	if name == "" {
		name = "local"
	}
	network := memradio.NewNetwork()
	local := network.Adapter(name)

	for _, peer := range cfg.Radio.MemPeers {
		peerLogger := logger.Named(peer.Addr)
		adapter := network.Adapter(peer.Addr)
		network.Pair(name, peer.Addr)

		tr := btlite.New(adapter, controller.NewHub(deviceid.New(), peerLogger), btlite.Config{
			LocalAddr: "127.0.0.1:0",
		}, peerLogger, nil)
		g.Go(func() error { return tr.Run(ctx) })
		g.Go(func() error {
			if err := tr.EnsureDiscoverable(ctx); err != nil {
				return err
			}
			for _, n := range peer.Names {
				tr.AdvertiseName(ctx, n)
			}
			peerLogger.Info("Simulated peer ready", zap.Strings("names", peer.Names))
			return nil
		})
	}
	return local
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Metrics listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}
