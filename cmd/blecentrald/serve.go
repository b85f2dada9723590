package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/blecentral/internal/central"
	"github.com/signalsfoundry/blecentral/internal/config"
	"github.com/signalsfoundry/blecentral/internal/dispatch"
	"github.com/signalsfoundry/blecentral/internal/logging"
	"github.com/signalsfoundry/blecentral/internal/nbi"
	"github.com/signalsfoundry/blecentral/internal/notify"
	"github.com/signalsfoundry/blecentral/internal/observability"
	"github.com/signalsfoundry/blecentral/internal/policy"
	"github.com/signalsfoundry/blecentral/internal/sbi"
	"github.com/signalsfoundry/blecentral/internal/sbi/bluez"
	"github.com/signalsfoundry/blecentral/internal/sbi/simulated"
	"github.com/signalsfoundry/blecentral/kb"
	"github.com/signalsfoundry/blecentral/model"
	"github.com/signalsfoundry/blecentral/timectrl"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var scenario string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the connection engine with its control API",
		Long: `serve starts the connection engine over the configured transport and exposes
the gRPC control API, Prometheus metrics on /metrics and state notifications
on the /ws websocket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(func(c *config.Config) {
				if scenario != "" {
					c.Transport.Kind = config.TransportSimulated
					c.Transport.Scenario = scenario
				}
			})
			if err != nil {
				return err
			}
			log := newLogger(cmd, cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing.Options(), log)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

			d, err := newDaemon(ctx, cfg, log, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			return d.run(ctx)
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "", "serve a simulated transport from this scenario file")
	return cmd
}

// daemon is the wired engine with its control and notification surfaces.
type daemon struct {
	cfg    *config.Config
	log    logging.Logger
	timing policy.Config

	loop      *dispatch.Loop
	clock     *timectrl.TimeController
	transport sbi.Transport
	engine    *central.Engine
	fanout    *notify.Fanout
	hub       *notify.Hub
	catalog   *kb.Catalog

	engineMetrics  *observability.EngineCollector
	controlMetrics *observability.ControlCollector

	grpcServer *grpc.Server
	httpServer *http.Server
	grpcLis    net.Listener
	httpLis    net.Listener

	loopCancel context.CancelFunc
	cleanups   []func()
	errs       chan error
	ready      chan struct{}
}

func newDaemon(ctx context.Context, cfg *config.Config, log logging.Logger, reg prometheus.Registerer) (*daemon, error) {
	d := &daemon{
		cfg:    cfg,
		log:    log,
		timing: cfg.Policy.Timing(),
		errs:   make(chan error, 2),
		ready:  make(chan struct{}),
	}

	mode, err := cfg.Transport.Clock.TimeMode()
	if err != nil {
		return nil, err
	}
	var clock timectrl.Clock
	if mode == timectrl.Accelerated {
		d.clock = timectrl.NewTimeController(time.Now(), cfg.Transport.Clock.Tick, mode)
		d.clock.Speedup = cfg.Transport.Clock.Speedup
		clock = d.clock
	}
	d.loop = dispatch.NewLoop(clock, dispatch.WithLogger(log.With(logging.String("component", "dispatch"))))

	if d.transport, err = openTransport(ctx, cfg, d.loop, log); err != nil {
		return nil, err
	}

	if d.engineMetrics, err = observability.NewEngineCollector(reg); err != nil {
		return nil, fmt.Errorf("engine metrics: %w", err)
	}
	if d.controlMetrics, err = observability.NewControlCollector(reg); err != nil {
		return nil, fmt.Errorf("control metrics: %w", err)
	}

	d.fanout = notify.NewFanout(
		notify.WithBuffer(cfg.Engine.NotifyBuffer),
		notify.WithLogger(log),
		notify.WithDropHook(d.engineMetrics.IncNotificationsDropped),
	)
	d.hub = notify.NewHub(log)
	d.cleanups = append(d.cleanups,
		d.fanout.Subscribe(d.hub),
		d.fanout.Subscribe(notify.LogListener{Log: log.With(logging.String("component", "notify"))}),
	)

	engineOpts, err := engineOptions(cfg)
	if err != nil {
		return nil, err
	}
	d.engine = central.New(d.transport, append(engineOpts,
		central.WithDispatcher(d.loop),
		central.WithLogger(log.With(logging.String("component", "engine"))),
		central.WithMetrics(d.engineMetrics),
		central.WithListener(d.fanout),
	)...)

	d.catalog = kb.NewCatalog()
	d.cleanups = append(d.cleanups, d.catalog.Subscribe(d.onCatalogEvent))

	d.grpcServer = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			nbi.RequestIDUnaryServerInterceptor(log),
			nbi.TracingUnaryServerInterceptor(),
			d.controlMetrics.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			nbi.RequestIDStreamServerInterceptor(log),
			d.controlMetrics.StreamServerInterceptor(),
		),
	)
	nbi.Register(d.grpcServer, nbi.NewCentralService(d.engine, d.catalog, d.fanout, log, nbi.WithPolicyConfig(d.timing)))

	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", d.engineMetrics.Handler())
	}
	mux.Handle("/ws", d.hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	d.httpServer = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return d, nil
}

// engineOptions translates the policy and engine sections.
func engineOptions(cfg *config.Config) ([]central.Option, error) {
	opts := []central.Option{
		central.WithPolicyConfig(cfg.Policy.Timing()),
		central.WithMaxConcurrent(cfg.Engine.MaxConcurrentPeripherals),
		central.WithConnectTimeout(cfg.Engine.ConnectTimeout),
		central.WithOperationTimeout(cfg.Engine.OperationTimeout),
		central.WithAutoConnectDefault(cfg.Engine.AutoConnectDefault),
	}
	// The device policy is the per-role default; other names replace the
	// role defaults engine-wide.
	if name := strings.ToLower(cfg.Policy.Name); name != "" && name != policy.NameDevice {
		p, err := cfg.Policy.Build()
		if err != nil {
			return nil, err
		}
		opts = append(opts, central.WithPolicy(p))
	}
	return opts, nil
}

func openTransport(ctx context.Context, cfg *config.Config, loop *dispatch.Loop, log logging.Logger) (sbi.Transport, error) {
	tlog := log.With(logging.String("component", "transport"), logging.String("kind", cfg.Transport.Kind))
	switch cfg.Transport.Kind {
	case config.TransportSimulated:
		s, err := simulated.LoadScenario(cfg.Transport.Scenario)
		if err != nil {
			return nil, err
		}
		return simulated.New(s, loop, simulated.WithLogger(tlog)), nil
	case config.TransportBlueZ:
		tr, err := bluez.Open(ctx, cfg.Transport.Adapter,
			bluez.WithLogger(tlog),
			bluez.WithCallTimeout(cfg.Engine.ConnectTimeout),
		)
		if err != nil {
			return nil, err
		}
		return tr, nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalid, cfg.Transport.Kind)
	}
}

// onCatalogEvent keeps the engine's registrations in step with the catalog.
func (d *daemon) onCatalogEvent(ev kb.Event) {
	if ev.Type == kb.EventPeripheralRemoved {
		return
	}
	opts, err := ev.Entry.RegisterOptions(d.timing)
	if err != nil {
		d.log.Warn(context.Background(), "catalog entry not registered",
			logging.Peripheral(string(ev.Entry.ID)), logging.Err(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.engine.Register(ctx, ev.Entry.ID, opts); err != nil {
		d.log.Warn(ctx, "register peripheral failed", logging.Peripheral(string(ev.Entry.ID)), logging.Err(err))
	}
}

// seed loads the configured peripherals into the catalog and connects the
// ones marked for it.
func (d *daemon) seed(ctx context.Context) error {
	for _, pc := range d.cfg.Peripherals {
		id, err := model.ParsePeripheralID(pc.Address)
		if err != nil {
			return err
		}
		role, err := model.ParseRole(pc.Role)
		if err != nil {
			return err
		}
		entry := kb.Entry{ID: id, Name: pc.Name, Role: role, AutoConnect: pc.AutoConnect, Policy: pc.Policy}
		if err := d.catalog.Add(entry); err != nil {
			return err
		}
		if !pc.Connect {
			continue
		}
		opts, err := entry.RegisterOptions(d.timing)
		if err != nil {
			return err
		}
		if err := d.engine.Connect(ctx, id, central.ConnectOptions{RegisterOptions: opts}); err != nil {
			return fmt.Errorf("connect %s: %w", id, err)
		}
	}
	d.log.Info(ctx, "peripheral catalog seeded", logging.Int("peripherals", len(d.cfg.Peripherals)))
	return nil
}

func (d *daemon) start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.loopCancel = cancel
	d.loop.Start(loopCtx)
	if d.clock != nil {
		d.clock.Start(loopCtx, 0)
	}
	d.engine.Start(ctx)

	if err := d.seed(ctx); err != nil {
		return err
	}

	var err error
	if d.grpcLis, err = net.Listen("tcp", d.cfg.Control.Address); err != nil {
		return fmt.Errorf("listen control %s: %w", d.cfg.Control.Address, err)
	}
	if d.httpLis, err = net.Listen("tcp", d.cfg.Metrics.Address); err != nil {
		return fmt.Errorf("listen http %s: %w", d.cfg.Metrics.Address, err)
	}

	go func() {
		if err := d.grpcServer.Serve(d.grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			d.errs <- fmt.Errorf("control server: %w", err)
		}
	}()
	go func() {
		if err := d.httpServer.Serve(d.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	d.log.Info(ctx, "blecentrald serving",
		logging.String("control", d.grpcLis.Addr().String()),
		logging.String("http", d.httpLis.Addr().String()),
		logging.String("transport", d.cfg.Transport.Kind),
	)
	close(d.ready)
	return nil
}

// run serves until ctx ends or a server fails.
func (d *daemon) run(ctx context.Context) error {
	if err := d.start(ctx); err != nil {
		d.shutdown()
		return err
	}
	var err error
	select {
	case <-ctx.Done():
	case err = <-d.errs:
	}
	d.shutdown()
	return err
}

func (d *daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Control.ShutdownTimeout)
	defer cancel()
	d.log.Info(ctx, "shutting down")

	if d.grpcLis != nil {
		stopped := make(chan struct{})
		go func() {
			d.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			d.grpcServer.Stop()
		}
	}
	if d.httpLis != nil {
		if err := d.httpServer.Shutdown(ctx); err != nil {
			d.log.Warn(ctx, "http shutdown", logging.Err(err))
		}
	}

	d.engine.Stop()
	// The engine posts its shutdown to the loop; wait for it to run.
	if err := d.loop.Call(ctx, func() {}); err != nil && !errors.Is(err, dispatch.ErrNotRunning) {
		d.log.Warn(ctx, "dispatcher drain", logging.Err(err))
	}
	if err := d.transport.Close(); err != nil {
		d.log.Warn(ctx, "transport close", logging.Err(err))
	}
	for _, fn := range d.cleanups {
		fn()
	}
	d.fanout.Close()
	d.hub.Close()
	if d.loopCancel != nil {
		d.loopCancel()
	}
	d.loop.Stop()
}
