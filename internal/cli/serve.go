package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/caps/internal/checks"
	"github.com/roach88/caps/internal/clock"
	"github.com/roach88/caps/internal/cloud"
	"github.com/roach88/caps/internal/config"
	"github.com/roach88/caps/internal/configsync"
	"github.com/roach88/caps/internal/conflict"
	"github.com/roach88/caps/internal/connectivity"
	"github.com/roach88/caps/internal/ids"
	"github.com/roach88/caps/internal/lanapi"
	"github.com/roach88/caps/internal/replay"
	"github.com/roach88/caps/internal/store"
	"github.com/roach88/caps/internal/syncqueue"
	"github.com/roach88/caps/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

var errCloudDisabled = errors.New("no cloud url configured")

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string

	// Clock and IDs override the real clock and UUIDv7 ids in tests.
	Clock clock.Clock
	IDs   ids.Generator
	// Ready, when set, receives the LAN listener address once serving.
	Ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the check host",
		Long: `Run the check host: the LAN API for workstations, the connectivity
heartbeat, the lock sweeper and cloud replay.

The database is created and migrated on first start.

Example:
  caps serve --config /etc/caps/caps.yaml
  CAPS_CLOUD_SECRET=... caps serve --config caps.cue --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file, YAML or CUE (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	shutdownTracing := telemetry.Setup("caps", cfg.PropertyID, os.Getenv)
	defer func() {
		flushCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("trace flush failed", "error", err)
		}
	}()

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	gen := opts.IDs
	if gen == nil {
		gen = ids.UUIDv7{}
	}

	slog.Info("opening database", "path", cfg.DatabasePath)
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	h := newHost(cfg, st, clk, gen)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	slog.Info("host starting",
		"property_id", cfg.PropertyID,
		"host_id", cfg.HostID,
		"listen", ln.Addr().String(),
		"cloud", cfg.Cloud.URL != "",
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving LAN API on %s\n", ln.Addr())
	if opts.Ready != nil {
		opts.Ready <- ln.Addr().String()
	}

	if err := h.run(ctx, ln); err != nil {
		return WrapExitError(ExitFailure, "host error", err)
	}

	slog.Info("host stopped gracefully")
	return nil
}

// host is the wired set of components behind serve.
type host struct {
	cfg      config.Config
	checks   *checks.Manager
	monitor  *connectivity.Monitor
	replayer *replay.Engine
	cloud    *cloud.Client
	sweeper  *clock.Task
	server   *http.Server
}

func newHost(cfg config.Config, st *store.Store, clk clock.Clock, gen ids.Generator) *host {
	queue := syncqueue.New(st, clk, gen, syncqueue.Options{
		BaseBackoff: cfg.Queue.BaseBackoff,
		MaxAttempts: cfg.Queue.MaxAttempts,
	})
	resolver := conflict.New(st, queue, clk, gen)
	peers := connectivity.NewPeerRegistry(clk, cfg.Connectivity.PeerTimeout)
	mgr := checks.NewManager(st, queue, resolver, peers, clk, gen, checks.Options{LockTTL: cfg.Locks.TTL})

	client := cloud.NewClient(cloud.Options{
		URL:            cfg.Cloud.URL,
		PropertyID:     cfg.PropertyID,
		HostID:         cfg.HostID,
		Secret:         []byte(cfg.Cloud.Secret),
		MinVersion:     cfg.Cloud.MinVersion,
		RequestTimeout: cfg.Cloud.RequestTimeout,
	}, configsync.New(st, clk), clk, gen)

	var cloudProbe connectivity.Prober = client
	if cfg.Cloud.URL == "" {
		slog.Warn("cloud disabled, host will stay offline", "reason", errCloudDisabled)
		cloudProbe = connectivity.ProberFunc(func(context.Context) error { return errCloudDisabled })
	}
	var lanProbe connectivity.Prober = connectivity.AlwaysReachable
	if cfg.Connectivity.PeerURL != "" {
		lanProbe = connectivity.HTTPProber{
			URL:    cfg.Connectivity.PeerURL,
			Client: &http.Client{Timeout: cfg.Connectivity.ProbeTimeout},
		}
	}

	monitor := connectivity.NewMonitor(clk, cloudProbe, lanProbe, connectivity.Options{
		Interval:     cfg.Connectivity.HeartbeatInterval,
		ProbeTimeout: cfg.Connectivity.ProbeTimeout,
		Thresholds: connectivity.Thresholds{
			CloudMisses: cfg.Connectivity.CloudMisses,
			LANMisses:   cfg.Connectivity.LANMisses,
		},
		AlarmAfter: cfg.Connectivity.AlarmAfter,
	})

	replayer := replay.New(st, queue, client, resolver, clk, replay.Options{
		Interval:  cfg.Replay.Interval,
		BatchSize: cfg.Replay.BatchSize,
	})

	monitor.Subscribe(mgr.ModeChanged)
	monitor.Subscribe(replayer.ModeChanged)

	sweeper := clock.NewTask("lock-sweep", clk, cfg.Locks.SweepInterval, func(ctx context.Context) {
		if _, err := mgr.PurgeExpired(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("lock sweep failed", "error", err)
		}
	})

	api := lanapi.NewHandler(lanapi.Deps{
		Checks:    mgr,
		Peers:     peers,
		Mode:      monitor,
		Queue:     queue,
		Conflicts: resolver,
		IDs:       gen,
	})

	return &host{
		cfg:      cfg,
		checks:   mgr,
		monitor:  monitor,
		replayer: replayer,
		cloud:    client,
		sweeper:  sweeper,
		server: &http.Server{
			Handler:           api.Server(),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// run serves on ln until ctx is cancelled, then stops every worker and
// drains in-flight requests.
func (h *host) run(ctx context.Context, ln net.Listener) error {
	h.monitor.Start(ctx)
	h.replayer.Start(ctx)
	h.sweeper.Start(ctx, true)

	serveErr := make(chan error, 1)
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}

	h.sweeper.Stop()
	h.replayer.Stop()
	h.monitor.Stop()
	if err := h.cloud.Close(); err != nil {
		slog.Debug("cloud close", "error", err)
	}
	return runErr
}
