// Package daemon implements the vrhostd lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/psaab/vrhost/pkg/api"
	"github.com/psaab/vrhost/pkg/cli"
	"github.com/psaab/vrhost/pkg/config"
	"github.com/psaab/vrhost/pkg/csum"
	"github.com/psaab/vrhost/pkg/fabric"
	"github.com/psaab/vrhost/pkg/grpcapi"
	"github.com/psaab/vrhost/pkg/hostif"
	"github.com/psaab/vrhost/pkg/iface"
	"github.com/psaab/vrhost/pkg/logging"
	"github.com/psaab/vrhost/pkg/packet"
)

// Options configures the daemon.
type Options struct {
	ConfigFile  string // empty runs with defaults
	DryRun      bool   // force the memory fabric
	APIAddr     string // overrides api.listen when set
	GRPCAddr    string // overrides grpc.listen when set
	Interactive bool   // run the operational shell on stdin
	// Log receives the configured syslog sinks. Optional.
	Log *logging.SyslogSlogHandler
	// Level is set to the configured log level unless Debug is set.
	Level *slog.LevelVar
	Debug bool
}

// Daemon is the vrhostd daemon.
type Daemon struct {
	opts Options

	cfg      *config.Config
	fab      fabric.Fabric
	ports    fabric.PortMap
	resolver iface.LinkResolver
	agent    *hostif.AgentQueue
	events   *logging.EventBuffer
	host     *hostif.HostInterface

	syslogSinks []logging.Sink
	eventSinks  []logging.Sink
	closers     []io.Closer
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	return &Daemon{opts: opts}
}

// Host returns the host interface driver once Setup has run.
func (d *Daemon) Host() *hostif.HostInterface {
	return d.host
}

// Events returns the pipeline event buffer once Setup has run.
func (d *Daemon) Events() *logging.EventBuffer {
	return d.events
}

// Setup loads the configuration and builds the driver and its backends.
func (d *Daemon) Setup() error {
	cfg := config.Default()
	if d.opts.ConfigFile != "" {
		var err error
		if cfg, err = config.Load(d.opts.ConfigFile); err != nil {
			return err
		}
		slog.Info("configuration loaded", "file", d.opts.ConfigFile)
	}
	if d.opts.DryRun {
		cfg.Fabric.Backend = config.BackendMemory
	}
	if d.opts.APIAddr != "" {
		cfg.API.Listen = d.opts.APIAddr
	}
	if d.opts.GRPCAddr != "" {
		cfg.GRPC.Listen = d.opts.GRPCAddr
	}
	d.cfg = cfg
	d.applyLogLevel()

	d.events = logging.NewEventBuffer(cfg.Events.BufferSize)
	if err := d.setupFabric(); err != nil {
		d.close()
		return err
	}
	d.agent = hostif.NewAgentQueue(cfg.Agent.QueueSize)

	host, err := hostif.New(hostif.Options{
		Fabric:      d.fab,
		Strategy:    csum.Strategy(cfg.Checksum.Strategy),
		MaxSegments: cfg.Split.MaxSegments,
		Agent:       d.agent,
		Resolver:    d.resolver,
		Ports:       d.ports,
		Events:      d.events,
	})
	if err != nil {
		d.close()
		return err
	}
	d.host = host

	if err := d.applyInterfaces(cfg.Interfaces); err != nil {
		d.close()
		return err
	}
	d.setupSinks()
	return nil
}

func (d *Daemon) applyLogLevel() {
	if d.opts.Level == nil || d.opts.Debug {
		return
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(d.cfg.Log.Level)); err == nil {
		d.opts.Level.Set(l)
	}
}

func (d *Daemon) setupFabric() error {
	fc := d.cfg.Fabric
	if fc.PortMapPin != "" {
		pm, err := fabric.OpenEBPFPortMap(fc.PortMapPin)
		if err != nil {
			return err
		}
		d.ports = pm
		d.closers = append(d.closers, pm)
	} else {
		d.ports = fabric.NewMemPortMap()
	}

	switch fc.Backend {
	case config.BackendAFPacket:
		af, err := fabric.NewAFPacket(d.ports, fc.MaxCopy)
		if err != nil {
			return err
		}
		d.fab = af
		d.closers = append(d.closers, af)

		res, err := iface.NewNetlinkResolver()
		if err != nil {
			slog.Warn("netlink resolver unavailable, physical interfaces need explicit settings", "err", err)
		} else {
			d.resolver = res
		}
	default:
		d.fab = fabric.NewMemory(fabric.MemoryOptions{AllocLimit: fc.AllocLimit, MaxCopy: fc.MaxCopy})
	}
	slog.Info("fabric ready", "backend", fc.Backend, "port_map_pin", fc.PortMapPin)
	return nil
}

// applyInterfaces registers the static interfaces, then their bridges.
func (d *Daemon) applyInterfaces(list []config.InterfaceConfig) error {
	for _, ic := range list {
		i, err := ic.Interface()
		if err != nil {
			return err
		}
		if err := d.host.Add(i); err != nil {
			return fmt.Errorf("interface %s: %w", ic.Name, err)
		}
	}
	for _, ic := range list {
		if ic.Bridge == "" {
			continue
		}
		if err := d.host.AddBridgeTap(ic.Name, ic.Bridge); err != nil {
			return fmt.Errorf("bridge %s to %s: %w", ic.Name, ic.Bridge, err)
		}
		if ic.XConnect {
			// Cross-connect follows the bridge once it exists.
			if err := d.host.XConnect(ic.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Daemon) setupSinks() {
	for _, sc := range d.cfg.Syslog {
		client, err := logging.NewSyslogClient(sc.Host, sc.Port)
		if err != nil {
			slog.Warn("failed to create syslog client", "host", sc.Host, "err", err)
			continue
		}
		if sc.Facility != "" {
			client.Facility = logging.ParseFacility(sc.Facility)
		}
		client.MinSeverity = logging.ParseSeverity(sc.Severity)
		slog.Info("syslog server configured", "host", sc.Host, "port", sc.Port)
		d.syslogSinks = append(d.syslogSinks, client)
	}
	d.eventSinks = append(d.eventSinks, d.syslogSinks...)

	if fc, ok := d.cfg.Events.FileSinkConfig(); ok {
		fs, err := logging.NewFileSink(fc)
		if err != nil {
			slog.Warn("failed to open event file", "path", fc.Path, "err", err)
		} else {
			d.eventSinks = append(d.eventSinks, fs)
			d.closers = append(d.closers, fs)
		}
	}

	if d.opts.Log != nil && len(d.syslogSinks) > 0 {
		d.opts.Log.SetClients(d.syslogSinks)
	}
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting vrhost daemon", "config", d.opts.ConfigFile, "pid", os.Getpid())
	if d.host == nil {
		if err := d.Setup(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	goRun(func() { logging.ForwardEvents(ctx, d.events, d.eventSinks) })
	goRun(func() { d.agent.Run(ctx, d.toAgent) })

	errCh := make(chan error, 2)
	if d.cfg.API.Listen != "" {
		srv := api.NewServer(api.Config{
			Addr:     d.cfg.API.Listen,
			Auth:     d.apiAuth(),
			Host:     d.host,
			EventBuf: d.events,
		})
		goRun(func() {
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("API: %w", err)
			}
		})
	}
	if d.cfg.GRPC.Listen != "" {
		srv := grpcapi.NewServer(grpcapi.Config{
			Addr:     d.cfg.GRPC.Listen,
			Interval: d.cfg.GRPC.CheckInterval,
			Checks:   d.healthChecks(),
		})
		goRun(func() {
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("gRPC: %w", err)
			}
		})
	}

	var shellDone chan error
	if d.opts.Interactive {
		shellDone = make(chan error, 1)
		shell := cli.New(d.host, d.events)
		go func() { shellDone <- shell.Run() }()
	}

	slog.Info("vrhost ready",
		"strategy", d.host.Strategy(),
		"interfaces", d.host.Registry().Len(),
		"passthrough", d.host.Registry().PassthroughEnabled())

	var runErr error
	select {
	case err := <-shellDone:
		if err != nil {
			runErr = fmt.Errorf("CLI: %w", err)
		}
	case err := <-errCh:
		runErr = err
	case <-ctx.Done():
		slog.Info("signal received, shutting down")
	}

	stop()
	wg.Wait()

	logFinalStats(d.host.Stats())
	d.close()
	slog.Info("shutdown complete")
	return runErr
}

func (d *Daemon) apiAuth() *api.AuthConfig {
	a := &api.AuthConfig{Users: d.cfg.API.Users, APIKeys: d.cfg.API.APIKeys}
	if a.Empty() {
		slog.Warn("HTTP API has no credentials configured", "addr", d.cfg.API.Listen)
		return nil
	}
	return a
}

// Health service names.
const (
	HealthFabric = "vrhost.fabric"
	HealthAgent  = "vrhost.agent"
)

// healthChecks returns the component checks published by the gRPC health
// service.
func (d *Daemon) healthChecks() map[string]grpcapi.Check {
	return map[string]grpcapi.Check{
		HealthFabric: fabricCheck(d.host.Totals),
		HealthAgent:  agentCheck(d.agent),
	}
}

var (
	errFabricRejecting = errors.New("fabric rejects every submitted unit")
	errAgentSaturated  = errors.New("agent queue saturated")
)

// fabricCheck fails when, since the previous round, submissions failed and
// none succeeded.
func fabricCheck(totals func() hostif.Stats) grpcapi.Check {
	last := totals()
	return func() error {
		cur := totals()
		prev := last
		last = cur
		if cur.DropSubmit > prev.DropSubmit && cur.TxPackets == prev.TxPackets {
			return fmt.Errorf("%w: %d failures", errFabricRejecting, cur.DropSubmit-prev.DropSubmit)
		}
		return nil
	}
}

// agentCheck fails while the agent queue is full.
func agentCheck(q *hostif.AgentQueue) grpcapi.Check {
	return func() error {
		if n := q.Len(); n >= q.Cap() {
			return fmt.Errorf("%w: %d packets queued", errAgentSaturated, n)
		}
		return nil
	}
}

// toAgent consumes packets queued for the agent. No agent socket is
// attached in this process; packets are logged and freed.
func (d *Daemon) toAgent(p *packet.Packet) {
	slog.Debug("agent packet", "type", p.Type, "len", p.Len())
	if err := p.Release(); err != nil && !errors.Is(err, packet.ErrDoubleRelease) {
		slog.Warn("agent packet release", "err", err)
	}
}

func (d *Daemon) close() {
	if d.opts.Log != nil && len(d.syslogSinks) > 0 {
		d.opts.Log.Close()
	} else {
		for _, s := range d.syslogSinks {
			s.Close()
		}
	}
	d.syslogSinks = nil
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			slog.Debug("close failed", "err", err)
		}
	}
	d.closers = nil
	if r, ok := d.resolver.(*iface.NetlinkResolver); ok {
		r.Close()
		d.resolver = nil
	}
}

func logFinalStats(s hostif.Stats) {
	slog.Info("final statistics",
		"tx_packets", s.TxPackets,
		"tx_bytes", s.TxBytes,
		"tx_frames", s.TxFrames,
		"agent_packets", s.AgentPackets,
		"splits", s.Split,
		"csum_software", s.CsumSoftware,
		"csum_fallback", s.CsumFallback,
		"dropped", s.Dropped())
}
